package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.mongodb.org/mongo-driver/bson"
)

const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the database file.
	filePermissions = 0600

	connectionTimeout = 5 * time.Second
)

const createSessionsTable = `CREATE TABLE IF NOT EXISTS sessions (
	client_id  TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore 基于 SQLite 的会话存储，会话以 BSON 编码存放
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteStore 打开数据库文件并建表，目录不存在时自动创建
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
	sqlDB, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite only supports one writer
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, createSessionsTable); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("creating sessions table: %w", err)
	}
	_ = os.Chmod(path, filePermissions)

	return &SQLiteStore{db: sqlDB, path: path}, nil
}

func (s *SQLiteStore) LoadSession(ctx context.Context, clientID string) (*SessionData, error) {
	if clientID == "" {
		return nil, ClientIdEmptyError
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM sessions WHERE client_id = ?", clientID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("querying session: %w", err)
	}

	var session SessionData
	if err := bson.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &session, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, session *SessionData) error {
	if session.ClientID == "" {
		return ClientIdEmptyError
	}
	data, err := bson.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (client_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(client_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		session.ClientID, data, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ClientIdEmptyError
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE client_id = ?", clientID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close(context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the database file.
func (s *SQLiteStore) Path() string {
	return s.path
}
