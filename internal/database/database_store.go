package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
)

// DBStore 基于 MongoDB 的会话存储，每个客户端一篇文档
type DBStore struct {
	client           *mongo.Client
	db               *mongo.Database
	sessions         *mongo.Collection
	operationTimeout time.Duration
}

func wrapMongoError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrSessionNotFound
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *DBStore) LoadSession(ctx context.Context, clientID string) (*SessionData, error) {
	if clientID == "" {
		return nil, ClientIdEmptyError
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: clientID}}
	var session SessionData

	startTime := time.Now()
	err := ds.sessions.FindOne(ctx, filter).Decode(&session)
	logger.DebugF("session query cost: %v", time.Since(startTime))

	if err != nil {
		return nil, wrapMongoError(err)
	}
	return &session, nil
}

func (ds *DBStore) SaveSession(ctx context.Context, sessionData *SessionData) error {
	if sessionData.ClientID == "" {
		return ClientIdEmptyError
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: sessionData.ClientID}}
	opts := options.Replace().SetUpsert(true)

	result, err := ds.sessions.ReplaceOne(ctx, filter, sessionData, opts)
	if err != nil {
		return wrapMongoError(err)
	}

	logger.DebugF("Session saved: client_id=%s, matched=%d, modified=%d, upserted=%v",
		sessionData.ClientID,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (ds *DBStore) DeleteSession(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ClientIdEmptyError
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: clientID}}
	result, err := ds.sessions.DeleteOne(ctx, filter)
	if err != nil {
		return wrapMongoError(err)
	}

	logger.DebugF("Session deleted: client_id=%s, deleted=%d", clientID, result.DeletedCount)
	return nil
}

// Close 断开数据库连接
func (ds *DBStore) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()
	return ds.client.Disconnect(ctx)
}
