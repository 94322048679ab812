package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	c "github.com/life-stream-dev/life-stream-go-mqtt-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/utils"
)

const defaultOperationTimeout = 5 * time.Second

func mongoURI(config c.DatabaseConfig) string {
	if config.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", config.Host, config.Port)
	}
	// 编码特殊字符
	encodedUser := url.QueryEscape(config.Username)
	encodedPass := url.QueryEscape(config.Password)
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		config.Host,
		config.Port,
	)
}

func parseDurations(config c.DatabaseConfig) (map[string]time.Duration, error) {
	result := make(map[string]time.Duration, 5)
	for name, value := range map[string]string{
		"operation_timeout":    config.OperationTimeout,
		"connect_idle_timeout": config.ConnectIdleTimeout,
		"connect_timeout":      config.ConnectTimeout,
		"socket_timeout":       config.SocketTimeout,
		"heartbeat":            config.Heartbeat,
	} {
		duration, err := utils.ParseStringTime(value)
		if err != nil {
			return nil, fmt.Errorf("database.%s: %w", name, err)
		}
		result[name] = duration
	}
	return result, nil
}

// ConnectDatabase 连接 MongoDB 并确保会话集合的唯一索引存在
func ConnectDatabase(ctx context.Context, config c.DatabaseConfig, appName string) (*DBStore, error) {
	logger.DebugF("Connecting to database...")

	durations, err := parseDurations(config)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}
	operationTimeout := durations["operation_timeout"]
	if operationTimeout <= 0 {
		operationTimeout = defaultOperationTimeout
	}

	clientOptions := options.Client().ApplyURI(mongoURI(config)).SetAppName(appName)
	// 连接池配置
	if config.MinPoolSize > 0 {
		clientOptions.SetMinPoolSize(config.MinPoolSize) // 最小连接数
	}
	if config.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(config.MaxPoolSize) // 最大连接数
	}
	if d := durations["connect_idle_timeout"]; d > 0 {
		clientOptions.SetMaxConnIdleTime(d)
	}
	// 超时限制
	if d := durations["connect_timeout"]; d > 0 {
		clientOptions.SetConnectTimeout(d)
	}
	if d := durations["socket_timeout"]; d > 0 {
		clientOptions.SetSocketTimeout(d)
	}
	// 心跳包
	if d := durations["heartbeat"]; d > 0 {
		clientOptions.SetHeartbeatInterval(d)
	}
	// TLS
	if config.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s", evt.Address)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s (%s)", evt.Address, evt.Reason)
			}
		},
	})

	// 创建客户端
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	// 验证连接
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(config.Database)
	sessions := db.Collection(SessionCollectionName)

	_, err = sessions.Indexes().CreateOne(
		ctx,
		mongo.IndexModel{
			Keys:    bson.D{{Key: "client_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("sessions_client_id_unique"),
		},
	)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
	}

	return &DBStore{
		client:           client,
		db:               db,
		sessions:         sessions,
		operationTimeout: operationTimeout,
	}, nil
}
