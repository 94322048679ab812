// Package database 提供持久会话的存储后端
package database

import (
	"context"
	"errors"
)

const (
	SessionCollectionName = "sessions"
	SessionTableName      = "sessions"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ClientIdEmptyError = errors.New("client_id is empty")
)

// SubscriptionRecord 持久化的订阅，处理函数不持久化
type SubscriptionRecord struct {
	Filter string `bson:"filter"`
	QoS    byte   `bson:"qos"`
}

// OutboundRecord 尚未完成确认的出站消息
type OutboundRecord struct {
	PacketID uint16 `bson:"packet_id"`
	Topic    string `bson:"topic"`
	Payload  []byte `bson:"payload"`
	QoS      byte   `bson:"qos"`
	Retain   bool   `bson:"retain"`
	// Released 为 true 表示已收到 PUBREC，正在等待 PUBCOMP
	Released bool `bson:"released"`
	Retries  int  `bson:"retries"`
	// Seq 原始发送顺序
	Seq uint64 `bson:"seq"`
}

type SessionStore interface {
	// LoadSession 会话不存在时返回 ErrSessionNotFound
	LoadSession(ctx context.Context, clientID string) (*SessionData, error)
	SaveSession(ctx context.Context, session *SessionData) error
	DeleteSession(ctx context.Context, clientID string) error
	Close(ctx context.Context) error
}
