package database

import (
	"slices"
	"time"
)

type SessionData struct {
	ClientID      string               `bson:"client_id"`
	Subscriptions []SubscriptionRecord `bson:"subscriptions"`
	Outbound      []OutboundRecord     `bson:"outbound"`     // 未确认的 QoS 1/2 出站消息
	InboundQoS2   []uint16             `bson:"inbound_qos2"` // 等待 PUBREL 的入站 QoS 2 消息
	UpdatedAt     time.Time            `bson:"updated_at"`
}

func NewSessionData(clientID string) *SessionData {
	return &SessionData{
		ClientID:      clientID,
		Subscriptions: make([]SubscriptionRecord, 0),
		Outbound:      make([]OutboundRecord, 0),
		InboundQoS2:   make([]uint16, 0),
	}
}

// Clone 深拷贝，存储后端保存与返回的都是副本
func (session *SessionData) Clone() *SessionData {
	result := &SessionData{
		ClientID:      session.ClientID,
		Subscriptions: slices.Clone(session.Subscriptions),
		Outbound:      make([]OutboundRecord, len(session.Outbound)),
		InboundQoS2:   slices.Clone(session.InboundQoS2),
		UpdatedAt:     session.UpdatedAt,
	}
	for i, record := range session.Outbound {
		record.Payload = slices.Clone(record.Payload)
		result.Outbound[i] = record
	}
	return result
}

// Empty 没有任何需要恢复的状态
func (session *SessionData) Empty() bool {
	return len(session.Subscriptions) == 0 && len(session.Outbound) == 0 && len(session.InboundQoS2) == 0
}
