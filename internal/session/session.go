// Package session 管理订阅集合与会话持久化策略
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/subscription"
)

// Subscription 一个主题过滤器的订阅，同一过滤器只有一条
type Subscription struct {
	Filter  string
	QoS     mqtt.QoS
	Handler dispatcher.Handler
	// Granted 服务端在 SUBACK 中授予的 QoS
	Granted mqtt.QoS
}

// Snapshotter 提供需要持久化的在途状态
type Snapshotter interface {
	Snapshot() ([]database.OutboundRecord, []uint16)
}

type State struct {
	mu         sync.RWMutex
	clientID   string
	persistent bool
	subs       map[string]*Subscription
	order      []string
	store      database.SessionStore
	logger     *slog.Logger
}

// New persistent 为 false 时不读写存储
func New(clientID string, persistent bool, store database.SessionStore, log *slog.Logger) *State {
	return &State{
		clientID:   clientID,
		persistent: persistent,
		subs:       make(map[string]*Subscription),
		store:      store,
		logger:     logger.OrDefault(log),
	}
}

func (s *State) ClientID() string {
	return s.clientID
}

func (s *State) Persistent() bool {
	return s.persistent
}

// AddSubscription 重复订阅同一过滤器时覆盖处理函数与 QoS，返回是否覆盖了已有订阅
func (s *State) AddSubscription(filter string, qos mqtt.QoS, handler dispatcher.Handler) (bool, error) {
	if err := subscription.ValidateFilter(filter); err != nil {
		return false, err
	}
	if !qos.Valid() {
		return false, mqtt.ErrInvalidQoS
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.subs[filter]; ok {
		existing.QoS = qos
		existing.Handler = handler
		return true, nil
	}
	s.subs[filter] = &Subscription{Filter: filter, QoS: qos, Handler: handler, Granted: qos}
	s.order = append(s.order, filter)
	return false, nil
}

// SetGranted 记录服务端授予的 QoS
func (s *State) SetGranted(filter string, qos mqtt.QoS) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[filter]; ok {
		sub.Granted = qos
	}
}

func (s *State) RemoveSubscription(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[filter]; !ok {
		return false
	}
	delete(s.subs, filter)
	for i, f := range s.order {
		if f == filter {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *State) Subscription(filter string) (Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[filter]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// Subscriptions 按首次订阅顺序返回
func (s *State) Subscriptions() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Subscription, 0, len(s.order))
	for _, filter := range s.order {
		result = append(result, *s.subs[filter])
	}
	return result
}

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Reset 清空订阅，用于非持久会话的重连
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = make(map[string]*Subscription)
	s.order = nil
}

// Load 读取持久化的会话并恢复订阅，恢复的订阅没有处理函数
// 非持久会话或没有存储时返回 nil
func (s *State) Load(ctx context.Context) (*database.SessionData, error) {
	if !s.persistent || s.store == nil {
		return nil, nil
	}
	data, err := s.store.LoadSession(ctx, s.clientID)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading session %s: %w", s.clientID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range data.Subscriptions {
		if _, ok := s.subs[record.Filter]; ok {
			continue
		}
		qos := mqtt.QoS(record.QoS)
		s.subs[record.Filter] = &Subscription{Filter: record.Filter, QoS: qos, Granted: qos}
		s.order = append(s.order, record.Filter)
	}
	s.logger.Info("session restored",
		"client_id", s.clientID,
		"subscriptions", len(data.Subscriptions),
		"outbound", len(data.Outbound),
		"inbound", len(data.InboundQoS2))
	return data, nil
}

// Snapshot 组合订阅与在途状态，inflight 为 nil 时只包含订阅
func (s *State) Snapshot(inflight Snapshotter) *database.SessionData {
	data := database.NewSessionData(s.clientID)
	for _, sub := range s.Subscriptions() {
		data.Subscriptions = append(data.Subscriptions, database.SubscriptionRecord{Filter: sub.Filter, QoS: byte(sub.QoS)})
	}
	if inflight != nil {
		data.Outbound, data.InboundQoS2 = inflight.Snapshot()
	}
	data.UpdatedAt = time.Now()
	return data
}

// Save 持久化当前状态，非持久会话不做任何事
func (s *State) Save(ctx context.Context, inflight Snapshotter) error {
	if !s.persistent || s.store == nil {
		return nil
	}
	if err := s.store.SaveSession(ctx, s.Snapshot(inflight)); err != nil {
		return fmt.Errorf("saving session %s: %w", s.clientID, err)
	}
	return nil
}

// Discard 删除存储中的会话，用于以清理会话方式连接
func (s *State) Discard(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.DeleteSession(ctx, s.clientID); err != nil && !errors.Is(err, database.ErrSessionNotFound) {
		return fmt.Errorf("deleting session %s: %w", s.clientID, err)
	}
	return nil
}
