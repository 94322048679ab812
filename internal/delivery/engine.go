// Package delivery 实现 QoS 0/1/2 的投递保证：报文标识符分配、确认跟踪、超时重传与入站去重
package delivery

import (
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
)

const defaultDedupSize = 4096

// Sender 将报文交给连接的写协程
type Sender interface {
	Send(p packet.Packet) error
}

// Phase 出站消息所处的确认阶段
type Phase byte

const (
	// Queued 离线时排队的 QoS 0 消息
	Queued Phase = iota
	AwaitingPubAck
	AwaitingPubRec
	AwaitingPubComp
)

// PendingMessage 等待确认或等待发送的出站消息
type PendingMessage struct {
	PacketID uint16
	Topic    string
	Payload  []byte
	QoS      mqtt.QoS
	Retain   bool
	Retries  int
	LastSent time.Time
	Phase    Phase

	seq       uint64
	attempted bool
	token     *Token
}

func (m *PendingMessage) publishPacket(dup bool) *packet.Publish {
	return &packet.Publish{
		Dup:      dup && m.QoS > 0,
		QoS:      m.QoS,
		Retain:   m.Retain,
		Topic:    m.Topic,
		PacketID: m.PacketID,
		Payload:  m.Payload,
	}
}

type Config struct {
	// MaxRetryCount 超时重传次数上限，超过后消息以 DeliveryFailedError 失败
	MaxRetryCount int
	// RetryInterval 未收到确认时的重传间隔，为0时不重传
	RetryInterval time.Duration
	// DedupWindow 入站重复消息的识别窗口，为0时不做窗口去重
	DedupWindow time.Duration
	DedupSize   int
	Logger      *slog.Logger
	// Deliver 向应用交付入站消息
	Deliver func(msg *dispatcher.Message) error
	// OnFailure 每条放弃的消息调用一次，调用时不持有引擎锁
	OnFailure func(err error)
	// OnChange 需要持久化的状态变化后调用，必须不阻塞
	OnChange func()
}

// inboundKey 入站 QoS 1 去重键，服务端复用ID发送的新消息内容不同，不会被误判为重复
type inboundKey struct {
	packetID uint16
	digest   [sha256.Size]byte
}

func newInboundKey(p *packet.Publish) inboundKey {
	h := sha256.New()
	h.Write([]byte(p.Topic))
	h.Write([]byte{0})
	h.Write(p.Payload)
	key := inboundKey{packetID: p.PacketID}
	h.Sum(key.digest[:0])
	return key
}

type Engine struct {
	mu       sync.Mutex
	cfg      Config
	sender   Sender
	ids      *PacketIDManager
	outbound map[uint16]*PendingMessage
	queued   []*PendingMessage

	// inboundQoS2 从收到 PUBLISH 到收到 PUBREL 之间的入站 QoS 2 报文标识符
	inboundQoS2 map[uint16]struct{}
	recentQoS1  *expirable.LRU[inboundKey, struct{}]

	online       bool
	nextSeq      uint64
	drainWaiters []chan struct{}
	now          func() time.Time
	logger       *slog.Logger
}

func NewEngine(sender Sender, cfg Config) *Engine {
	e := &Engine{
		cfg:         cfg,
		sender:      sender,
		ids:         NewPacketIDManager(),
		outbound:    make(map[uint16]*PendingMessage),
		inboundQoS2: make(map[uint16]struct{}),
		nextSeq:     1,
		now:         time.Now,
		logger:      logger.OrDefault(cfg.Logger),
	}
	if cfg.DedupWindow > 0 {
		size := cfg.DedupSize
		if size <= 0 {
			size = defaultDedupSize
		}
		e.recentQoS1 = expirable.NewLRU[inboundKey, struct{}](size, nil, cfg.DedupWindow)
	}
	return e
}

func qosLabel(qos mqtt.QoS) string {
	return strconv.Itoa(int(qos))
}

// Publish 提交一条出站消息，超出长度上限的消息返回 mqtt.ErrPacketTooLarge
// 离线时消息排队，待 Resume 时按提交顺序发送
func (e *Engine) Publish(topic string, payload []byte, qos mqtt.QoS, retain bool) (*Token, error) {
	if !qos.Valid() {
		return nil, mqtt.ErrInvalidQoS
	}
	if err := packet.CheckSize(&packet.Publish{QoS: qos, Topic: topic, Payload: payload}); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	msg := &PendingMessage{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
		seq:     e.nextSeq,
	}

	if qos == mqtt.AtMostOnce {
		msg.token = newToken(0)
		e.nextSeq++
		metrics.MessagesPublished.WithLabelValues(qosLabel(qos)).Inc()
		if !e.online {
			msg.Phase = Queued
			e.queued = append(e.queued, msg)
			return msg.token, nil
		}
		msg.token.complete(e.sender.Send(msg.publishPacket(false)))
		return msg.token, nil
	}

	id, err := e.ids.NextID()
	if err != nil {
		return nil, err
	}
	e.nextSeq++
	metrics.MessagesPublished.WithLabelValues(qosLabel(qos)).Inc()

	msg.PacketID = id
	msg.token = newToken(id)
	if qos == mqtt.AtLeastOnce {
		msg.Phase = AwaitingPubAck
	} else {
		msg.Phase = AwaitingPubRec
	}
	e.outbound[id] = msg
	metrics.InFlight.Set(float64(len(e.outbound)))

	if e.online {
		e.transmit(msg, false)
	}
	e.changed()
	return msg.token, nil
}

// transmit 发送当前阶段对应的报文，调用方需持有锁
func (e *Engine) transmit(msg *PendingMessage, dup bool) {
	var p packet.Packet
	if msg.Phase == AwaitingPubComp {
		p = &packet.PubRel{PacketID: msg.PacketID}
	} else {
		p = msg.publishPacket(dup)
	}
	msg.LastSent = e.now()
	if err := e.sender.Send(p); err != nil {
		e.logger.Debug("send deferred until reconnect", "packet_id", msg.PacketID, "type", p.Type().String(), "error", err)
		return
	}
	msg.attempted = true
}

func (e *Engine) changed() {
	if e.cfg.OnChange != nil {
		e.cfg.OnChange()
	}
}

// remove 删除在途消息并释放ID，调用方需持有锁
func (e *Engine) remove(msg *PendingMessage) {
	delete(e.outbound, msg.PacketID)
	e.ids.ReleaseID(msg.PacketID)
	metrics.InFlight.Set(float64(len(e.outbound)))
	e.signalDrained()
}

func (e *Engine) signalDrained() {
	if len(e.outbound) != 0 || len(e.queued) != 0 {
		return
	}
	for _, ch := range e.drainWaiters {
		close(ch)
	}
	e.drainWaiters = nil
}

// ordered 按原始提交顺序返回所有待处理消息，调用方需持有锁
func (e *Engine) ordered() []*PendingMessage {
	result := make([]*PendingMessage, 0, len(e.outbound)+len(e.queued))
	for _, msg := range e.outbound {
		result = append(result, msg)
	}
	result = append(result, e.queued...)
	slices.SortFunc(result, func(a, b *PendingMessage) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return result
}

// HandlePubAck QoS 1 出站完成
func (e *Engine) HandlePubAck(id uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()

	msg, ok := e.outbound[id]
	if !ok || msg.Phase != AwaitingPubAck {
		e.logger.Debug("ignoring unexpected PUBACK", "packet_id", id)
		return
	}
	e.remove(msg)
	msg.token.complete(nil)
	e.changed()
}

// HandlePubRec QoS 2 第一步确认，回复 PUBREL
// 未知ID同样回复 PUBREL，使服务端能够结束该交换
func (e *Engine) HandlePubRec(id uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()

	msg, ok := e.outbound[id]
	if !ok {
		e.logger.Debug("PUBREC for unknown packet, releasing anyway", "packet_id", id)
		_ = e.sender.Send(&packet.PubRel{PacketID: id})
		return
	}
	switch msg.Phase {
	case AwaitingPubRec:
		msg.Phase = AwaitingPubComp
		msg.Retries = 0
		e.transmit(msg, false)
		e.changed()
	case AwaitingPubComp:
		e.transmit(msg, false)
	default:
		e.logger.Warn("PUBREC received for QoS 1 message", "packet_id", id)
	}
}

// HandlePubComp QoS 2 出站完成
func (e *Engine) HandlePubComp(id uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()

	msg, ok := e.outbound[id]
	if !ok || msg.Phase != AwaitingPubComp {
		e.logger.Debug("ignoring unexpected PUBCOMP", "packet_id", id)
		return
	}
	e.remove(msg)
	msg.token.complete(nil)
	e.changed()
}

// HandlePublish 处理入站 PUBLISH
// QoS 1 重复消息仍然回复 PUBACK
// QoS 2 只在 PUBLISH 到 PUBREL 之间按报文标识符去重，PUBREL 之后同ID的 PUBLISH 是新消息
func (e *Engine) HandlePublish(p *packet.Publish) error {
	msg := &dispatcher.Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       p.QoS,
		Retain:    p.Retain,
		Duplicate: p.Dup,
		PacketID:  p.PacketID,
	}

	switch p.QoS {
	case mqtt.AtMostOnce:
		return e.deliver(msg)

	case mqtt.AtLeastOnce:
		key := newInboundKey(p)
		if p.Dup && e.recentQoS1 != nil && e.recentQoS1.Contains(key) {
			e.suppressed(p)
		} else {
			if err := e.deliver(msg); err != nil {
				return err
			}
			if e.recentQoS1 != nil {
				e.recentQoS1.Add(key, struct{}{})
			}
		}
		return e.sender.Send(&packet.PubAck{PacketID: p.PacketID})

	case mqtt.ExactlyOnce:
		e.mu.Lock()
		_, duplicate := e.inboundQoS2[p.PacketID]
		if !duplicate {
			e.inboundQoS2[p.PacketID] = struct{}{}
		}
		e.mu.Unlock()

		if duplicate {
			e.suppressed(p)
		} else {
			if err := e.deliver(msg); err != nil {
				// 未交付，服务端重传时需要重新交付
				e.mu.Lock()
				delete(e.inboundQoS2, p.PacketID)
				e.mu.Unlock()
				return err
			}
			e.changed()
		}
		return e.sender.Send(&packet.PubRec{PacketID: p.PacketID})
	}
	return mqtt.ErrInvalidQoS
}

// HandlePubRel 入站 QoS 2 完成，总是回复 PUBCOMP
func (e *Engine) HandlePubRel(id uint16) error {
	e.mu.Lock()
	if _, ok := e.inboundQoS2[id]; ok {
		delete(e.inboundQoS2, id)
		e.changed()
	}
	e.mu.Unlock()
	return e.sender.Send(&packet.PubComp{PacketID: id})
}

func (e *Engine) deliver(msg *dispatcher.Message) error {
	metrics.MessagesDelivered.WithLabelValues(qosLabel(msg.QoS)).Inc()
	if e.cfg.Deliver == nil {
		return nil
	}
	return e.cfg.Deliver(msg)
}

func (e *Engine) suppressed(p *packet.Publish) {
	metrics.DuplicatesSuppressed.Inc()
	e.logger.Debug("duplicate message suppressed", "packet_id", p.PacketID, "topic", p.Topic, "qos", int(p.QoS))
}

// Tick 重传超时未确认的消息，超过重试上限的消息被放弃
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	if !e.online || e.cfg.RetryInterval <= 0 {
		e.mu.Unlock()
		return
	}

	var failed []error
	for _, msg := range e.ordered() {
		if msg.Phase == Queued || msg.LastSent.IsZero() || now.Sub(msg.LastSent) < e.cfg.RetryInterval {
			continue
		}
		if msg.Retries >= e.cfg.MaxRetryCount {
			e.remove(msg)
			err := &mqtt.DeliveryFailedError{
				PacketID: msg.PacketID,
				Topic:    msg.Topic,
				QoS:      msg.QoS,
				Attempts: msg.Retries + 1,
			}
			msg.token.complete(err)
			metrics.DeliveryFailures.Inc()
			e.logger.Warn("message dropped after retry limit", "packet_id", msg.PacketID, "topic", msg.Topic, "attempts", err.Attempts)
			failed = append(failed, err)
			continue
		}
		msg.Retries++
		metrics.Retransmissions.Inc()
		e.logger.Debug("retransmitting", "packet_id", msg.PacketID, "retries", msg.Retries)
		e.transmit(msg, true)
	}
	if len(failed) > 0 {
		e.changed()
	}
	e.mu.Unlock()

	if e.cfg.OnFailure != nil {
		for _, err := range failed {
			e.cfg.OnFailure(err)
		}
	}
}

// Resume 连接建立后按原始顺序重放所有待处理消息
// 重放期间持有锁，新提交的消息不会越过重放的消息
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.online = true
	replay := e.ordered()
	e.queued = nil
	for _, msg := range replay {
		if msg.Phase == Queued {
			msg.token.complete(e.sender.Send(msg.publishPacket(false)))
			continue
		}
		e.transmit(msg, msg.attempted)
	}
	if len(replay) > 0 {
		e.logger.Info("replayed pending messages", "count", len(replay))
	}
	e.signalDrained()
}

// Suspend 连接断开，停止重传计时
func (e *Engine) Suspend() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.online = false
}

// Online 当前是否处于连接状态
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Reset 丢弃全部会话状态，待处理消息以 ErrSessionDiscarded 结束
func (e *Engine) Reset() {
	e.discard(mqtt.ErrSessionDiscarded)
}

// Abandon 立即以 ErrClientClosed 结束全部待处理消息
func (e *Engine) Abandon() {
	e.discard(mqtt.ErrClientClosed)
}

func (e *Engine) discard(reason error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, msg := range e.ordered() {
		msg.token.complete(reason)
	}
	e.outbound = make(map[uint16]*PendingMessage)
	e.queued = nil
	e.inboundQoS2 = make(map[uint16]struct{})
	if e.recentQoS1 != nil {
		e.recentQoS1.Purge()
	}
	e.ids.Reset()
	metrics.InFlight.Set(0)
	e.signalDrained()
	e.changed()
}

// Drain 等待所有待处理消息完成
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	if len(e.outbound) == 0 && len(e.queued) == 0 {
		e.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	e.drainWaiters = append(e.drainWaiters, ch)
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcquireID 为 SUBSCRIBE/UNSUBSCRIBE 分配报文标识符，与出站 PUBLISH 共用
func (e *Engine) AcquireID() (uint16, error) {
	return e.ids.NextID()
}

func (e *Engine) ReleaseID(id uint16) {
	e.ids.ReleaseID(id)
}

// InFlight 待处理消息数量，包括离线排队的消息
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outbound) + len(e.queued)
}

// Pending 按原始顺序返回待处理消息的副本
func (e *Engine) Pending() []PendingMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	ordered := e.ordered()
	result := make([]PendingMessage, 0, len(ordered))
	for _, msg := range ordered {
		result = append(result, *msg)
	}
	return result
}

// Snapshot 导出需要持久化的状态，离线排队的 QoS 0 消息不持久化
func (e *Engine) Snapshot() ([]database.OutboundRecord, []uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()

	records := make([]database.OutboundRecord, 0, len(e.outbound))
	for _, msg := range e.ordered() {
		if msg.Phase == Queued {
			continue
		}
		records = append(records, database.OutboundRecord{
			PacketID: msg.PacketID,
			Topic:    msg.Topic,
			Payload:  msg.Payload,
			QoS:      byte(msg.QoS),
			Retain:   msg.Retain,
			Released: msg.Phase == AwaitingPubComp,
			Retries:  msg.Retries,
			Seq:      msg.seq,
		})
	}
	inbound := make([]uint16, 0, len(e.inboundQoS2))
	for id := range e.inboundQoS2 {
		inbound = append(inbound, id)
	}
	slices.Sort(inbound)
	return records, inbound
}

// Restore 从持久化状态恢复，恢复的消息在下一次 Resume 时以 DUP 重发
func (e *Engine) Restore(records []database.OutboundRecord, inbound []uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for _, record := range records {
		qos := mqtt.QoS(record.QoS)
		if qos == mqtt.AtMostOnce || !qos.Valid() {
			errs = append(errs, errors.New("restored message has invalid QoS "+qosLabel(qos)))
			continue
		}
		if !e.ids.Reserve(record.PacketID) {
			errs = append(errs, errors.New("restored packet id "+strconv.Itoa(int(record.PacketID))+" already in use"))
			continue
		}
		msg := &PendingMessage{
			PacketID:  record.PacketID,
			Topic:     record.Topic,
			Payload:   record.Payload,
			QoS:       qos,
			Retain:    record.Retain,
			Retries:   record.Retries,
			seq:       record.Seq,
			attempted: true,
			token:     newToken(record.PacketID),
		}
		switch {
		case record.Released:
			msg.Phase = AwaitingPubComp
		case qos == mqtt.AtLeastOnce:
			msg.Phase = AwaitingPubAck
		default:
			msg.Phase = AwaitingPubRec
		}
		e.outbound[msg.PacketID] = msg
		if record.Seq >= e.nextSeq {
			e.nextSeq = record.Seq + 1
		}
	}
	for _, id := range inbound {
		e.inboundQoS2[id] = struct{}{}
	}
	metrics.InFlight.Set(float64(len(e.outbound)))
	return errors.Join(errs...)
}
