// Package client 组合连接、会话、投递与分发组件，对外提供发布订阅接口
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/delivery"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/subscription"
)

const callbackQueueSize = 256

// request 等待 SUBACK 或 UNSUBACK 的请求
type request struct {
	filters []string
	done    chan struct{}
	ack     packet.Packet
	err     error
	// resubscribe 为 true 时由客户端自己处理应答，没有调用方在等待
	resubscribe bool
}

type Client struct {
	opts   Options
	logger *slog.Logger

	conn       *connection.Manager
	engine     *delivery.Engine
	session    *session.State
	dispatcher *dispatcher.Dispatcher
	persister  *session.Persister

	mu       sync.Mutex
	requests map[uint16]*request

	ready          chan struct{}
	readyOnce      sync.Once
	sessionPresent atomic.Bool
	started        atomic.Bool
	closed         atomic.Bool

	// lifecycle 串行化接口调用的状态检查与非持久会话重置，generation 每次重置加一
	lifecycle  sync.Mutex
	generation uint64

	runCancel     context.CancelFunc
	persistCancel context.CancelFunc

	callbackMu    sync.RWMutex
	callbacks     chan func()
	callbacksOpen bool
	callbacksDone chan struct{}
}

func New(opts Options) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	log := logger.OrDefault(opts.Logger)
	if opts.ClientID == "" {
		opts.ClientID = GenerateClientID()
		if !opts.CleanSession {
			log.Warn("persistent session with generated client id will not be resumed by a new process", "client_id", opts.ClientID)
		}
	}
	log = log.With("client_id", opts.ClientID)

	c := &Client{
		opts:          opts,
		logger:        log,
		requests:      make(map[uint16]*request),
		ready:         make(chan struct{}),
		callbacks:     make(chan func(), callbackQueueSize),
		callbacksOpen: true,
		callbacksDone: make(chan struct{}),
	}

	c.dispatcher = dispatcher.New(dispatcher.Config{
		Workers:        opts.DispatchWorkers,
		QueueSize:      opts.DispatchQueueSize,
		MatchCacheSize: 1024,
		Logger:         log,
	})
	c.dispatcher.SetDefaultHandler(opts.DefaultHandler)

	c.session = session.New(opts.ClientID, !opts.CleanSession, opts.Store, log)

	c.conn = connection.NewManager(connection.Config{
		Address:          opts.Address,
		TLS:              opts.TLS,
		Connect:          opts.connectPacket(),
		HandshakeTimeout: opts.HandshakeTimeout,
		PingTimeout:      opts.PingTimeout,
		TickInterval:     tickInterval(opts.RetryInterval),
		Backoff:          connection.NewBackoff(opts.Backoff.Base, opts.Backoff.Max, opts.Backoff.Jitter, opts.Backoff.ResetAfter),
		Dialer:           opts.Dialer,
		Logger:           log,
		OnStateChange:    c.stateChanged,
	}, &connectionEvents{client: c})

	c.engine = delivery.NewEngine(c.conn, delivery.Config{
		MaxRetryCount: opts.MaxRetryCount,
		RetryInterval: opts.RetryInterval,
		DedupWindow:   opts.DedupWindow,
		Logger:        log,
		Deliver:       c.dispatcher.Dispatch,
		OnFailure:     c.reportError,
		OnChange:      c.sessionChanged,
	})

	if c.session.Persistent() && opts.Store != nil {
		c.persister = session.NewPersister(c.session, c.engine)
	}

	go c.runCallbacks()
	return c, nil
}

// tickInterval 重传检查周期，不超过重传间隔
func tickInterval(retry time.Duration) time.Duration {
	if retry <= 0 {
		return 0
	}
	return min(retry/2, defaultTick)
}

func (c *Client) ClientID() string {
	return c.opts.ClientID
}

// Connect 恢复持久会话并建立连接，阻塞直到首次连接成功或 ctx 结束
// 首次连接失败时客户端被关闭
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return mqtt.ErrClientClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	if err := c.restore(ctx); err != nil {
		c.started.Store(false)
		return err
	}

	if c.persister != nil {
		persistCtx, cancel := context.WithCancel(context.Background())
		c.persistCancel = cancel
		go c.persister.Run(persistCtx)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	go func() {
		if err := c.conn.Run(runCtx); err != nil {
			c.logger.Error("connection loop exited", "error", err)
		}
	}()

	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		cause := c.conn.LastError()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Second)
		defer cancelShutdown()
		c.shutdown(shutdownCtx, ShutdownAbandon)
		if cause != nil {
			return fmt.Errorf("%w: %w", ErrConnectFailed, cause)
		}
		return fmt.Errorf("%w: %w", ErrConnectFailed, ctx.Err())
	}
}

// restore 持久会话从存储中恢复订阅与在途消息，非持久会话删除残留的存储
func (c *Client) restore(ctx context.Context) error {
	if !c.session.Persistent() {
		if err := c.session.Discard(ctx); err != nil {
			c.logger.Warn("fail to discard stored session", "error", err)
		}
		return nil
	}

	data, err := c.session.Load(ctx)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	if err := c.engine.Restore(data.Outbound, data.InboundQoS2); err != nil {
		c.logger.Warn("some stored messages could not be restored", "error", err)
	}
	for _, sub := range c.session.Subscriptions() {
		if err := c.dispatcher.Register(sub.Filter, sub.Handler); err != nil {
			c.logger.Warn("ignoring stored subscription", "filter", sub.Filter, "error", err)
			c.session.RemoveSubscription(sub.Filter)
		}
	}
	return nil
}

// State 当前连接状态
func (c *Client) State() connection.State {
	return c.conn.State()
}

func (c *Client) SubscriptionCount() int {
	return c.session.Len()
}

// InFlight 尚未完成的出站消息数量
func (c *Client) InFlight() int {
	return c.engine.InFlight()
}

// Subscriptions 当前订阅的副本
func (c *Client) Subscriptions() []session.Subscription {
	return c.session.Subscriptions()
}

// Subscribe 订阅并等待 SUBACK，重复订阅同一过滤器会覆盖处理函数与 QoS
// handler 为 nil 时消息交给默认处理函数
func (c *Client) Subscribe(ctx context.Context, filter string, qos mqtt.QoS, handler dispatcher.Handler) error {
	if c.closed.Load() {
		return mqtt.ErrClientClosed
	}
	if err := subscription.ValidateFilter(filter); err != nil {
		return err
	}
	if !qos.Valid() {
		return mqtt.ErrInvalidQoS
	}

	c.lifecycle.Lock()
	if c.conn.State() != connection.Connected {
		c.lifecycle.Unlock()
		return mqtt.ErrNotConnected
	}
	generation := c.generation
	previous, existed := c.session.Subscription(filter)
	if _, err := c.session.AddSubscription(filter, qos, handler); err != nil {
		c.lifecycle.Unlock()
		return err
	}
	// 在 SUBACK 之前注册，保证服务端紧随其后发送的消息能找到处理函数
	if err := c.dispatcher.Register(filter, handler); err != nil {
		c.lifecycle.Unlock()
		c.rollbackSubscription(generation, filter, previous, existed)
		return err
	}
	id, req, err := c.startRequest([]string{filter}, func(id uint16) packet.Packet {
		return &packet.Subscribe{PacketID: id, Topics: []packet.TopicSubscription{{Filter: filter, QoS: qos}}}
	})
	c.lifecycle.Unlock()
	if err != nil {
		c.rollbackSubscription(generation, filter, previous, existed)
		return err
	}

	ack, err := c.waitRequest(ctx, id, req)
	if err != nil {
		c.rollbackSubscription(generation, filter, previous, existed)
		return err
	}

	suback, ok := ack.(*packet.SubAck)
	if !ok {
		c.rollbackSubscription(generation, filter, previous, existed)
		return mqtt.NewProtocolError(fmt.Sprintf("expected SUBACK, got %s", ack.Type()))
	}
	granted, ok := suback.ReturnCodes[0].Granted()
	if !ok {
		c.rollbackSubscription(generation, filter, previous, existed)
		return fmt.Errorf("%w: %s", mqtt.ErrSubscriptionRefused, filter)
	}

	c.lifecycle.Lock()
	reset := c.generation != generation
	if !reset {
		c.session.SetGranted(filter, granted)
	}
	c.lifecycle.Unlock()
	if reset {
		return fmt.Errorf("%w: session reset while subscribing to %s", mqtt.ErrNotConnected, filter)
	}
	c.sessionChanged()
	c.logger.Info("subscribed", "filter", filter, "qos", int(qos), "granted", int(granted))
	return nil
}

// rollbackSubscription 恢复订阅前的状态，期间会话已被重置时不做任何事
func (c *Client) rollbackSubscription(generation uint64, filter string, previous session.Subscription, existed bool) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.generation != generation {
		return
	}
	if existed {
		_, _ = c.session.AddSubscription(filter, previous.QoS, previous.Handler)
		_ = c.dispatcher.Register(filter, previous.Handler)
		return
	}
	c.session.RemoveSubscription(filter)
	c.dispatcher.Unregister(filter)
}

// Unsubscribe 取消订阅并等待 UNSUBACK
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) error {
	if c.closed.Load() {
		return mqtt.ErrClientClosed
	}
	if len(filters) == 0 {
		return nil
	}
	for _, filter := range filters {
		if err := subscription.ValidateFilter(filter); err != nil {
			return err
		}
	}

	c.lifecycle.Lock()
	if c.conn.State() != connection.Connected {
		c.lifecycle.Unlock()
		return mqtt.ErrNotConnected
	}
	id, req, err := c.startRequest(filters, func(id uint16) packet.Packet {
		return &packet.Unsubscribe{PacketID: id, Topics: filters}
	})
	c.lifecycle.Unlock()
	if err != nil {
		return err
	}
	if _, err := c.waitRequest(ctx, id, req); err != nil {
		return err
	}
	for _, filter := range filters {
		c.session.RemoveSubscription(filter)
		c.dispatcher.Unregister(filter)
	}
	c.sessionChanged()
	c.logger.Info("unsubscribed", "filters", filters)
	return nil
}

// startRequest 分配报文ID并发送 SUBSCRIBE/UNSUBSCRIBE
func (c *Client) startRequest(filters []string, build func(id uint16) packet.Packet) (uint16, *request, error) {
	id, err := c.engine.AcquireID()
	if err != nil {
		return 0, nil, err
	}
	req := &request{filters: filters, done: make(chan struct{})}
	c.mu.Lock()
	c.requests[id] = req
	c.mu.Unlock()

	if err := c.conn.Send(build(id)); err != nil {
		c.dropRequest(id)
		return 0, nil, err
	}
	return id, req, nil
}

// waitRequest 等待 startRequest 发出的请求的应答
func (c *Client) waitRequest(ctx context.Context, id uint16, req *request) (packet.Packet, error) {
	select {
	case <-req.done:
		return req.ack, req.err
	case <-ctx.Done():
		c.dropRequest(id)
		return nil, ctx.Err()
	}
}

func (c *Client) dropRequest(id uint16) {
	c.mu.Lock()
	_, ok := c.requests[id]
	delete(c.requests, id)
	c.mu.Unlock()
	if ok {
		c.engine.ReleaseID(id)
	}
}

// completeRequest 处理 SUBACK 与 UNSUBACK
func (c *Client) completeRequest(id uint16, ack packet.Packet) error {
	c.mu.Lock()
	req, ok := c.requests[id]
	delete(c.requests, id)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("ignoring acknowledgement for unknown request", "packet_id", id, "type", ack.Type().String())
		return nil
	}
	c.engine.ReleaseID(id)

	if suback, isSubAck := ack.(*packet.SubAck); isSubAck && len(suback.ReturnCodes) != len(req.filters) {
		err := mqtt.NewProtocolError(fmt.Sprintf("SUBACK carries %d return codes for %d filters", len(suback.ReturnCodes), len(req.filters)))
		req.err = err
		if !req.resubscribe {
			close(req.done)
		}
		return err
	}

	if req.resubscribe {
		if suback, isSubAck := ack.(*packet.SubAck); isSubAck {
			c.resubscribed(req, suback)
		}
		return nil
	}
	req.ack = ack
	close(req.done)
	return nil
}

// failRequests 连接断开时结束所有等待中的请求
func (c *Client) failRequests(err error) {
	c.mu.Lock()
	pending := c.requests
	c.requests = make(map[uint16]*request)
	c.mu.Unlock()

	for id, req := range pending {
		c.engine.ReleaseID(id)
		if req.resubscribe {
			continue
		}
		req.err = err
		close(req.done)
	}
}

// resubscribe 服务端没有保留会话时重新发送所有已知订阅
func (c *Client) resubscribe() {
	subs := c.session.Subscriptions()
	if len(subs) == 0 {
		return
	}
	id, err := c.engine.AcquireID()
	if err != nil {
		c.reportError(fmt.Errorf("resubscribing: %w", err))
		return
	}

	topics := make([]packet.TopicSubscription, len(subs))
	filters := make([]string, len(subs))
	for i, sub := range subs {
		topics[i] = packet.TopicSubscription{Filter: sub.Filter, QoS: sub.QoS}
		filters[i] = sub.Filter
	}
	c.mu.Lock()
	c.requests[id] = &request{filters: filters, resubscribe: true}
	c.mu.Unlock()

	if err := c.conn.Send(&packet.Subscribe{PacketID: id, Topics: topics}); err != nil {
		c.dropRequest(id)
		c.logger.Warn("fail to resubscribe", "error", err)
		return
	}
	c.logger.Info("resubscribing stored subscriptions", "count", len(subs))
}

func (c *Client) resubscribed(req *request, suback *packet.SubAck) {
	for i, code := range suback.ReturnCodes {
		filter := req.filters[i]
		granted, ok := code.Granted()
		if !ok {
			c.reportError(fmt.Errorf("%w: %s", mqtt.ErrSubscriptionRefused, filter))
			continue
		}
		c.session.SetGranted(filter, granted)
	}
}

// Publish 提交一条消息
// 非持久会话离线时返回 mqtt.ErrNotConnected，持久会话离线时消息排队等待重连
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos mqtt.QoS, retain bool) (*delivery.Token, error) {
	if c.closed.Load() {
		return nil, mqtt.ErrClientClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := subscription.ValidateTopicName(topic); err != nil {
		return nil, err
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.session.Persistent() && c.conn.State() != connection.Connected {
		return nil, mqtt.ErrNotConnected
	}
	return c.engine.Publish(topic, payload, qos, retain)
}

// Disconnect 按配置的关闭模式结束在途消息，发送 DISCONNECT 并释放资源
func (c *Client) Disconnect(ctx context.Context) error {
	if c.closed.Load() {
		return mqtt.ErrClientClosed
	}
	c.shutdown(ctx, c.opts.ShutdownMode)
	return nil
}

func (c *Client) shutdown(ctx context.Context, mode ShutdownMode) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	if mode == ShutdownDrain && c.conn.State() == connection.Connected {
		drainCtx := ctx
		if c.opts.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			drainCtx, cancel = context.WithTimeout(ctx, c.opts.ShutdownTimeout)
			defer cancel()
		}
		if err := c.engine.Drain(drainCtx); err != nil {
			c.logger.Warn("in-flight messages not drained before shutdown", "in_flight", c.engine.InFlight(), "error", err)
		}
	}

	if err := c.conn.Close(ctx); err != nil && !errors.Is(err, connection.ErrManagerClosed) {
		c.logger.Warn("error occurred while closing connection", "error", err)
	}
	if c.runCancel != nil {
		c.runCancel()
	}
	c.failRequests(mqtt.ErrClientClosed)

	// 先写入最终状态，持久会话的在途消息留给下一次启动
	if c.persistCancel != nil {
		c.persistCancel()
		select {
		case <-c.persister.Done():
		case <-ctx.Done():
		}
	}

	c.engine.Abandon()
	c.dispatcher.Close()

	c.callbackMu.Lock()
	c.callbacksOpen = false
	close(c.callbacks)
	c.callbackMu.Unlock()
	select {
	case <-c.callbacksDone:
	case <-ctx.Done():
	}
	c.logger.Info("client disconnected")
}

func (c *Client) sessionChanged() {
	if c.persister != nil {
		c.persister.Notify()
	}
}

func (c *Client) reportError(err error) {
	c.logger.Error("client error", "error", err)
	if c.opts.OnError != nil {
		c.callback(func() { c.opts.OnError(err) })
	}
}

// callback 回调在独立协程中按顺序执行，不阻塞读写
func (c *Client) callback(fn func()) {
	c.callbackMu.RLock()
	defer c.callbackMu.RUnlock()
	if !c.callbacksOpen {
		return
	}
	c.callbacks <- fn
}

func (c *Client) runCallbacks() {
	defer close(c.callbacksDone)
	for fn := range c.callbacks {
		fn()
	}
}

// connectionEvents 把连接事件接到客户端上
type connectionEvents struct {
	client *Client
}

func (e *connectionEvents) OnConnected(_ context.Context, connack *packet.Connack) error {
	c := e.client
	if c.session.Persistent() {
		c.engine.Resume()
		if !connack.SessionPresent {
			c.resubscribe()
		}
	} else {
		// 非持久会话每次连接都从空状态开始，重置期间接口调用在 lifecycle 上等待
		c.lifecycle.Lock()
		c.failRequests(fmt.Errorf("%w: session reset", mqtt.ErrNotConnected))
		c.engine.Reset()
		c.session.Reset()
		c.dispatcher.Clear()
		c.generation++
		c.engine.Resume()
		c.lifecycle.Unlock()
	}
	c.sessionPresent.Store(connack.SessionPresent)
	return nil
}

// stateChanged 连接管理器在 OnConnected 成功之后才报告 Connected
func (c *Client) stateChanged(state connection.State) {
	if state != connection.Connected {
		return
	}
	c.readyOnce.Do(func() { close(c.ready) })
	if c.opts.OnConnect != nil {
		present := c.sessionPresent.Load()
		c.callback(func() { c.opts.OnConnect(c, present) })
	}
}

func (e *connectionEvents) OnPacket(p packet.Packet) error {
	c := e.client
	switch p := p.(type) {
	case *packet.Publish:
		return c.engine.HandlePublish(p)
	case *packet.PubAck:
		c.engine.HandlePubAck(p.PacketID)
	case *packet.PubRec:
		c.engine.HandlePubRec(p.PacketID)
	case *packet.PubRel:
		return c.engine.HandlePubRel(p.PacketID)
	case *packet.PubComp:
		c.engine.HandlePubComp(p.PacketID)
	case *packet.SubAck:
		return c.completeRequest(p.PacketID, p)
	case *packet.UnsubAck:
		return c.completeRequest(p.PacketID, p)
	default:
		c.logger.Warn("unhandled packet", "type", p.Type().String())
	}
	return nil
}

func (e *connectionEvents) OnTick(now time.Time) {
	e.client.engine.Tick(now)
}

func (e *connectionEvents) OnConnectionLost(err error) {
	c := e.client
	c.engine.Suspend()
	c.failRequests(fmt.Errorf("%w: %w", mqtt.ErrNotConnected, err))
	if errors.Is(err, mqtt.ErrProtocol) {
		c.reportError(err)
	}
	if c.opts.OnConnectionLost != nil {
		c.callback(func() { c.opts.OnConnectionLost(err) })
	}
}
