// Package connection 管理到服务端的唯一连接：握手、心跳、断线重连以及串行化的读写
package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingTimeout      = 5 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultOutboxSize       = 256
)

var (
	ErrManagerClosed  = errors.New("connection: manager closed")
	ErrAlreadyRunning = errors.New("connection: manager already running")
	errDisconnected   = errors.New("connection: disconnect sent")
)

// State 连接状态
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Handler 接收连接事件，所有回调都在连接的协程中执行
type Handler interface {
	// OnConnected 收到成功的 CONNACK 后调用，此时写协程已启动而读协程尚未启动，状态仍为 Connecting
	// 返回错误会断开本次连接
	OnConnected(ctx context.Context, connack *packet.Connack) error
	// OnPacket 在读协程中按接收顺序调用，返回错误会断开连接
	OnPacket(p packet.Packet) error
	// OnTick 连接期间按 TickInterval 周期调用
	OnTick(now time.Time)
	// OnConnectionLost 已建立的连接断开后调用
	OnConnectionLost(err error)
}

// Dialer 建立传输层连接
type Dialer func(ctx context.Context, address string) (net.Conn, error)

type Config struct {
	Address string
	// TLS 不为 nil 时使用 TLS 连接
	TLS *tls.Config
	// Connect 每次握手发送的 CONNECT 报文
	Connect          *packet.Connect
	HandshakeTimeout time.Duration
	// PingTimeout 发送 PINGREQ 后等待 PINGRESP 的宽限时间
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	TickInterval time.Duration
	Backoff      *Backoff
	Dialer       Dialer
	Logger       *slog.Logger
	// OnStateChange 状态变化时同步调用，不能阻塞
	OnStateChange func(state State)
}

// link 一次已建立的连接
type link struct {
	conn     net.Conn
	outbox   chan packet.Packet
	pong     chan struct{}
	lastSent atomic.Int64
	ctx      context.Context
	done     chan struct{}
}

type Manager struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	state   atomic.Int32
	mu      sync.Mutex
	current *link
	lastErr error

	started  atomic.Bool
	closing  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewManager(cfg Config, handler Handler) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff(time.Second, 2*time.Minute, 0.2, time.Minute)
	}
	if cfg.Connect == nil {
		cfg.Connect = &packet.Connect{CleanSession: true}
	}
	m := &Manager{
		cfg:     cfg,
		handler: handler,
		logger:  logger.OrDefault(cfg.Logger).With("address", cfg.Address),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if m.cfg.Dialer == nil {
		m.cfg.Dialer = m.dial
	}
	return m
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(state State) {
	if State(m.state.Swap(int32(state))) == state {
		return
	}
	metrics.ConnectionState.Set(float64(state))
	m.logger.Debug("connection state changed", "state", state.String())
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(state)
	}
}

// LastError 最近一次连接尝试或连接断开的原因
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
}

// Done Run 返回后关闭
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Send 交给写协程发送，当前没有连接时返回 mqtt.ErrNotConnected
func (m *Manager) Send(p packet.Packet) error {
	m.mu.Lock()
	l := m.current
	m.mu.Unlock()
	if l == nil {
		return mqtt.ErrNotConnected
	}
	select {
	case l.outbox <- p:
		return nil
	case <-l.ctx.Done():
		return mqtt.ErrNotConnected
	}
}

// Run 连接并在断开后按退避策略重连，直到 ctx 结束或调用 Close
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(m.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		connectedFor, err := m.connectOnce(ctx)
		m.setState(Disconnected)
		if m.closing.Load() || ctx.Err() != nil {
			return nil
		}
		m.setLastError(err)

		if connectedFor > 0 {
			if m.cfg.Backoff.Connected(connectedFor) {
				m.logger.Debug("connection was stable, backoff reset", "connected_for", connectedFor)
			}
			m.logger.Warn("connection lost", "error", err)
			m.handler.OnConnectionLost(err)
		} else {
			m.logger.Warn("connect attempt failed", "error", err, "attempt", m.cfg.Backoff.Attempt()+1)
		}

		m.setState(Reconnecting)
		delay := m.cfg.Backoff.Next()
		metrics.Reconnects.Inc()
		m.logger.Info("reconnecting", "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setState(Disconnected)
			return nil
		case <-timer.C:
		}
	}
}

func (m *Manager) dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: m.cfg.HandshakeTimeout}
	if m.cfg.TLS != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: m.cfg.TLS}
		return tlsDialer.DialContext(ctx, "tcp", address)
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// handshake 发送 CONNECT 并等待 CONNACK
func (m *Manager) handshake(ctx context.Context, conn net.Conn, reader *packet.Reader) (*packet.Connack, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	if _, err := packet.Write(conn, m.cfg.Connect); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, mqtt.ErrHandshakeTimeout
		}
		return nil, fmt.Errorf("sending CONNECT: %w", err)
	}
	metrics.PacketsSent.WithLabelValues(mqtt.CONNECT.String()).Inc()

	p, err := reader.ReadPacket()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, mqtt.ErrHandshakeTimeout
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("waiting for CONNACK: %w", err)
	}
	metrics.PacketsReceived.WithLabelValues(p.Type().String()).Inc()

	connack, ok := p.(*packet.Connack)
	if !ok {
		return nil, mqtt.NewProtocolError(fmt.Sprintf("expected CONNACK, got %s", p.Type()))
	}
	if connack.ReturnCode != mqtt.Accepted {
		return nil, &mqtt.ConnectRefusedError{Code: connack.ReturnCode}
	}
	return connack, nil
}

// connectOnce 完成一次连接的完整生命周期，返回连接保持的时长
func (m *Manager) connectOnce(ctx context.Context) (time.Duration, error) {
	m.setState(Connecting)

	conn, err := m.cfg.Dialer(ctx, m.cfg.Address)
	if err != nil {
		return 0, fmt.Errorf("dialing %s: %w", m.cfg.Address, err)
	}
	reader := packet.NewReader(conn)

	connack, err := m.handshake(ctx, conn, reader)
	if err != nil {
		_ = conn.Close()
		return 0, err
	}

	connectedAt := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	l := &link{
		conn:   conn,
		outbox: make(chan packet.Packet, defaultOutboxSize),
		pong:   make(chan struct{}, 1),
		ctx:    gctx,
		done:   make(chan struct{}),
	}
	l.lastSent.Store(connectedAt.UnixNano())

	m.mu.Lock()
	m.current = l
	m.mu.Unlock()

	g.Go(func() error {
		<-gctx.Done()
		if err := conn.Close(); err != nil && !isNetClosedError(err) {
			m.logger.Warn("error occurred while closing connection", "error", err)
		}
		return nil
	})
	g.Go(func() error { return m.writeLoop(gctx, l) })

	// OnConnected 完成会话准备之后才对外报告 Connected
	if err := m.handler.OnConnected(gctx, connack); err != nil {
		g.Go(func() error { return err })
	} else {
		m.setState(Connected)
		m.logger.Info("connected", "session_present", connack.SessionPresent)
		g.Go(func() error { return m.readLoop(gctx, l, reader) })
		if keepAlive := time.Duration(m.cfg.Connect.KeepAlive) * time.Second; keepAlive > 0 {
			g.Go(func() error { return m.keepAliveLoop(gctx, l, keepAlive) })
		}
		if m.cfg.TickInterval > 0 {
			g.Go(func() error { return m.tickLoop(gctx) })
		}
	}

	err = g.Wait()

	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	close(l.done)

	if err == nil {
		err = ctx.Err()
	}
	return time.Since(connectedAt), err
}

func (m *Manager) writeLoop(ctx context.Context, l *link) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-l.outbox:
			_ = l.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if _, err := packet.Write(l.conn, p); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.logger.Error("fail to send packet", "type", p.Type().String(), "error", err)
				return fmt.Errorf("writing %s: %w", p.Type(), err)
			}
			l.lastSent.Store(time.Now().UnixNano())
			metrics.PacketsSent.WithLabelValues(p.Type().String()).Inc()
			if _, ok := p.(*packet.Disconnect); ok {
				return errDisconnected
			}
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, l *link, reader *packet.Reader) error {
	for {
		p, err := reader.ReadPacket()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return handleReadError(m.logger, m.cfg.Address, err)
		}
		metrics.PacketsReceived.WithLabelValues(p.Type().String()).Inc()
		m.logger.Debug("receive packet", "type", p.Type().String())

		switch p.(type) {
		case *packet.PingResp:
			select {
			case l.pong <- struct{}{}:
			default:
			}
		case *packet.Connack:
			return mqtt.NewProtocolError("duplicate CONNACK")
		case *packet.Connect, *packet.Subscribe, *packet.Unsubscribe, *packet.PingReq, *packet.Disconnect:
			return mqtt.NewProtocolError(fmt.Sprintf("unexpected %s from broker", p.Type()))
		default:
			if err := m.handler.OnPacket(p); err != nil {
				return err
			}
		}
	}
}

// keepAliveLoop 在保活周期内没有任何发送时发出 PINGREQ，宽限时间内未收到 PINGRESP 则断开
func (m *Manager) keepAliveLoop(ctx context.Context, l *link, interval time.Duration) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	var pingTimer *time.Timer
	var pingDeadline <-chan time.Time
	defer func() {
		if pingTimer != nil {
			pingTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.pong:
			if pingTimer != nil {
				pingTimer.Stop()
			}
			pingDeadline = nil
		case <-pingDeadline:
			m.logger.Warn("no PINGRESP within grace window", "ping_timeout", m.cfg.PingTimeout)
			return mqtt.ErrKeepAliveTimeout
		case now := <-timer.C:
			idle := now.Sub(time.Unix(0, l.lastSent.Load()))
			if idle < interval {
				timer.Reset(interval - idle)
				continue
			}
			if pingDeadline == nil {
				select {
				case l.outbox <- &packet.PingReq{}:
				case <-ctx.Done():
					return nil
				}
				pingTimer = time.NewTimer(m.cfg.PingTimeout)
				pingDeadline = pingTimer.C
			}
			timer.Reset(interval)
		}
	}
}

func (m *Manager) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.handler.OnTick(now)
		}
	}
}

// Close 连接存在时先发送 DISCONNECT，然后停止重连循环
func (m *Manager) Close(ctx context.Context) error {
	if !m.closing.CompareAndSwap(false, true) {
		return ErrManagerClosed
	}

	m.mu.Lock()
	l := m.current
	m.mu.Unlock()

	if l != nil {
		select {
		case l.outbox <- &packet.Disconnect{}:
			select {
			case <-l.done:
			case <-ctx.Done():
			}
		case <-l.ctx.Done():
		case <-ctx.Done():
		}
	}

	m.stopOnce.Do(func() { close(m.stop) })
	if !m.started.Load() {
		return nil
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
