// Package testutil 提供测试用的进程内服务端，使用本项目的编解码器在回环地址上通信
package testutil

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/subscription"
)

var ErrTimeout = errors.New("testutil: timed out waiting for packet")

type Options struct {
	// Auto 自动应答订阅与发布，并把发布转发给匹配的订阅者
	Auto bool
	// Connack 决定握手结果，为 nil 时总是接受且 SessionPresent 为 false
	Connack func(c *packet.Connect) *packet.Connack
	// SilentConnect 收到 CONNECT 后不回复
	SilentConnect bool
	// IgnorePing 不回复 PINGREQ
	IgnorePing bool
}

type Broker struct {
	t        testing.TB
	opts     Options
	listener net.Listener
	accepted chan *Conn

	mu       sync.Mutex
	conns    []*Conn
	sessions map[string]bool
	wg       sync.WaitGroup
	closed   bool
}

// NewBroker 监听 127.0.0.1 的随机端口，测试结束时自动关闭
func NewBroker(t testing.TB, opts Options) *Broker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b := &Broker{
		t:        t,
		opts:     opts,
		listener: ln,
		accepted: make(chan *Conn, 64),
		sessions: make(map[string]bool),
	}
	b.wg.Add(1)
	go b.acceptLoop()
	t.Cleanup(b.Close)
	return b
}

func (b *Broker) Addr() string {
	return b.listener.Addr().String()
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		c := &Conn{
			broker:   b,
			conn:     conn,
			reader:   packet.NewReader(conn),
			received: make(chan packet.Packet, 1024),
			closed:   make(chan struct{}),
			subs:     subscription.NewTree[mqtt.QoS](0, 0),
			nextID:   1,
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = conn.Close()
			return
		}
		b.conns = append(b.conns, c)
		b.mu.Unlock()

		b.wg.Add(1)
		go c.serve()
	}
}

// Accept 等待下一个完成握手的连接
func (b *Broker) Accept(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-b.accepted:
		return c, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("testutil: no connection within %s", timeout)
	}
}

// MustAccept 同 Accept，超时时测试失败
func (b *Broker) MustAccept(timeout time.Duration) *Conn {
	b.t.Helper()
	c, err := b.Accept(timeout)
	if err != nil {
		b.t.Fatal(err)
	}
	return c
}

// Connections 已建立过的连接数量，包括已断开的
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conns := append([]*Conn(nil), b.conns...)
	b.mu.Unlock()

	_ = b.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	b.wg.Wait()
}

// route 把客户端发布的消息转发给所有匹配的连接
func (b *Broker) route(p *packet.Publish) {
	b.mu.Lock()
	conns := append([]*Conn(nil), b.conns...)
	b.mu.Unlock()

	for _, c := range conns {
		matches := c.subs.MatchTopic(p.Topic)
		if len(matches) == 0 {
			continue
		}
		granted := mqtt.AtMostOnce
		for _, match := range matches {
			granted = max(granted, match.Value)
		}
		out := &packet.Publish{
			QoS:     min(p.QoS, granted),
			Retain:  p.Retain,
			Topic:   p.Topic,
			Payload: p.Payload,
		}
		if out.QoS > mqtt.AtMostOnce {
			out.PacketID = c.allocateID()
		}
		_ = c.Send(out)
	}
}

// Conn 服务端视角的一个客户端连接
type Conn struct {
	broker   *Broker
	conn     net.Conn
	reader   *packet.Reader
	received chan packet.Packet
	closed   chan struct{}
	once     sync.Once
	writeMu  sync.Mutex
	subs     *subscription.Tree[mqtt.QoS]

	idMu   sync.Mutex
	nextID uint16

	// Connect 客户端发送的 CONNECT
	Connect *packet.Connect
}

func (c *Conn) allocateID() uint16 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	id := c.nextID
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	return id
}

func (c *Conn) serve() {
	defer c.broker.wg.Done()
	defer c.Close()

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	first, err := c.reader.ReadPacket()
	if err != nil {
		return
	}
	connect, ok := first.(*packet.Connect)
	if !ok {
		return
	}
	_ = c.conn.SetReadDeadline(time.Time{})
	c.Connect = connect

	if !c.broker.opts.SilentConnect {
		connack := c.connack(connect)
		if err := c.Send(connack); err != nil {
			return
		}
		if connack.ReturnCode != mqtt.Accepted {
			return
		}
	}
	c.broker.accepted <- c

	for {
		p, err := c.reader.ReadPacket()
		if err != nil {
			return
		}
		if _, ok := p.(*packet.PingReq); ok {
			if !c.broker.opts.IgnorePing {
				_ = c.Send(&packet.PingResp{})
			}
			continue
		}
		if c.broker.opts.Auto {
			c.auto(p)
		}
		select {
		case c.received <- p:
		default:
		}
		if _, ok := p.(*packet.Disconnect); ok {
			return
		}
	}
}

func (c *Conn) connack(connect *packet.Connect) *packet.Connack {
	if c.broker.opts.Connack != nil {
		return c.broker.opts.Connack(connect)
	}
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	present := !connect.CleanSession && c.broker.sessions[connect.ClientID]
	c.broker.sessions[connect.ClientID] = !connect.CleanSession
	return &packet.Connack{SessionPresent: present}
}

func (c *Conn) auto(p packet.Packet) {
	switch p := p.(type) {
	case *packet.Subscribe:
		codes := make([]packet.SubscribeState, len(p.Topics))
		for i, topic := range p.Topics {
			_, _ = c.subs.Insert(topic.Filter, topic.QoS)
			codes[i] = packet.SubscribeState(topic.QoS)
		}
		_ = c.Send(&packet.SubAck{PacketID: p.PacketID, ReturnCodes: codes})
	case *packet.Unsubscribe:
		for _, filter := range p.Topics {
			c.subs.Remove(filter)
		}
		_ = c.Send(&packet.UnsubAck{PacketID: p.PacketID})
	case *packet.Publish:
		switch p.QoS {
		case mqtt.AtLeastOnce:
			_ = c.Send(&packet.PubAck{PacketID: p.PacketID})
		case mqtt.ExactlyOnce:
			_ = c.Send(&packet.PubRec{PacketID: p.PacketID})
		}
		if !p.Dup {
			c.broker.route(p)
		}
	case *packet.PubRel:
		_ = c.Send(&packet.PubComp{PacketID: p.PacketID})
	case *packet.PubRec:
		_ = c.Send(&packet.PubRel{PacketID: p.PacketID})
	}
}

// Send 向客户端写入一个报文
func (c *Conn) Send(p packet.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := packet.Write(c.conn, p)
	return err
}

// SendRaw 写入任意字节，用于构造格式错误的报文
func (c *Conn) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(data)
	return err
}

// Next 等待下一个收到的报文，PINGREQ 不计入
func (c *Conn) Next(timeout time.Duration) (packet.Packet, error) {
	select {
	case p := <-c.received:
		return p, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// Expect 等待下一个报文并断言其类型
func Expect[T packet.Packet](t testing.TB, c *Conn, timeout time.Duration) T {
	t.Helper()
	p, err := c.Next(timeout)
	if err != nil {
		t.Fatalf("expecting %T: %v", *new(T), err)
	}
	result, ok := p.(T)
	if !ok {
		t.Fatalf("expected %T, got %T", *new(T), p)
	}
	return result
}

// Drain 丢弃已收到但尚未读取的报文
func (c *Conn) Drain() {
	for {
		select {
		case <-c.received:
		default:
			return
		}
	}
}

func (c *Conn) Close() {
	c.once.Do(func() {
		_ = c.conn.Close()
		close(c.closed)
	})
}

// Closed 连接关闭后关闭
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}
