// Package dispatcher 将收到的应用消息路由到匹配的订阅处理函数
package dispatcher

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/subscription"
)

var ErrDispatcherClosed = errors.New("dispatcher: closed")

// Message 交付给应用的消息
type Message struct {
	Topic     string
	Payload   []byte
	QoS       mqtt.QoS
	Retain    bool
	Duplicate bool
	PacketID  uint16
}

// Handler 消息处理函数，同一主题的消息按接收顺序串行调用
type Handler func(msg *Message)

type Config struct {
	// Workers 为0时在调用 Dispatch 的协程中直接执行处理函数
	Workers int
	// QueueSize 每个工作协程的队列长度
	QueueSize int
	// MatchCacheSize 主题匹配结果缓存，为0时不缓存
	MatchCacheSize int
	Logger         *slog.Logger
}

type job struct {
	msg      *Message
	handlers []Handler
}

type Dispatcher struct {
	tree           *subscription.Tree[Handler]
	defaultHandler atomic.Pointer[Handler]
	lanes          []chan job
	wg             sync.WaitGroup
	mu             sync.RWMutex
	closed         bool
	logger         *slog.Logger
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		tree:   subscription.NewTree[Handler](cfg.MatchCacheSize, time.Minute),
		logger: logger.OrDefault(cfg.Logger),
	}
	if cfg.Workers > 0 {
		queueSize := cfg.QueueSize
		if queueSize <= 0 {
			queueSize = 64
		}
		d.lanes = make([]chan job, cfg.Workers)
		for i := range d.lanes {
			d.lanes[i] = make(chan job, queueSize)
			d.wg.Add(1)
			go d.worker(d.lanes[i])
		}
	}
	return d
}

// Register 注册或覆盖过滤器的处理函数，handler 可为 nil，此时消息交给默认处理函数
func (d *Dispatcher) Register(filter string, handler Handler) error {
	_, err := d.tree.Insert(filter, handler)
	return err
}

func (d *Dispatcher) Unregister(filter string) bool {
	return d.tree.Remove(filter)
}

// Clear 删除全部处理函数，默认处理函数保留
func (d *Dispatcher) Clear() {
	d.tree.Clear()
}

// SetDefaultHandler 设置未匹配任何处理函数时使用的处理函数
func (d *Dispatcher) SetDefaultHandler(handler Handler) {
	if handler == nil {
		d.defaultHandler.Store(nil)
		return
	}
	d.defaultHandler.Store(&handler)
}

// Len 已注册的过滤器数量
func (d *Dispatcher) Len() int {
	return d.tree.Len()
}

// Dispatch 在调用时刻确定匹配的处理函数
// 精确匹配的处理函数最先执行，随后是各个通配符处理函数，每个只执行一次
// 队列已满时阻塞
func (d *Dispatcher) Dispatch(msg *Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	handlers := d.resolve(msg.Topic)
	if len(handlers) == 0 {
		d.logger.Debug("no handler for message", "topic", msg.Topic)
		return nil
	}

	if len(d.lanes) == 0 {
		d.invoke(job{msg: msg, handlers: handlers})
		return nil
	}
	d.lanes[laneIndex(msg.Topic, len(d.lanes))] <- job{msg: msg, handlers: handlers}
	return nil
}

func (d *Dispatcher) resolve(topic string) []Handler {
	matches := d.tree.MatchTopic(topic)
	handlers := make([]Handler, 0, len(matches))
	for _, match := range matches {
		if match.Value != nil {
			handlers = append(handlers, match.Value)
		}
	}
	if len(handlers) == 0 {
		if fallback := d.defaultHandler.Load(); fallback != nil {
			handlers = append(handlers, *fallback)
		}
	}
	return handlers
}

func laneIndex(topic string, lanes int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return int(h.Sum32() % uint32(lanes))
}

func (d *Dispatcher) worker(lane chan job) {
	defer d.wg.Done()
	for j := range lane {
		d.invoke(j)
	}
}

func (d *Dispatcher) invoke(j job) {
	for _, handler := range j.handlers {
		d.safeCall(handler, j.msg)
	}
}

// safeCall 处理函数的 panic 被记录后吞掉，不影响后续消息
func (d *Dispatcher) safeCall(handler Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.Inc()
			d.logger.Error("message handler panic recovered",
				"topic", msg.Topic,
				"panic", r,
			)
		}
	}()
	handler(msg)
}

// Close 等待队列中的消息处理完毕，之后的 Dispatch 返回 ErrDispatcherClosed
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
