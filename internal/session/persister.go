package session

import (
	"context"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/metrics"
)

const saveTimeout = 5 * time.Second

// Persister 在后台合并保存请求，多次 Notify 只触发一次写入
type Persister struct {
	state    *State
	inflight Snapshotter
	notify   chan struct{}
	done     chan struct{}
}

func NewPersister(state *State, inflight Snapshotter) *Persister {
	return &Persister{
		state:    state,
		inflight: inflight,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Notify 不阻塞
func (p *Persister) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Run 直到 ctx 结束，退出前写入最后一次状态
func (p *Persister) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-p.notify:
			p.save(context.Background())
		case <-ctx.Done():
			p.save(context.Background())
			return
		}
	}
}

// Done Run 返回后关闭
func (p *Persister) Done() <-chan struct{} {
	return p.done
}

func (p *Persister) save(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, saveTimeout)
	defer cancel()
	if err := p.state.Save(ctx, p.inflight); err != nil {
		metrics.SessionSaveErrors.Inc()
		p.state.logger.Error("session save failed", "client_id", p.state.clientID, "error", err)
	}
}
