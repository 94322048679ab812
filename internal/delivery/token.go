package delivery

import (
	"context"
	"sync"
)

// Token 跟踪一条出站消息的完成状态
// QoS 0 在写入连接后完成，QoS 1 在收到 PUBACK 后完成，QoS 2 在收到 PUBCOMP 后完成
type Token struct {
	done chan struct{}
	once sync.Once
	err  error
	// PacketID QoS 0 时为 0
	PacketID uint16
}

func newToken(packetID uint16) *Token {
	return &Token{done: make(chan struct{}), PacketID: packetID}
}

func (t *Token) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Done 完成时关闭
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Error 未完成时返回 nil
func (t *Token) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait 阻塞直到完成或 ctx 结束
func (t *Token) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
