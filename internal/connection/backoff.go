package connection

import (
	"math/bits"
	"math/rand"
	"sync"
	"time"
)

// Backoff 指数退避，抖动在 [d*(1-Jitter), d] 区间内取值，结果不超过 Max
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// ResetAfter 连接保持超过该时长后退避回到 Base
	ResetAfter time.Duration

	mu      sync.Mutex
	attempt int
	random  func() float64
}

func NewBackoff(base, max time.Duration, jitter float64, resetAfter time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return &Backoff{
		Base:       base,
		Max:        max,
		Jitter:     jitter,
		ResetAfter: resetAfter,
		random:     rand.Float64,
	}
}

// Next 返回下一次重连前的等待时间
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	// 移位达到 Max/Base 的位数时 Base<<shift 已不小于 Max，更大的移位会溢出
	shift := min(b.attempt, bits.Len64(uint64(b.Max/b.Base)))
	b.attempt++

	delay := b.Max
	if scaled := b.Base << shift; scaled < b.Max {
		delay = scaled
	}
	if b.Jitter > 0 {
		delay -= time.Duration(float64(delay) * b.Jitter * b.random())
	}
	return delay
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempt 自上次重置以来的失败次数
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Connected 记录一次连接的持续时间，足够稳定时重置退避
func (b *Backoff) Connected(duration time.Duration) bool {
	if duration < b.ResetAfter {
		return false
	}
	b.Reset()
	return true
}
