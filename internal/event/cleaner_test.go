package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string, err error) CallableFunc {
	return func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name)
		return err
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestCleanRunsInReverseOrder(t *testing.T) {
	rec := &recorder{}
	c := NewCleaner()
	c.Add(rec.add("store", nil))
	c.Add(rec.add("client", errors.New("boom")))
	c.Add(rec.add("metrics", nil))

	c.Clean()
	assert.Equal(t, []string{"metrics", "client", "store"}, rec.snapshot())

	// 清理开始后注册的函数被忽略，重复调用不再执行
	c.Add(rec.add("late", nil))
	c.Clean()
	assert.Len(t, rec.snapshot(), 3)

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestInitCleansWhenParentCancelled(t *testing.T) {
	rec := &recorder{}
	c := NewCleaner()
	c.Add(rec.add("client", nil))

	parent, cancel := context.WithCancel(context.Background())
	ctx := c.Init(parent, rec.add("logger", nil))
	cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("cleanup not finished")
	}
	require.Equal(t, []string{"client", "logger"}, rec.snapshot())
}
