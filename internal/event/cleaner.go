// Package event 进程退出时的清理
package event

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
)

const (
	cleanerTimeout        = 10 * time.Second
	loggerShutdownTimeout = 3 * time.Second
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc 把普通函数适配为 Callable
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	cleanOnce      sync.Once
	cleaning       bool
	loggerShutdown Callable
	done           chan struct{}
}

func NewCleaner() *Cleaner {
	return &Cleaner{done: make(chan struct{})}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Init 监听中断信号，返回的 ctx 在收到信号或 parent 结束时取消，随后执行清理
// loggerShutdown 在所有清理函数之后调用
func (c *Cleaner) Init(parent context.Context, loggerShutdown Callable) context.Context {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	c.initOnce.Do(func() {
		c.mu.Lock()
		c.loggerShutdown = loggerShutdown
		c.mu.Unlock()

		go func() {
			<-ctx.Done()
			stop()
			if parent.Err() == nil {
				logger.Info("Received interrupt signal, shutting down")
			}
			c.Clean()
		}()
	})
	return ctx
}

// Clean 按注册的逆序执行清理函数，只执行一次，并发调用会等待第一次完成
func (c *Cleaner) Clean() {
	c.cleanOnce.Do(func() {
		defer close(c.done)

		c.mu.Lock()
		c.cleaning = true // 标记为清理中，阻止后续Add操作
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		loggerShutdown := c.loggerShutdown
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		var errs []error
		for i := len(cleanersCopy) - 1; i >= 0; i-- {
			if err := invoke(i, cleanersCopy[i]); err != nil {
				errs = append(errs, err)
			}
		}

		if len(errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup:", len(errs))
			for i, err := range errs {
				logger.ErrorF("Error %d: %v", i+1, err)
			}
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		logger.Info("Cleanup finished, client offline")

		if loggerShutdown == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), loggerShutdownTimeout)
		defer cancel()
		if err := loggerShutdown.Invoke(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
		}
	})
	<-c.done
}

func invoke(idx int, callable Callable) error {
	logger.DebugF("Invoking cleaner #%d (%T)", idx+1, callable)
	timeoutCtx, cancelFunc := context.WithTimeout(context.Background(), cleanerTimeout)
	defer cancelFunc()
	if err := callable.Invoke(timeoutCtx); err != nil {
		logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, callable, err)
		return err
	}
	return nil
}

// Done 清理完成后关闭
func (c *Cleaner) Done() <-chan struct{} {
	return c.done
}
