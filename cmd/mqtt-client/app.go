package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/client"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/event"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

// app 一次命令运行所需的全部组件
type app struct {
	ctx     context.Context
	cfg     *config.Config
	cleaner *event.Cleaner
	client  *client.Client
}

// startApp 读取配置，初始化日志、会话存储与指标，创建并连接客户端
// configure 在创建客户端前调整选项
func startApp(configure func(cfg *config.Config, opts *client.Options)) (*app, error) {
	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigCreated) {
			logger.Warn(err.Error(), "path", configPath)
		}
		return nil, err
	}

	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogPath)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	ctx := cleaner.Init(context.Background(), loggerCallback)

	a := &app{ctx: ctx, cfg: cfg, cleaner: cleaner}
	if err := a.connect(configure); err != nil {
		logger.Error("Error occurred while starting client", "error", err)
		cleaner.Clean()
		return nil, err
	}
	return a, nil
}

func (a *app) connect(configure func(cfg *config.Config, opts *client.Options)) error {
	store, err := database.OpenStore(a.ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	if store != nil {
		a.cleaner.Add(database.NewStoreCloseCallback(store))
	}

	if a.cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(a.ctx, a.cfg.MetricsAddr); err != nil {
				logger.Error("Metrics server stopped", "address", a.cfg.MetricsAddr, "error", err)
			}
		}()
	}

	opts, err := client.OptionsFromConfig(a.cfg)
	if err != nil {
		return err
	}
	opts.Store = store
	opts.Logger = slog.Default()
	opts.OnConnectionLost = func(err error) {
		logger.Warn("Connection to broker lost", "error", err)
	}
	opts.OnError = func(err error) {
		logger.Error("Client error", "error", err)
	}
	if configure != nil {
		configure(a.cfg, &opts)
	}

	c, err := client.New(opts)
	if err != nil {
		return err
	}
	a.client = c
	a.cleaner.Add(event.CallableFunc(func(ctx context.Context) error {
		if err := c.Disconnect(ctx); err != nil && !errors.Is(err, mqtt.ErrClientClosed) {
			return err
		}
		return nil
	}))

	logger.Info("Connecting to broker", "address", opts.Address, "client_id", c.ClientID())
	return c.Connect(a.ctx)
}

// shutdown 断开客户端并执行所有清理
func (a *app) shutdown() {
	a.cleaner.Clean()
}
