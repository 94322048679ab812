package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
)

// ShutdownMode 断开时如何处理尚未完成的消息
type ShutdownMode string

const (
	// ShutdownDrain 在超时前等待所有在途消息完成
	ShutdownDrain ShutdownMode = "drain"
	// ShutdownAbandon 立即放弃在途消息
	ShutdownAbandon ShutdownMode = "abandon"
)

const (
	generatedIDPrefix = "lsmc-"
	maxClientIDLength = 23
	defaultTick       = time.Second
)

type BackoffOptions struct {
	Base       time.Duration
	Max        time.Duration
	Jitter     float64
	ResetAfter time.Duration
}

type Options struct {
	Address string
	TLS     *tls.Config
	// ClientID 为空时自动生成
	ClientID     string
	CleanSession bool
	KeepAlive    uint16
	Username     string
	Password     []byte
	Will         *packet.Will

	MaxRetryCount    int
	RetryInterval    time.Duration
	HandshakeTimeout time.Duration
	PingTimeout      time.Duration
	Backoff          BackoffOptions
	// DedupWindow 为0时关闭入站去重窗口
	DedupWindow time.Duration

	ShutdownMode    ShutdownMode
	ShutdownTimeout time.Duration

	// DispatchWorkers 为0时在读协程中直接执行处理函数
	DispatchWorkers   int
	DispatchQueueSize int

	// Store 仅用于持久会话，为 nil 时状态只保存在内存中
	Store  database.SessionStore
	Logger *slog.Logger

	// DefaultHandler 接收没有匹配任何处理函数的消息，包括从存储恢复的订阅
	DefaultHandler dispatcher.Handler
	// OnConnect 每次连接成功后调用，非持久会话在这里重新订阅
	OnConnect func(client *Client, sessionPresent bool)
	// OnConnectionLost 已建立的连接断开后调用
	OnConnectionLost func(err error)
	// OnError 投递失败与协议错误
	OnError func(err error)

	// Dialer 替换默认的 TCP/TLS 拨号
	Dialer connection.Dialer
}

func DefaultOptions() Options {
	return Options{
		Address:          "localhost:1883",
		CleanSession:     true,
		KeepAlive:        60,
		MaxRetryCount:    5,
		RetryInterval:    10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		PingTimeout:      5 * time.Second,
		Backoff: BackoffOptions{
			Base:       time.Second,
			Max:        2 * time.Minute,
			Jitter:     0.2,
			ResetAfter: time.Minute,
		},
		DedupWindow:       time.Minute,
		ShutdownMode:      ShutdownDrain,
		ShutdownTimeout:   10 * time.Second,
		DispatchWorkers:   4,
		DispatchQueueSize: 256,
	}
}

// OptionsFromConfig 根据配置文件构造选项，回调与存储由调用方设置
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	durations, err := cfg.Durations()
	if err != nil {
		return Options{}, err
	}

	opts := DefaultOptions()
	opts.Address = cfg.Address()
	opts.ClientID = cfg.Client.ClientID
	opts.CleanSession = cfg.Client.CleanSession
	opts.KeepAlive = cfg.Client.KeepAliveSeconds
	opts.Username = cfg.Client.Username
	if cfg.Client.Password != "" {
		opts.Password = []byte(cfg.Client.Password)
	}
	if will := cfg.Client.Will; will != nil && will.Topic != "" {
		opts.Will = &packet.Will{
			Topic:   will.Topic,
			Payload: []byte(will.Payload),
			QoS:     mqtt.QoS(will.QoS),
			Retain:  will.Retain,
		}
	}
	opts.MaxRetryCount = cfg.Client.MaxRetryCount
	opts.RetryInterval = durations.RetryInterval
	opts.HandshakeTimeout = durations.HandshakeTimeout
	opts.PingTimeout = durations.PingTimeout
	opts.DedupWindow = durations.DedupWindow
	opts.Backoff = BackoffOptions{
		Base:       durations.BackoffBase,
		Max:        durations.BackoffMax,
		Jitter:     cfg.ReconnectBackoff.Jitter,
		ResetAfter: durations.BackoffReset,
	}
	if cfg.Shutdown.Mode != "" {
		opts.ShutdownMode = ShutdownMode(cfg.Shutdown.Mode)
	}
	opts.ShutdownTimeout = durations.ShutdownTimeout
	opts.DispatchWorkers = cfg.Dispatch.Workers
	opts.DispatchQueueSize = cfg.Dispatch.QueueSize

	if cfg.Broker.UseTLS {
		tlsConfig, err := loadTLSConfig(cfg.Broker)
		if err != nil {
			return Options{}, err
		}
		opts.TLS = tlsConfig
	}
	return opts, nil
}

func loadTLSConfig(broker config.BrokerConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName:         broker.Host,
		InsecureSkipVerify: broker.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if broker.CAFile == "" {
		return tlsConfig, nil
	}
	pem, err := os.ReadFile(broker.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file %s: %w", broker.CAFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", broker.CAFile)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// GenerateClientID 生成不超过 23 个字符的客户端标识符
func GenerateClientID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return generatedIDPrefix + id[:maxClientIDLength-len(generatedIDPrefix)]
}

func (o *Options) validate() error {
	if o.Address == "" {
		return fmt.Errorf("client: address is empty")
	}
	if o.MaxRetryCount < 0 {
		return fmt.Errorf("client: max retry count must not be negative")
	}
	if o.Will != nil && !o.Will.QoS.Valid() {
		return fmt.Errorf("client: will %w", mqtt.ErrInvalidQoS)
	}
	if err := packet.CheckSize(o.connectPacket()); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	switch o.ShutdownMode {
	case "":
		o.ShutdownMode = ShutdownDrain
	case ShutdownDrain, ShutdownAbandon:
	default:
		return fmt.Errorf("client: unknown shutdown mode %q", o.ShutdownMode)
	}
	return nil
}

func (o *Options) connectPacket() *packet.Connect {
	return &packet.Connect{
		ClientID:     o.ClientID,
		CleanSession: o.CleanSession,
		KeepAlive:    o.KeepAlive,
		Will:         o.Will,
		Username:     o.Username,
		Password:     o.Password,
	}
}
