package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/utils"
)

var (
	ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	ErrInvalidConfig = errors.New("invalid configuration")
)

type BrokerConfig struct {
	Host               string `json:"host" yaml:"host"`
	Port               int    `json:"port" yaml:"port"`
	UseTLS             bool   `json:"use_tls" yaml:"use_tls"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	CAFile             string `json:"ca_file" yaml:"ca_file"`
}

type WillConfig struct {
	Topic   string `json:"topic" yaml:"topic"`
	Payload string `json:"payload" yaml:"payload"`
	QoS     byte   `json:"qos" yaml:"qos"`
	Retain  bool   `json:"retain" yaml:"retain"`
}

type ClientConfig struct {
	ClientID         string      `json:"client_id" yaml:"client_id"`
	CleanSession     bool        `json:"clean_session" yaml:"clean_session"`
	KeepAliveSeconds uint16      `json:"keep_alive_seconds" yaml:"keep_alive_seconds"`
	Username         string      `json:"username" yaml:"username"`
	Password         string      `json:"password" yaml:"password"`
	MaxRetryCount    int         `json:"max_retry_count" yaml:"max_retry_count"`
	RetryInterval    string      `json:"retry_interval" yaml:"retry_interval"`
	HandshakeTimeout string      `json:"handshake_timeout" yaml:"handshake_timeout"`
	PingTimeout      string      `json:"ping_timeout" yaml:"ping_timeout"`
	DedupWindow      string      `json:"dedup_window" yaml:"dedup_window"`
	Will             *WillConfig `json:"will,omitempty" yaml:"will,omitempty"`
}

type BackoffConfig struct {
	Base       string  `json:"base" yaml:"base"`
	Max        string  `json:"max" yaml:"max"`
	Jitter     float64 `json:"jitter" yaml:"jitter"`
	ResetAfter string  `json:"reset_after" yaml:"reset_after"`
}

type ShutdownConfig struct {
	// Mode 为 drain 或 abandon
	Mode    string `json:"mode" yaml:"mode"`
	Timeout string `json:"timeout" yaml:"timeout"`
}

type DispatchConfig struct {
	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

type SessionStoreConfig struct {
	// Type 为 none、memory、mongo 或 sqlite
	Type       string `json:"type" yaml:"type"`
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"`
}

// DatabaseConfig MongoDB 连接配置
type DatabaseConfig struct {
	Host               string `json:"host" yaml:"host"`
	Port               uint64 `json:"port" yaml:"port"`
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	Database           string `json:"database" yaml:"database"`
	UseTLS             bool   `json:"use_tls" yaml:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout" yaml:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout" yaml:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" yaml:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout" yaml:"operation_timeout"`
	Heartbeat          string `json:"heartbeat" yaml:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size" yaml:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size" yaml:"max_pool_size"`
}

// SubscribeConfig subscribe 命令的默认订阅
type SubscribeConfig struct {
	Topic string `json:"topic" yaml:"topic"`
	QoS   byte   `json:"qos" yaml:"qos"`
}

type Config struct {
	Broker           BrokerConfig       `json:"broker" yaml:"broker"`
	Client           ClientConfig       `json:"client" yaml:"client"`
	ReconnectBackoff BackoffConfig      `json:"reconnect_backoff" yaml:"reconnect_backoff"`
	Shutdown         ShutdownConfig     `json:"shutdown" yaml:"shutdown"`
	Dispatch         DispatchConfig     `json:"dispatch" yaml:"dispatch"`
	SessionStore     SessionStoreConfig `json:"session_store" yaml:"session_store"`
	Database         DatabaseConfig     `json:"database" yaml:"database"`
	Subscribe        SubscribeConfig    `json:"subscribe" yaml:"subscribe"`
	DebugMode        bool               `json:"debug_mode" yaml:"debug_mode"`
	AppName          string             `json:"app_name" yaml:"app_name"`
	LogPath          string             `json:"log_path" yaml:"log_path"`
	MetricsAddr      string             `json:"metrics_addr" yaml:"metrics_addr"`
}

// Durations 解析后的时间配置
type Durations struct {
	RetryInterval    time.Duration
	HandshakeTimeout time.Duration
	PingTimeout      time.Duration
	DedupWindow      time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BackoffReset     time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultConfig() *Config {
	config := &Config{
		Broker: BrokerConfig{
			Host: "mosquitto",
			Port: 1883,
		},
		Client: ClientConfig{
			ClientID:         "mqtt_client",
			CleanSession:     true,
			KeepAliveSeconds: 60,
			MaxRetryCount:    5,
			RetryInterval:    "10s",
			HandshakeTimeout: "10s",
			PingTimeout:      "5s",
			DedupWindow:      "1m",
		},
		ReconnectBackoff: BackoffConfig{
			Base:       "1s",
			Max:        "2m",
			Jitter:     0.2,
			ResetAfter: "1m",
		},
		Shutdown: ShutdownConfig{
			Mode:    "drain",
			Timeout: "10s",
		},
		Dispatch: DispatchConfig{
			Workers:   4,
			QueueSize: 256,
		},
		SessionStore: SessionStoreConfig{
			Type:       "none",
			SQLitePath: "data/session.db",
		},
		Database: DatabaseConfig{
			Host:               "localhost",
			Port:               27017,
			Database:           "mqtt_client",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        10,
		},
		Subscribe: SubscribeConfig{
			Topic: "/events",
			QoS:   0,
		},
		AppName: "life-stream-go-mqtt-client",
		LogPath: "logs",
	}
	return config
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func marshal(path string, config *Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(config)
	}
	return json.MarshalIndent(config, "", "\t")
}

// ReadConfig 读取配置文件，根据扩展名选择 JSON 或 YAML
// 文件不存在时写入默认配置并返回 ErrConfigCreated
func ReadConfig(path string) (*Config, error) {
	bytes, err := os.ReadFile(path)

	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("unable to read configuration file %s: %w", path, err)
		}
		config := DefaultConfig()
		data, err := marshal(path, config)
		if err != nil {
			return nil, err
		}
		if dir := filepath.Dir(path); dir != "." {
			_ = os.MkdirAll(dir, 0755)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("unable to create configuration file %s: %w", path, err)
		}
		return config, ErrConfigCreated
	}

	config := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(bytes, config)
	} else {
		err = json.Unmarshal(bytes, config)
	}
	if err != nil {
		return nil, fmt.Errorf("the configuration file does not contain valid content: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("%w: broker.host is empty", ErrInvalidConfig)
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("%w: broker.port %d out of range", ErrInvalidConfig, c.Broker.Port)
	}
	if c.Client.MaxRetryCount < 0 {
		return fmt.Errorf("%w: client.max_retry_count must not be negative", ErrInvalidConfig)
	}
	if c.Client.Will != nil && c.Client.Will.QoS > 2 {
		return fmt.Errorf("%w: client.will.qos must be 0, 1 or 2", ErrInvalidConfig)
	}
	if c.Subscribe.QoS > 2 {
		return fmt.Errorf("%w: subscribe.qos must be 0, 1 or 2", ErrInvalidConfig)
	}
	if c.ReconnectBackoff.Jitter < 0 || c.ReconnectBackoff.Jitter > 1 {
		return fmt.Errorf("%w: reconnect_backoff.jitter must be within [0, 1]", ErrInvalidConfig)
	}
	if c.Dispatch.Workers < 0 || c.Dispatch.QueueSize < 0 {
		return fmt.Errorf("%w: dispatch settings must not be negative", ErrInvalidConfig)
	}
	switch c.Shutdown.Mode {
	case "", "drain", "abandon":
	default:
		return fmt.Errorf("%w: shutdown.mode %q is not drain or abandon", ErrInvalidConfig, c.Shutdown.Mode)
	}
	switch c.SessionStore.Type {
	case "", "none", "memory", "mongo":
	case "sqlite":
		if c.SessionStore.SQLitePath == "" {
			return fmt.Errorf("%w: session_store.sqlite_path is empty", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown session_store.type %q", ErrInvalidConfig, c.SessionStore.Type)
	}

	durations, err := c.Durations()
	if err != nil {
		return err
	}
	if durations.BackoffMax > 0 && durations.BackoffBase > durations.BackoffMax {
		return fmt.Errorf("%w: reconnect_backoff.base exceeds reconnect_backoff.max", ErrInvalidConfig)
	}
	return nil
}

// Durations 解析所有时间字符串
func (c *Config) Durations() (Durations, error) {
	var result Durations
	fields := []struct {
		name   string
		value  string
		target *time.Duration
	}{
		{"client.retry_interval", c.Client.RetryInterval, &result.RetryInterval},
		{"client.handshake_timeout", c.Client.HandshakeTimeout, &result.HandshakeTimeout},
		{"client.ping_timeout", c.Client.PingTimeout, &result.PingTimeout},
		{"client.dedup_window", c.Client.DedupWindow, &result.DedupWindow},
		{"reconnect_backoff.base", c.ReconnectBackoff.Base, &result.BackoffBase},
		{"reconnect_backoff.max", c.ReconnectBackoff.Max, &result.BackoffMax},
		{"reconnect_backoff.reset_after", c.ReconnectBackoff.ResetAfter, &result.BackoffReset},
		{"shutdown.timeout", c.Shutdown.Timeout, &result.ShutdownTimeout},
	}
	for _, field := range fields {
		duration, err := utils.ParseStringTime(field.value)
		if err != nil {
			return result, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, field.name, err)
		}
		if duration < 0 {
			return result, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, field.name)
		}
		*field.target = duration
	}
	return result, nil
}

// Address 返回 host:port
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Broker.Host, c.Broker.Port)
}
