// Package metrics 提供客户端的 Prometheus 指标
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
)

const namespace = "mqtt_client"

var (
	// PacketsSent 按报文类型统计发送数量
	PacketsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_sent_total",
		Help:      "Control packets written to the broker, by packet type.",
	}, []string{"type"})

	// PacketsReceived 按报文类型统计接收数量
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_received_total",
		Help:      "Control packets read from the broker, by packet type.",
	}, []string{"type"})

	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_published_total",
		Help:      "Application messages handed to the delivery engine, by QoS.",
	}, []string{"qos"})

	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_delivered_total",
		Help:      "Inbound messages delivered to the dispatcher, by QoS.",
	}, []string{"qos"})

	DuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicates_suppressed_total",
		Help:      "Inbound retransmissions that were acknowledged but not redelivered.",
	})

	Retransmissions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retransmissions_total",
		Help:      "Outbound PUBLISH or PUBREL packets resent after a timeout.",
	})

	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_failures_total",
		Help:      "Outbound messages dropped after exceeding the retry limit.",
	})

	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inflight_messages",
		Help:      "Outbound QoS 1/2 messages awaiting acknowledgement.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Connection attempts made after the first one.",
	})

	// ConnectionState 当前连接状态，取值见 connection.State
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connection_state",
		Help:      "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting.",
	})

	HandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handler_panics_total",
		Help:      "Message handler panics recovered by the dispatcher.",
	})

	SessionSaveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_save_errors_total",
		Help:      "Failed attempts to persist session state.",
	})
)

// Handler 返回 /metrics 的处理器
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve 在 addr 上暴露指标，直到 ctx 结束
func Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serve(ctx, listener)
}

func serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.InfoF("Metrics server listening on %s", listener.Addr())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
