package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/client"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Subscribe to a topic filter and log every message",
	Long: `Subscribe to a topic filter and log every received message until interrupted.

Without --topic the subscription from the configuration file is used.`,
	Args: cobra.NoArgs,
	RunE: runSubscribe,
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a single message",
	Long:  `Publish a single message and wait until the broker has acknowledged it.`,
	Args:  cobra.NoArgs,
	RunE:  runPublish,
}

func init() {
	subscribeCmd.Flags().StringP("topic", "t", "", "topic filter, wildcards + and # are allowed")
	subscribeCmd.Flags().Uint8P("qos", "q", 0, "requested QoS (0, 1 or 2)")

	publishCmd.Flags().StringP("topic", "t", "", "topic name")
	publishCmd.Flags().StringP("message", "m", "", "message payload")
	publishCmd.Flags().Uint8P("qos", "q", 0, "QoS (0, 1 or 2)")
	publishCmd.Flags().BoolP("retain", "r", false, "ask the broker to retain the message")
	_ = publishCmd.MarkFlagRequired("topic")
}

func logMessage(msg *dispatcher.Message) {
	logger.Info("Message received",
		"topic", msg.Topic,
		"qos", int(msg.QoS),
		"retain", msg.Retain,
		"duplicate", msg.Duplicate,
		"payload", string(msg.Payload))
}

func runSubscribe(cmd *cobra.Command, _ []string) error {
	topic, _ := cmd.Flags().GetString("topic")
	qos, _ := cmd.Flags().GetUint8("qos")

	a, err := startApp(func(cfg *config.Config, opts *client.Options) {
		if !cmd.Flags().Changed("topic") {
			topic = cfg.Subscribe.Topic
		}
		if !cmd.Flags().Changed("qos") {
			qos = cfg.Subscribe.QoS
		}
		opts.DefaultHandler = logMessage
		// 每次连接后重新订阅，非持久会话重连后订阅为空，持久会话恢复的订阅需要重新绑定处理函数
		opts.OnConnect = func(c *client.Client, sessionPresent bool) {
			logger.Info("Connected to broker", "session_present", sessionPresent)
			if err := c.Subscribe(cmd.Context(), topic, mqtt.QoS(qos), logMessage); err != nil {
				logger.Error("Fail to subscribe", "topic", topic, "error", err)
			}
		}
	})
	if err != nil {
		return err
	}
	defer a.shutdown()

	logger.Info("Waiting for messages, press Ctrl+C to exit", "topic", topic, "qos", qos)
	<-a.ctx.Done()
	return nil
}

func runPublish(cmd *cobra.Command, _ []string) error {
	topic, _ := cmd.Flags().GetString("topic")
	message, _ := cmd.Flags().GetString("message")
	qos, _ := cmd.Flags().GetUint8("qos")
	retain, _ := cmd.Flags().GetBool("retain")

	a, err := startApp(nil)
	if err != nil {
		return err
	}
	defer a.shutdown()

	token, err := a.client.Publish(a.ctx, topic, []byte(message), mqtt.QoS(qos), retain)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	if err := token.Wait(a.ctx); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	logger.Info("Message published", "topic", topic, "qos", qos, "packet_id", token.PacketID)
	return nil
}
