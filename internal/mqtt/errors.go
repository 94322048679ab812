package mqtt

import (
	"errors"
	"fmt"
)

var (
	// ErrIncomplete 缓冲区中的数据不足一个完整报文，需要继续读取
	ErrIncomplete = errors.New("mqtt: incomplete packet")

	// ErrHandshakeTimeout 在握手窗口内未收到 CONNACK
	ErrHandshakeTimeout = errors.New("mqtt: handshake timeout")

	// ErrKeepAliveTimeout 心跳请求在宽限时间内未得到响应
	ErrKeepAliveTimeout = errors.New("mqtt: keep alive timeout")

	// ErrIDSpaceExhausted 65535 个报文标识符全部处于在途状态
	ErrIDSpaceExhausted = errors.New("mqtt: packet id space exhausted")

	// ErrDeliveryFailed 超过最大重试次数，消息被丢弃
	ErrDeliveryFailed = errors.New("mqtt: delivery failed")

	// ErrNotConnected 当前没有可用连接
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrClientClosed 客户端已关闭
	ErrClientClosed = errors.New("mqtt: client closed")

	// ErrSessionDiscarded 清理会话时丢弃的在途消息
	ErrSessionDiscarded = errors.New("mqtt: session discarded")

	// ErrInvalidTopic 主题名或主题过滤器非法
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrInvalidQoS QoS 必须为 0、1 或 2
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrPacketTooLarge 字段或剩余长度超出协议上限，编码后无法被解码
	ErrPacketTooLarge = errors.New("mqtt: packet too large")

	// ErrSubscriptionRefused 服务端在 SUBACK 中拒绝了订阅
	ErrSubscriptionRefused = errors.New("mqtt: subscription refused")

	// ErrProtocol 所有 ProtocolError 均满足 errors.Is(err, ErrProtocol)
	ErrProtocol = errors.New("mqtt: protocol error")
)

// ProtocolError 报文格式错误，对连接是致命的
type ProtocolError struct {
	Reason string
}

func NewProtocolError(reason string) *ProtocolError {
	return &ProtocolError{Reason: reason}
}

func (e *ProtocolError) Error() string {
	return "mqtt: protocol error: " + e.Reason
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// DeliveryFailedError 描述一条被放弃的 QoS 1/2 消息
type DeliveryFailedError struct {
	PacketID uint16
	Topic    string
	QoS      QoS
	Attempts int
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("mqtt: delivery failed: packet %d on %q (qos %d) unacknowledged after %d attempts",
		e.PacketID, e.Topic, e.QoS, e.Attempts)
}

func (e *DeliveryFailedError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

// ConnectReturnCode CONNACK 返回码
type ConnectReturnCode byte

const (
	Accepted ConnectReturnCode = iota
	UnacceptableProtocol
	IdentifierRejected
	ServerUnavailable
	AuthenticationFailed
	NotAuthorized
)

func (c ConnectReturnCode) String() string {
	switch c {
	case Accepted:
		return "connection accepted"
	case UnacceptableProtocol:
		return "unacceptable protocol version"
	case IdentifierRejected:
		return "identifier rejected"
	case ServerUnavailable:
		return "server unavailable"
	case AuthenticationFailed:
		return "bad user name or password"
	case NotAuthorized:
		return "not authorized"
	}
	return fmt.Sprintf("unknown return code %d", byte(c))
}

// ConnectRefusedError 服务端以非零返回码拒绝连接
type ConnectRefusedError struct {
	Code ConnectReturnCode
}

func (e *ConnectRefusedError) Error() string {
	return "mqtt: connection refused: " + e.Code.String()
}
