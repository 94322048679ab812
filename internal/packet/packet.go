// Package packet 实现了MQTT控制报文的编码与解码
package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

// Packet 所有控制报文的公共接口
type Packet interface {
	Type() mqtt.PacketType
	// Encode 返回包含固定头的完整报文字节
	Encode() []byte
}

// Identified 带报文标识符的控制报文
type Identified interface {
	Packet
	ID() uint16
}

// Decode 从缓冲区解码一个完整报文
// 返回报文与消耗的字节数；数据不足时返回 mqtt.ErrIncomplete 且不消耗任何字节；
// 格式错误时返回 *mqtt.ProtocolError
func Decode(buf []byte) (Packet, int, error) {
	header, n, err := mqtt.ParseFixedHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	total := n + header.RemainingLength
	if len(buf) < total {
		return nil, 0, mqtt.ErrIncomplete
	}

	raw := &mqtt.Packet{
		Header:  header,
		Payload: mqtt.NewPayload(buf[n:total]),
	}
	result, err := parse(raw)
	if err != nil {
		return nil, 0, asProtocolError(header.Type, err)
	}
	return result, total, nil
}

func parse(packet *mqtt.Packet) (Packet, error) {
	switch packet.Header.Type {
	case mqtt.CONNECT:
		return ParseConnectPacket(packet)
	case mqtt.CONNACK:
		return ParseConnackPacket(packet)
	case mqtt.PUBLISH:
		return ParsePublishPacket(packet)
	case mqtt.PUBACK, mqtt.PUBREC, mqtt.PUBREL, mqtt.PUBCOMP:
		return parseAckPacket(packet)
	case mqtt.SUBSCRIBE:
		return ParseSubscribePacket(packet)
	case mqtt.SUBACK:
		return ParseSubAckPacket(packet)
	case mqtt.UNSUBSCRIBE:
		return ParseUnSubscribePacket(packet)
	case mqtt.UNSUBACK:
		return ParseUnSubAckPacket(packet)
	case mqtt.PINGREQ:
		return &PingReq{}, expectLength(packet, 0)
	case mqtt.PINGRESP:
		return &PingResp{}, expectLength(packet, 0)
	case mqtt.DISCONNECT:
		return &Disconnect{}, expectLength(packet, 0)
	}
	return nil, fmt.Errorf("%s package has not been supported", packet.Header.Type)
}

func asProtocolError(pt mqtt.PacketType, err error) error {
	var protoErr *mqtt.ProtocolError
	if errors.As(err, &protoErr) {
		return err
	}
	return mqtt.NewProtocolError(fmt.Sprintf("malformed %s packet: %v", pt, err))
}
