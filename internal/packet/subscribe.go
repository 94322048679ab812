package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

type SubscribeState byte

const (
	SuccessQos0 SubscribeState = iota
	SuccessQos1
	SuccessQos2
	Failure SubscribeState = 0x80
)

// Granted 订阅成功时返回授予的 QoS
func (s SubscribeState) Granted() (mqtt.QoS, bool) {
	if s > SuccessQos2 {
		return 0, false
	}
	return mqtt.QoS(s), true
}

// TopicSubscription 单个主题过滤器及请求的 QoS
type TopicSubscription struct {
	Filter string
	QoS    mqtt.QoS
}

// Subscribe SUBSCRIBE 控制包
type Subscribe struct {
	PacketID uint16
	Topics   []TopicSubscription
}

func (s *Subscribe) Type() mqtt.PacketType { return mqtt.SUBSCRIBE }

func (s *Subscribe) ID() uint16 { return s.PacketID }

func (s *Subscribe) Encode() []byte {
	body := make([]byte, 0, 2+len(s.Topics)*16)
	body = append(body, mqtt.UInt16ToByte(s.PacketID)...)
	for _, topic := range s.Topics {
		body = appendString(body, topic.Filter)
		body = append(body, byte(topic.QoS)&0x03)
	}
	return frame(mqtt.SUBSCRIBE, 0x02, body)
}

func ParseSubscribePacket(packet *mqtt.Packet) (*Subscribe, error) {
	result := &Subscribe{}

	packetID, err := readPacketID(packet.Payload)
	if err != nil {
		return nil, err
	}
	result.PacketID = packetID

	for packet.Payload.CheckRemainingLength() {
		topicFilter, err := readPacketString(packet.Payload)
		if err != nil {
			return nil, fmt.Errorf("error occured when reading topic filter, details: %v", err)
		}
		qos, err := readPacketByte(packet.Payload)
		if err != nil {
			return nil, fmt.Errorf("error occured when reading qos level, details: %v", err)
		}
		if qos&0xFC != 0 {
			return nil, errors.New("reserved bits of requested QoS must be 0")
		}
		if !mqtt.QoS(qos).Valid() {
			return nil, errors.New("requested QoS must not be 3")
		}
		result.Topics = append(result.Topics, TopicSubscription{Filter: topicFilter, QoS: mqtt.QoS(qos)})
	}

	if len(result.Topics) == 0 {
		return nil, errors.New("SUBSCRIBE packet must contain at least one topic filter")
	}
	return result, nil
}

// SubAck SUBACK 控制包，ReturnCodes 与请求中的主题一一对应
type SubAck struct {
	PacketID    uint16
	ReturnCodes []SubscribeState
}

func (s *SubAck) Type() mqtt.PacketType { return mqtt.SUBACK }

func (s *SubAck) ID() uint16 { return s.PacketID }

func (s *SubAck) Encode() []byte {
	body := make([]byte, 0, 2+len(s.ReturnCodes))
	body = append(body, mqtt.UInt16ToByte(s.PacketID)...)
	for _, code := range s.ReturnCodes {
		body = append(body, byte(code))
	}
	return frame(mqtt.SUBACK, 0, body)
}

func ParseSubAckPacket(packet *mqtt.Packet) (*SubAck, error) {
	packetID, err := readPacketID(packet.Payload)
	if err != nil {
		return nil, err
	}
	result := &SubAck{PacketID: packetID}
	for packet.Payload.CheckRemainingLength() {
		code, _ := readPacketByte(packet.Payload)
		state := SubscribeState(code)
		if state != Failure && state > SuccessQos2 {
			return nil, fmt.Errorf("invalid SUBACK return code 0x%02x", code)
		}
		result.ReturnCodes = append(result.ReturnCodes, state)
	}
	if len(result.ReturnCodes) == 0 {
		return nil, errors.New("SUBACK packet must contain at least one return code")
	}
	return result, nil
}
