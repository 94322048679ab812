package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

// Unsubscribe UNSUBSCRIBE 控制包
type Unsubscribe struct {
	PacketID uint16
	Topics   []string
}

func (u *Unsubscribe) Type() mqtt.PacketType { return mqtt.UNSUBSCRIBE }

func (u *Unsubscribe) ID() uint16 { return u.PacketID }

func (u *Unsubscribe) Encode() []byte {
	body := make([]byte, 0, 2+len(u.Topics)*16)
	body = append(body, mqtt.UInt16ToByte(u.PacketID)...)
	for _, topic := range u.Topics {
		body = appendString(body, topic)
	}
	return frame(mqtt.UNSUBSCRIBE, 0x02, body)
}

func ParseUnSubscribePacket(packet *mqtt.Packet) (*Unsubscribe, error) {
	result := &Unsubscribe{}

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
		result.Topics = append(result.Topics, topicFilter)
	}

	if len(result.Topics) == 0 {
		return nil, errors.New("UNSUBSCRIBE packet must contain at least one topic filter")
	}
	return result, nil
}

// UnsubAck UNSUBACK 控制包
type UnsubAck struct {
	PacketID uint16
}

func (u *UnsubAck) Type() mqtt.PacketType { return mqtt.UNSUBACK }

func (u *UnsubAck) ID() uint16 { return u.PacketID }

func (u *UnsubAck) Encode() []byte { return encodeAck(mqtt.UNSUBACK, 0, u.PacketID) }

func ParseUnSubAckPacket(packet *mqtt.Packet) (*UnsubAck, error) {
	if err := expectLength(packet, 2); err != nil {
		return nil, err
	}
	packetID, err := readPacketID(packet.Payload)
	if err != nil {
		return nil, err
	}
	return &UnsubAck{PacketID: packetID}, nil
}
