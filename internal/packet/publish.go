package packet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

type PublishPacketFlag struct {
	RetryFlag bool
	QoS       mqtt.QoS
	Retain    bool
}

func (f PublishPacketFlag) encode() byte {
	var flags byte
	if f.RetryFlag {
		flags |= 0x08
	}
	flags |= byte(f.QoS&0x03) << 1
	if f.Retain {
		flags |= 0x01
	}
	return flags
}

// Publish PUBLISH 控制包，QoS 0 时 PacketID 为 0
type Publish struct {
	Dup      bool
	QoS      mqtt.QoS
	Retain   bool
	Topic    string
	PacketID uint16
	Payload  []byte
}

func (p *Publish) Type() mqtt.PacketType { return mqtt.PUBLISH }

func (p *Publish) ID() uint16 { return p.PacketID }

func (p *Publish) Encode() []byte {
	flag := PublishPacketFlag{RetryFlag: p.Dup, QoS: p.QoS, Retain: p.Retain}
	body := make([]byte, 0, 4+len(p.Topic)+len(p.Payload))
	body = appendString(body, p.Topic)
	if p.QoS > 0 {
		body = append(body, mqtt.UInt16ToByte(p.PacketID)...)
	}
	body = append(body, p.Payload...)
	return frame(mqtt.PUBLISH, flag.encode(), body)
}

// Copy 返回浅层拷贝，Payload 共享底层数组
func (p *Publish) Copy() *Publish {
	c := *p
	return &c
}

func ParsePublishPacket(packet *mqtt.Packet) (*Publish, error) {
	flag := PublishPacketFlag{
		RetryFlag: (packet.Header.Flags&0x08)>>3 == 1,
		QoS:       mqtt.QoS((packet.Header.Flags & 0x06) >> 1),
		Retain:    packet.Header.Flags&0x01 == 1,
	}

	if flag.QoS == 0 && flag.RetryFlag {
		return nil, fmt.Errorf("when QoS Level set to 0, retry flag must be set to 0 either")
	}
	if !flag.QoS.Valid() {
		return nil, fmt.Errorf("the QoS Level must not set to 3")
	}

	result := &Publish{
		Dup:    flag.RetryFlag,
		QoS:    flag.QoS,
		Retain: flag.Retain,
	}

	topicName, err := readPacketString(packet.Payload)
	if err != nil {
		return nil, fmt.Errorf("error occured when reading topic name, details: %v", err)
	}
	if topicName == "" {
		return nil, errors.New("topic name must not be empty")
	}
	if strings.ContainsAny(topicName, "+#") {
		return nil, fmt.Errorf("topic name %q must not contain wildcards", topicName)
	}
	result.Topic = topicName

	if result.QoS > 0 {
		if result.PacketID, err = readPacketID(packet.Payload); err != nil {
			return nil, err
		}
	}

	result.Payload, err = readPacketBytes(packet.Payload, packet.Payload.Remaining())
	if err != nil {
		return nil, fmt.Errorf("error occured when reading payload, details: %v", err)
	}
	return result, nil
}

// PubAck QoS 1 发布确认
type PubAck struct{ PacketID uint16 }

// PubRec QoS 2 发布收到
type PubRec struct{ PacketID uint16 }

// PubRel QoS 2 发布释放
type PubRel struct{ PacketID uint16 }

// PubComp QoS 2 发布完成
type PubComp struct{ PacketID uint16 }

func (p *PubAck) Type() mqtt.PacketType  { return mqtt.PUBACK }
func (p *PubRec) Type() mqtt.PacketType  { return mqtt.PUBREC }
func (p *PubRel) Type() mqtt.PacketType  { return mqtt.PUBREL }
func (p *PubComp) Type() mqtt.PacketType { return mqtt.PUBCOMP }

func (p *PubAck) ID() uint16  { return p.PacketID }
func (p *PubRec) ID() uint16  { return p.PacketID }
func (p *PubRel) ID() uint16  { return p.PacketID }
func (p *PubComp) ID() uint16 { return p.PacketID }

func (p *PubAck) Encode() []byte  { return encodeAck(mqtt.PUBACK, 0, p.PacketID) }
func (p *PubRec) Encode() []byte  { return encodeAck(mqtt.PUBREC, 0, p.PacketID) }
func (p *PubRel) Encode() []byte  { return encodeAck(mqtt.PUBREL, 0x02, p.PacketID) }
func (p *PubComp) Encode() []byte { return encodeAck(mqtt.PUBCOMP, 0, p.PacketID) }

func encodeAck(pt mqtt.PacketType, flags byte, id uint16) []byte {
	return frame(pt, flags, mqtt.UInt16ToByte(id))
}

// parseAckPacket 解析 PUBACK/PUBREC/PUBREL/PUBCOMP，剩余长度固定为2
func parseAckPacket(packet *mqtt.Packet) (Packet, error) {
	if err := expectLength(packet, 2); err != nil {
		return nil, err
	}
	id, err := readPacketID(packet.Payload)
	if err != nil {
		return nil, err
	}
	switch packet.Header.Type {
	case mqtt.PUBACK:
		return &PubAck{PacketID: id}, nil
	case mqtt.PUBREC:
		return &PubRec{PacketID: id}, nil
	case mqtt.PUBREL:
		return &PubRel{PacketID: id}, nil
	case mqtt.PUBCOMP:
		return &PubComp{PacketID: id}, nil
	}
	return nil, fmt.Errorf("%s is not an acknowledgement packet", packet.Header.Type)
}
