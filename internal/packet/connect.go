package packet

// 控制包类型 CONNECT / CONNACK 相关函数

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

// Will 遗嘱消息
type Will struct {
	Topic   string
	Payload []byte
	QoS     mqtt.QoS
	Retain  bool
}

// Connect CONNECT 控制包
type Connect struct {
	ClientID     string
	CleanSession bool
	KeepAlive    uint16
	Will         *Will
	Username     string
	Password     []byte
}

// ConnectPacketFlag CONNECT控制包连接标志位
type ConnectPacketFlag struct {
	UsernameFlag    bool
	PasswordFlag    bool
	RemainFlag      bool
	QoSLevel        byte
	WillMessageFlag bool
	CleanSession    bool
}

func (f ConnectPacketFlag) encode() byte {
	var flag byte
	if f.UsernameFlag {
		flag |= 0x80
	}
	if f.PasswordFlag {
		flag |= 0x40
	}
	if f.RemainFlag {
		flag |= 0x20
	}
	flag |= (f.QoSLevel & 0x03) << 3
	if f.WillMessageFlag {
		flag |= 0x04
	}
	if f.CleanSession {
		flag |= 0x02
	}
	return flag
}

func decodeConnectFlag(connectFlag byte) ConnectPacketFlag {
	return ConnectPacketFlag{
		UsernameFlag:    (connectFlag&0x80)>>7 == 1,
		PasswordFlag:    (connectFlag&0x40)>>6 == 1,
		RemainFlag:      (connectFlag&0x20)>>5 == 1,
		QoSLevel:        (connectFlag & 0x18) >> 3, // 0x18 = 00011000
		WillMessageFlag: (connectFlag&0x04)>>2 == 1,
		CleanSession:    (connectFlag&0x02)>>1 == 1,
	}
}

func (c *Connect) Type() mqtt.PacketType { return mqtt.CONNECT }

func (c *Connect) Encode() []byte {
	flag := ConnectPacketFlag{
		UsernameFlag: c.Username != "",
		PasswordFlag: len(c.Password) > 0,
		CleanSession: c.CleanSession,
	}
	if c.Will != nil {
		flag.WillMessageFlag = true
		flag.RemainFlag = c.Will.Retain
		flag.QoSLevel = byte(c.Will.QoS)
	}

	body := make([]byte, 0, 16+len(c.ClientID))
	body = appendString(body, mqtt.ProtocolName)
	body = append(body, mqtt.ProtocolLevel, flag.encode())
	body = append(body, mqtt.UInt16ToByte(c.KeepAlive)...)
	body = appendString(body, c.ClientID)
	if c.Will != nil {
		body = appendString(body, c.Will.Topic)
		body = appendBytes(body, c.Will.Payload)
	}
	if flag.UsernameFlag {
		body = appendString(body, c.Username)
	}
	if flag.PasswordFlag {
		body = appendBytes(body, c.Password)
	}
	return frame(mqtt.CONNECT, 0, body)
}

// ParseConnectPacket 解析 CONNECT 控制包的可变头和负载
func ParseConnectPacket(packet *mqtt.Packet) (*Connect, error) {
	payload := packet.Payload
	result := &Connect{}

	protocolString, err := readPacketPayload(payload)
	if err != nil {
		return nil, errors.New("unable to check protocol string")
	}
	if string(protocolString.Payload) != mqtt.ProtocolName {
		return nil, fmt.Errorf("incorrect Protocol String: %s", string(protocolString.Payload))
	}

	// 协议版本
	protocolVersion, err := readPacketByte(payload)
	if err != nil {
		return nil, fmt.Errorf("unable to read protocol version, details: %v", err)
	}
	if protocolVersion != mqtt.ProtocolLevel {
		return nil, fmt.Errorf("protocol version %d does not match", protocolVersion)
	}

	// 连接标志位
	connectFlag, err := readPacketByte(payload)
	if err != nil {
		return nil, fmt.Errorf("unable to read connect flag, details: %v", err)
	}
	if connectFlag&0x01 != 0 {
		return nil, errors.New("reserved connect flag must be 0")
	}
	flag := decodeConnectFlag(connectFlag)
	if !flag.WillMessageFlag && (flag.RemainFlag || flag.QoSLevel != 0) {
		return nil, errors.New("when will message flag is not set, remain flag must not be set and QoSLevel must be 0")
	}
	if !mqtt.QoS(flag.QoSLevel).Valid() {
		return nil, errors.New("will QoS must not be 3")
	}
	if flag.PasswordFlag && !flag.UsernameFlag {
		return nil, errors.New("password flag set without username flag")
	}
	result.CleanSession = flag.CleanSession

	// Keep Alive Time
	data, err := readPacketBytes(payload, 2)
	if err != nil {
		return nil, errors.New("unable to read keep alive time")
	}
	result.KeepAlive = mqtt.ByteToUInt16(data)

	// Client ID
	if result.ClientID, err = readPacketString(payload); err != nil {
		return nil, fmt.Errorf("client ID: %w", err)
	}

	// Will Message
	if flag.WillMessageFlag {
		will := &Will{QoS: mqtt.QoS(flag.QoSLevel), Retain: flag.RemainFlag}
		if will.Topic, err = readPacketString(payload); err != nil {
			return nil, fmt.Errorf("will topic: %w", err)
		}
		willContent, err := readPacketPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("will content: %w", err)
		}
		will.Payload = append([]byte(nil), willContent.Payload...)
		result.Will = will
	}

	// Username
	if flag.UsernameFlag {
		if result.Username, err = readPacketString(payload); err != nil {
			return nil, fmt.Errorf("username: %w", err)
		}
	}

	// Password
	if flag.PasswordFlag {
		password, err := readPacketPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("password: %w", err)
		}
		result.Password = append([]byte(nil), password.Payload...)
	}

	if payload.CheckRemainingLength() {
		return nil, fmt.Errorf("%d trailing bytes after CONNECT payload", payload.Remaining())
	}
	return result, nil
}

// Connack CONNACK 控制包
type Connack struct {
	SessionPresent bool
	ReturnCode     mqtt.ConnectReturnCode
}

func (c *Connack) Type() mqtt.PacketType { return mqtt.CONNACK }

func (c *Connack) Encode() []byte {
	var ackFlags byte
	if c.SessionPresent {
		ackFlags = 0x01
	}
	return frame(mqtt.CONNACK, 0, []byte{ackFlags, byte(c.ReturnCode)})
}

func ParseConnackPacket(packet *mqtt.Packet) (*Connack, error) {
	if err := expectLength(packet, 2); err != nil {
		return nil, err
	}
	ackFlags, _ := readPacketByte(packet.Payload)
	if ackFlags&0xFE != 0 {
		return nil, errors.New("reserved connect acknowledge flags must be 0")
	}
	code, _ := readPacketByte(packet.Payload)
	return &Connack{
		SessionPresent: ackFlags&0x01 == 1,
		ReturnCode:     mqtt.ConnectReturnCode(code),
	}, nil
}
