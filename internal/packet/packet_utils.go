package packet

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

type FieldPayload struct {
	PayloadLength int
	Payload       []byte
}

func readPacketByte(payload *mqtt.Payload) (byte, error) {
	startByte := payload.CurrentPtr
	if startByte >= payload.ContextLen {
		return 0, errors.New("invalid packet context length")
	}
	payload.CurrentPtr++
	return payload.Context[startByte], nil
}

// readPacketBytes 读取定长字节并拷贝，长度为0时返回 nil
func readPacketBytes(payload *mqtt.Payload, length int) ([]byte, error) {
	if length < 0 {
		return nil, errors.New("invalid reading length, except >= 0")
	}
	if length == 0 {
		return nil, nil
	}
	startByte := payload.CurrentPtr
	end := startByte + length
	if end > payload.ContextLen {
		return nil, fmt.Errorf("need %d bytes but only %d left", length, payload.ContextLen-startByte)
	}
	data := make([]byte, length)
	copy(data, payload.Context[startByte:end])
	payload.CurrentPtr = end
	return data, nil
}

func readPacketPayload(payload *mqtt.Payload) (FieldPayload, error) {
	startByte := payload.CurrentPtr
	contextLen := payload.ContextLen
	if startByte+1 >= contextLen {
		return FieldPayload{}, errors.New("insufficient bytes for length")
	}
	length := int(mqtt.ByteToUInt16(payload.Context[startByte : startByte+2]))
	end := startByte + 2 + length
	if end > contextLen {
		return FieldPayload{}, fmt.Errorf("payload length %d exceeds buffer (len=%d)", length, contextLen)
	}
	payload.CurrentPtr += 2 + length
	return FieldPayload{
		PayloadLength: length,
		Payload:       payload.Context[startByte+2 : end],
	}, nil
}

func readPacketString(payload *mqtt.Payload) (string, error) {
	field, err := readPacketPayload(payload)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(field.Payload) {
		return "", errors.New("string field is not valid UTF-8")
	}
	if strings.ContainsRune(string(field.Payload), 0) {
		return "", errors.New("string field contains U+0000")
	}
	return string(field.Payload), nil
}

// readPacketID 报文标识符不能为0
func readPacketID(payload *mqtt.Payload) (uint16, error) {
	data, err := readPacketBytes(payload, 2)
	if err != nil {
		return 0, fmt.Errorf("unable to read packet ID, details: %v", err)
	}
	id := mqtt.ByteToUInt16(data)
	if id == 0 {
		return 0, errors.New("packet ID must not be 0")
	}
	return id, nil
}

type sizedField struct {
	name string
	size int
}

// CheckSize 校验编码前的长度限制：字符串字段不超过 65535 字节，剩余长度不超过 4 字节编码上限
func CheckSize(p Packet) error {
	switch p := p.(type) {
	case *Publish:
		if len(p.Topic) > mqtt.MaxStringLength {
			return fmt.Errorf("%w: topic of %d bytes", mqtt.ErrPacketTooLarge, len(p.Topic))
		}
		if n := PublishLength(p.Topic, len(p.Payload), p.QoS); n > mqtt.MaxRemainingLength {
			return fmt.Errorf("%w: PUBLISH remaining length %d exceeds %d", mqtt.ErrPacketTooLarge, n, mqtt.MaxRemainingLength)
		}
	case *Connect:
		fields := []sizedField{
			{"client id", len(p.ClientID)},
			{"username", len(p.Username)},
			{"password", len(p.Password)},
		}
		if p.Will != nil {
			fields = append(fields, sizedField{"will topic", len(p.Will.Topic)}, sizedField{"will payload", len(p.Will.Payload)})
		}
		for _, field := range fields {
			if field.size > mqtt.MaxStringLength {
				return fmt.Errorf("%w: %s of %d bytes exceeds %d", mqtt.ErrPacketTooLarge, field.name, field.size, mqtt.MaxStringLength)
			}
		}
	}
	return nil
}

// PublishLength PUBLISH 报文的剩余长度
func PublishLength(topic string, payload int, qos mqtt.QoS) int {
	n := 2 + len(topic) + payload
	if qos > mqtt.AtMostOnce {
		n += 2
	}
	return n
}

func appendString(dst []byte, s string) []byte {
	dst = append(dst, mqtt.UInt16ToByte(uint16(len(s)))...)
	return append(dst, s...)
}

func appendBytes(dst []byte, b []byte) []byte {
	dst = append(dst, mqtt.UInt16ToByte(uint16(len(b)))...)
	return append(dst, b...)
}

// frame 拼接固定头与报文体
func frame(pt mqtt.PacketType, flags byte, body []byte) []byte {
	packet := mqtt.EncodeFixedHeader(pt, flags, len(body))
	return append(packet, body...)
}

// expectLength 定长报文的剩余长度必须严格相等
func expectLength(packet *mqtt.Packet, length int) error {
	if packet.Header.RemainingLength != length {
		return fmt.Errorf("%s packet must have remaining length %d, got %d",
			packet.Header.Type, length, packet.Header.RemainingLength)
	}
	return nil
}
