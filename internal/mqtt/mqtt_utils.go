package mqtt

import (
	"encoding/binary"
	"fmt"
)

func UInt16ToByte(number uint16) []byte {
	result := make([]byte, 2)
	binary.BigEndian.PutUint16(result, number)
	return result
}

func ByteToUInt16(bytes []byte) uint16 {
	if len(bytes) == 0 {
		return 0
	}
	if len(bytes) == 1 {
		return uint16(bytes[0])
	}
	return binary.BigEndian.Uint16(bytes)
}

// DecodeRemainingLength 从缓冲区解析剩余长度
// 返回值依次为剩余长度、编码占用的字节数
// 缓冲区不足时返回 ErrIncomplete，超过4字节时返回 ProtocolError
func DecodeRemainingLength(buf []byte) (int, int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ { // 最多读取4字节
		if i >= len(buf) {
			return 0, 0, ErrIncomplete
		}
		encodedByte := buf[i]
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if (encodedByte & 128) == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, NewProtocolError("the remaining length exceeds the 4 byte limit")
}

// EncodeRemainingLength 剩余长度为0时编码为单字节 0x00
func EncodeRemainingLength(x int) []byte {
	if x == 0 {
		return []byte{0x00}
	}
	var buf [4]byte
	i := 0
	for x > 0 && i < 4 {
		buf[i] = byte(x % 128)
		if x /= 128; x > 0 {
			buf[i] |= 128
		}
		i++
	}
	return buf[:i]
}

func ValidateFlags(pt PacketType, flags byte) bool {
	if required, ok := requiredFlags[pt]; ok {
		return flags == required
	}
	allowed, ok := allowedFlags[pt]
	if !ok {
		return false
	}
	// 检查标志位是否在允许范围内
	return (flags & ^allowed) == 0
}

// ParseFixedHeader 解析首字节与剩余长度，不校验报文体是否完整
func ParseFixedHeader(buf []byte) (*FixedHeader, int, error) {
	if len(buf) == 0 {
		return nil, 0, ErrIncomplete
	}
	header := &FixedHeader{
		Type:  PacketType(buf[0] >> 4),
		Flags: buf[0] & 0x0F,
	}
	// 首字节即可判定保留类型，不必等待剩余长度
	if !header.Type.Valid() {
		return nil, 0, NewProtocolError(fmt.Sprintf("unknown packet type %d", header.Type))
	}
	remaining, n, err := DecodeRemainingLength(buf[1:])
	if err != nil {
		return nil, 0, err
	}
	if !ValidateFlags(header.Type, header.Flags) {
		return nil, 0, NewProtocolError(fmt.Sprintf("flags %04b of %s packet is not valid", header.Flags, header.Type))
	}
	header.RemainingLength = remaining
	return header, 1 + n, nil
}

// EncodeFixedHeader 编码首字节与剩余长度
func EncodeFixedHeader(pt PacketType, flags byte, remaining int) []byte {
	result := make([]byte, 0, 5)
	result = append(result, byte(pt)<<4|flags&0x0F)
	return append(result, EncodeRemainingLength(remaining)...)
}

func (p *Payload) CheckRemainingLength() bool {
	return p.CurrentPtr < p.ContextLen
}

// Remaining 返回尚未读取的字节数
func (p *Payload) Remaining() int {
	return p.ContextLen - p.CurrentPtr
}
