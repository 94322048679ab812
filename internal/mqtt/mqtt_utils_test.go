package mqtt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestRemainingLength(t *testing.T) {
	tests := []struct {
		input  int
		expect []byte
	}{
		{0, []byte{0x00}},
		{64, []byte{0x40}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{321, []byte{0xC1, 0x02}},
		{16383, []byte{0xFF, 0x7F}},
		{2097152, []byte{0x80, 0x80, 0x80, 0x01}},
		{268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, tt := range tests {
		encoded := EncodeRemainingLength(tt.input)
		if !bytes.Equal(encoded, tt.expect) {
			t.Errorf("input=%d expect=%x actual=%x", tt.input, tt.expect, encoded)
		}

		decoded, n, err := DecodeRemainingLength(encoded)
		if err != nil {
			t.Errorf("input=%d decode error: %v", tt.input, err)
		}
		if decoded != tt.input || n != len(encoded) {
			t.Errorf("input=%d decoded=%d consumed=%d", tt.input, decoded, n)
		}
	}
}

func TestDecodeRemainingLengthIncomplete(t *testing.T) {
	_, _, err := DecodeRemainingLength([]byte{0x80, 0x80})
	if !errors.Is(err, ErrIncomplete) {
		t.Errorf("expect ErrIncomplete, got %v", err)
	}
	_, _, err = DecodeRemainingLength(nil)
	if !errors.Is(err, ErrIncomplete) {
		t.Errorf("expect ErrIncomplete for empty buffer, got %v", err)
	}
}

func TestDecodeRemainingLengthMalformed(t *testing.T) {
	_, _, err := DecodeRemainingLength([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01})
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expect ProtocolError, got %v", err)
	}
	if !errors.Is(err, ErrProtocol) {
		t.Error("ProtocolError should match ErrProtocol")
	}
}

func TestParseFixedHeader(t *testing.T) {
	header, n, err := ParseFixedHeader([]byte{0x62, 0x02, 0x00, 0x01})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if header.Type != PUBREL || header.Flags != 0x02 || header.RemainingLength != 2 || n != 2 {
		t.Errorf("unexpected header %+v consumed=%d", header, n)
	}

	if _, _, err := ParseFixedHeader([]byte{0xF0, 0x00}); !errors.Is(err, ErrProtocol) {
		t.Errorf("expect protocol error for reserved type, got %v", err)
	}
	if _, _, err := ParseFixedHeader([]byte{0x60, 0x02}); !errors.Is(err, ErrProtocol) {
		t.Errorf("expect protocol error for PUBREL without flags, got %v", err)
	}
	if _, _, err := ParseFixedHeader([]byte{0x30}); !errors.Is(err, ErrIncomplete) {
		t.Errorf("expect ErrIncomplete, got %v", err)
	}
	// 保留类型只需首字节即可判定
	for _, first := range []byte{0x00, 0xF0} {
		if _, _, err := ParseFixedHeader([]byte{first}); !errors.Is(err, ErrProtocol) {
			t.Errorf("expect protocol error for lone byte %#x, got %v", first, err)
		}
	}
}

func TestByteToUInt16(t *testing.T) {
	tests := []struct {
		input  []byte
		expect uint16
	}{
		{[]byte{0x00, 0x00}, 0},
		{[]byte{0x01, 0x00}, 256},
		{[]byte{0xAF, 0x89}, 44937},
	}
	for _, tt := range tests {
		number := ByteToUInt16(tt.input)
		if number != tt.expect {
			t.Errorf("input=%x expect=%d actual=%d", tt.input, tt.expect, number)
		}
		if binary.BigEndian.Uint16(UInt16ToByte(tt.expect)) != tt.expect {
			t.Errorf("UInt16ToByte(%d) round trip mismatch", tt.expect)
		}
	}
}
