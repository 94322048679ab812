package packet

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

func samplePackets() []Packet {
	return []Packet{
		&Connect{ClientID: "mqtt_client", CleanSession: true, KeepAlive: 60},
		&Connect{
			ClientID:  "sensor-1",
			KeepAlive: 30,
			Will:      &Will{Topic: "status/sensor-1", Payload: []byte("offline"), QoS: mqtt.AtLeastOnce, Retain: true},
			Username:  "user",
			Password:  []byte("secret"),
		},
		&Connack{SessionPresent: true, ReturnCode: mqtt.Accepted},
		&Connack{ReturnCode: mqtt.NotAuthorized},
		&Publish{Topic: "a/b", Payload: []byte("hello")},
		&Publish{Topic: "a/b", QoS: mqtt.AtLeastOnce, PacketID: 7, Payload: []byte("x"), Dup: true},
		&Publish{Topic: "a/b/c", QoS: mqtt.ExactlyOnce, PacketID: 65535, Retain: true},
		&PubAck{PacketID: 1},
		&PubRec{PacketID: 2},
		&PubRel{PacketID: 3},
		&PubComp{PacketID: 4},
		&Subscribe{PacketID: 10, Topics: []TopicSubscription{{Filter: "a/+", QoS: 1}, {Filter: "b/#", QoS: 2}}},
		&SubAck{PacketID: 10, ReturnCodes: []SubscribeState{SuccessQos1, Failure}},
		&Unsubscribe{PacketID: 11, Topics: []string{"a/+"}},
		&UnsubAck{PacketID: 11},
		&PingReq{},
		&PingResp{},
		&Disconnect{},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, p := range samplePackets() {
		t.Run(p.Type().String(), func(t *testing.T) {
			data := p.Encode()
			decoded, n, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, len(data), n)
			assert.Equal(t, p, decoded)
			assert.Equal(t, data, decoded.Encode())
		})
	}
}

func TestDecodeIncompletePrefix(t *testing.T) {
	for _, p := range samplePackets() {
		data := p.Encode()
		for i := 0; i < len(data); i++ {
			_, n, err := Decode(data[:i])
			if !errors.Is(err, mqtt.ErrIncomplete) {
				t.Fatalf("%s prefix %d: expect ErrIncomplete, got %v", p.Type(), i, err)
			}
			assert.Zero(t, n)
		}
	}
}

func TestDecodeTrailingData(t *testing.T) {
	first := (&PubAck{PacketID: 5}).Encode()
	second := (&PingResp{}).Encode()
	buf := append(append([]byte{}, first...), second...)

	p, n, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, &PubAck{PacketID: 5}, p)
	assert.Equal(t, len(first), n)

	p, n, err = Decode(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, &PingResp{}, p)
	assert.Equal(t, len(second), n)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"reserved type 0", []byte{0x00, 0x00}},
		{"reserved type 15", []byte{0xF0, 0x00}},
		{"publish qos 3", []byte{0x36, 0x05, 0x00, 0x01, 'a', 0x00, 0x01}},
		{"publish qos 0 with dup", []byte{0x38, 0x03, 0x00, 0x01, 'a'}},
		{"publish wildcard topic", []byte{0x30, 0x03, 0x00, 0x01, '#'}},
		{"publish empty topic", []byte{0x30, 0x02, 0x00, 0x00}},
		{"publish packet id 0", []byte{0x32, 0x05, 0x00, 0x01, 'a', 0x00, 0x00}},
		{"pubrel without flags", []byte{0x60, 0x02, 0x00, 0x01}},
		{"puback wrong length", []byte{0x40, 0x03, 0x00, 0x01, 0x00}},
		{"pingresp with body", []byte{0xD0, 0x01, 0x00}},
		{"connack reserved flag", []byte{0x20, 0x02, 0x02, 0x00}},
		{"subscribe without topics", []byte{0x82, 0x02, 0x00, 0x01}},
		{"subscribe reserved qos bits", []byte{0x82, 0x06, 0x00, 0x01, 0x00, 0x01, 'a', 0x04}},
		{"suback invalid code", []byte{0x90, 0x03, 0x00, 0x01, 0x03}},
		{"unsubscribe without topics", []byte{0xA2, 0x02, 0x00, 0x01}},
		{"invalid utf8 topic", []byte{0x30, 0x03, 0x00, 0x01, 0xFF}},
		{"remaining length 5 bytes", []byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, mqtt.ErrProtocol)
			var protoErr *mqtt.ProtocolError
			assert.ErrorAs(t, err, &protoErr)
		})
	}
}

func TestPublishEmptyPayload(t *testing.T) {
	data := (&Publish{Topic: "t"}).Encode()
	assert.Equal(t, []byte{0x30, 0x03, 0x00, 0x01, 't'}, data)
	p, _, err := Decode(data)
	require.NoError(t, err)
	assert.Empty(t, p.(*Publish).Payload)
}

func TestPublishPayloadIsCopied(t *testing.T) {
	data := (&Publish{Topic: "t", Payload: []byte("abc")}).Encode()
	p, _, err := Decode(data)
	require.NoError(t, err)
	data[len(data)-1] = 'z'
	assert.Equal(t, []byte("abc"), p.(*Publish).Payload)
}

func TestReaderOneByteAtATime(t *testing.T) {
	var stream bytes.Buffer
	expected := samplePackets()
	for _, p := range expected {
		_, err := Write(&stream, p)
		require.NoError(t, err)
	}

	reader := NewReader(iotest.OneByteReader(&stream))
	for _, p := range expected {
		got, err := reader.ReadPacket()
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := reader.ReadPacket()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderLargePacket(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 3*defaultReadSize)
	p := &Publish{Topic: "big", QoS: mqtt.AtLeastOnce, PacketID: 9, Payload: payload}
	reader := NewReader(bytes.NewReader(p.Encode()))
	got, err := reader.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.Zero(t, reader.Buffered())
}

func TestReaderTruncatedStream(t *testing.T) {
	data := (&Publish{Topic: "a", Payload: []byte("payload")}).Encode()
	reader := NewReader(bytes.NewReader(data[:len(data)-2]))
	_, err := reader.ReadPacket()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReaderMaxPacketSize(t *testing.T) {
	data := (&Publish{Topic: "a", Payload: make([]byte, 100)}).Encode()
	reader := NewReader(bytes.NewReader(data))
	reader.MaxPacketSize = 50
	_, err := reader.ReadPacket()
	assert.ErrorIs(t, err, mqtt.ErrProtocol)
}

func TestSubscribeStateGranted(t *testing.T) {
	qos, ok := SuccessQos2.Granted()
	assert.True(t, ok)
	assert.Equal(t, mqtt.ExactlyOnce, qos)
	_, ok = Failure.Granted()
	assert.False(t, ok)
}

func TestCheckSize(t *testing.T) {
	long := strings.Repeat("a", mqtt.MaxStringLength+1)
	tests := []struct {
		name   string
		packet Packet
	}{
		{"topic", &Publish{Topic: long}},
		{"client id", &Connect{ClientID: long}},
		{"username", &Connect{ClientID: "c", Username: long}},
		{"password", &Connect{ClientID: "c", Password: []byte(long)}},
		{"will topic", &Connect{ClientID: "c", Will: &Will{Topic: long}}},
		{"will payload", &Connect{ClientID: "c", Will: &Will{Topic: "t", Payload: []byte(long)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, CheckSize(tt.packet), mqtt.ErrPacketTooLarge)

			var buf bytes.Buffer
			n, err := Write(&buf, tt.packet)
			assert.ErrorIs(t, err, mqtt.ErrPacketTooLarge)
			assert.Zero(t, n)
			assert.Zero(t, buf.Len())
		})
	}

	limit := strings.Repeat("a", mqtt.MaxStringLength)
	assert.NoError(t, CheckSize(&Publish{Topic: limit, Payload: []byte(limit)}))
	assert.NoError(t, CheckSize(&Connect{ClientID: "c", Username: limit, Password: []byte(limit)}))
}

func TestPublishLength(t *testing.T) {
	assert.Equal(t, 2+3+5, PublishLength("a/b", 5, mqtt.AtMostOnce))
	assert.Equal(t, 2+3+2+5, PublishLength("a/b", 5, mqtt.AtLeastOnce))

	// 刚好达到上限的载荷仍可编码，多一个字节即超出
	maxPayload := mqtt.MaxRemainingLength - PublishLength("t", 0, mqtt.AtLeastOnce)
	assert.Equal(t, mqtt.MaxRemainingLength, PublishLength("t", maxPayload, mqtt.AtLeastOnce))
	assert.Greater(t, PublishLength("t", maxPayload+1, mqtt.AtLeastOnce), mqtt.MaxRemainingLength)
}
