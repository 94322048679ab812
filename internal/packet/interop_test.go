package packet

import (
	"bytes"
	"testing"

	paho "github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

// decodeWithMochi 使用 mochi 的解码器解析我们编码的报文
func decodeWithMochi(t *testing.T, data []byte) *packets.Packet {
	t.Helper()
	fh := new(packets.FixedHeader)
	require.NoError(t, fh.Decode(data[0]))
	reader := bytes.NewReader(data[1:])
	rem, _, err := packets.DecodeLength(reader)
	require.NoError(t, err)
	fh.Remaining = rem
	body := data[len(data)-rem:]
	return &packets.Packet{FixedHeader: *fh, ProtocolVersion: 4, Payload: body}
}

func TestPublishDecodedByMochi(t *testing.T) {
	ours := &Publish{Topic: "sensors/temp", QoS: mqtt.ExactlyOnce, PacketID: 4242, Retain: true, Payload: []byte("21.5")}
	pk := decodeWithMochi(t, ours.Encode())
	body := pk.Payload
	require.NoError(t, pk.PublishDecode(body))

	assert.Equal(t, packets.Publish, pk.FixedHeader.Type)
	assert.Equal(t, byte(2), pk.FixedHeader.Qos)
	assert.True(t, pk.FixedHeader.Retain)
	assert.Equal(t, "sensors/temp", pk.TopicName)
	assert.Equal(t, uint16(4242), pk.PacketID)
	assert.Equal(t, []byte("21.5"), pk.Payload)
}

func TestPublishEncodedByMochi(t *testing.T) {
	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Publish, Qos: 1, Dup: true},
		TopicName:       "a/b",
		PacketID:        17,
		Payload:         []byte("mochi"),
		ProtocolVersion: 4,
	}
	var buf bytes.Buffer
	require.NoError(t, pk.PublishEncode(&buf))

	decoded, n, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, buf.Len(), n)
	assert.Equal(t, &Publish{Dup: true, QoS: mqtt.AtLeastOnce, Topic: "a/b", PacketID: 17, Payload: []byte("mochi")}, decoded)
}

func TestConnackEncodedByMochi(t *testing.T) {
	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connack},
		SessionPresent:  true,
		ReasonCode:      0,
		ProtocolVersion: 4,
	}
	var buf bytes.Buffer
	require.NoError(t, pk.ConnackEncode(&buf))

	decoded, _, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, &Connack{SessionPresent: true, ReturnCode: mqtt.Accepted}, decoded)
}

func TestSubscribeDecodedByMochi(t *testing.T) {
	ours := &Subscribe{PacketID: 3, Topics: []TopicSubscription{{Filter: "a/+/c", QoS: 1}, {Filter: "#", QoS: 0}}}
	pk := decodeWithMochi(t, ours.Encode())
	require.NoError(t, pk.SubscribeDecode(pk.Payload))

	assert.Equal(t, uint16(3), pk.PacketID)
	require.Len(t, pk.Filters, 2)
	assert.Equal(t, "a/+/c", pk.Filters[0].Filter)
	assert.Equal(t, byte(1), pk.Filters[0].Qos)
	assert.Equal(t, "#", pk.Filters[1].Filter)
}

func TestPahoReadsOurPackets(t *testing.T) {
	ours := &Publish{Topic: "x/y", QoS: mqtt.AtLeastOnce, PacketID: 99, Payload: []byte("paho")}
	cp, err := paho.ReadPacket(bytes.NewReader(ours.Encode()))
	require.NoError(t, err)
	pub, ok := cp.(*paho.PublishPacket)
	require.True(t, ok)
	assert.Equal(t, "x/y", pub.TopicName)
	assert.Equal(t, uint16(99), pub.MessageID)
	assert.Equal(t, byte(1), pub.Qos)
	assert.Equal(t, []byte("paho"), pub.Payload)

	connect := &Connect{ClientID: "cid", CleanSession: true, KeepAlive: 15, Username: "u", Password: []byte("p")}
	cp, err = paho.ReadPacket(bytes.NewReader(connect.Encode()))
	require.NoError(t, err)
	conn, ok := cp.(*paho.ConnectPacket)
	require.True(t, ok)
	assert.Equal(t, "cid", conn.ClientIdentifier)
	assert.Equal(t, uint16(15), conn.Keepalive)
	assert.True(t, conn.CleanSession)
	assert.Equal(t, "u", conn.Username)
	assert.Equal(t, []byte("p"), conn.Password)
}

func TestReaderReadsPahoPackets(t *testing.T) {
	var stream bytes.Buffer

	connect := paho.NewControlPacket(paho.Connect).(*paho.ConnectPacket)
	connect.ProtocolName = "MQTT"
	connect.ProtocolVersion = 4
	connect.CleanSession = true
	connect.ClientIdentifier = "paho-client"
	connect.Keepalive = 30
	require.NoError(t, connect.Write(&stream))

	pubrel := paho.NewControlPacket(paho.Pubrel).(*paho.PubrelPacket)
	pubrel.MessageID = 12
	require.NoError(t, pubrel.Write(&stream))

	reader := NewReader(&stream)
	p, err := reader.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, &Connect{ClientID: "paho-client", CleanSession: true, KeepAlive: 30}, p)

	p, err = reader.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, &PubRel{PacketID: 12}, p)
}
