package packet

import "github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"

// Disconnect 客户端主动断开
type Disconnect struct{}

func (d *Disconnect) Type() mqtt.PacketType { return mqtt.DISCONNECT }

func (d *Disconnect) Encode() []byte { return []byte{0xE0, 0x00} }
