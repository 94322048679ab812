package packet

import "github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"

// PingReq 心跳请求
type PingReq struct{}

// PingResp 心跳响应
type PingResp struct{}

func (p *PingReq) Type() mqtt.PacketType  { return mqtt.PINGREQ }
func (p *PingResp) Type() mqtt.PacketType { return mqtt.PINGRESP }

func (p *PingReq) Encode() []byte  { return []byte{0xC0, 0x00} }
func (p *PingResp) Encode() []byte { return []byte{0xD0, 0x00} }
