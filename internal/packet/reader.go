package packet

import (
	"errors"
	"fmt"
	"io"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

const defaultReadSize = 4096

// Reader 从字节流中按帧读取报文，半包数据保留在内部缓冲区中
type Reader struct {
	r   io.Reader
	buf []byte
	// start 之前的数据已被消费
	start int
	end   int
	// MaxPacketSize 为0时仅受协议上限约束
	MaxPacketSize int
}

func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:   r,
		buf: make([]byte, defaultReadSize),
	}
}

// ReadPacket 阻塞直到读出一个完整报文
// 缓冲区中残留不完整数据时遇到 EOF 返回 io.ErrUnexpectedEOF
func (r *Reader) ReadPacket() (Packet, error) {
	for {
		if r.end > r.start {
			if err := r.checkSize(); err != nil {
				return nil, err
			}
			result, n, err := Decode(r.buf[r.start:r.end])
			if err == nil {
				r.start += n
				if r.start == r.end {
					r.start, r.end = 0, 0
				}
				return result, nil
			}
			if !errors.Is(err, mqtt.ErrIncomplete) {
				return nil, err
			}
		}

		if err := r.fill(); err != nil {
			if errors.Is(err, io.EOF) && r.end > r.start {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// Buffered 返回尚未解码的字节数
func (r *Reader) Buffered() int {
	return r.end - r.start
}

func (r *Reader) checkSize() error {
	if r.MaxPacketSize <= 0 {
		return nil
	}
	header, n, err := mqtt.ParseFixedHeader(r.buf[r.start:r.end])
	if err != nil {
		// 头部不完整时继续读取，格式错误交由 Decode 报告
		return nil
	}
	if total := n + header.RemainingLength; total > r.MaxPacketSize {
		return mqtt.NewProtocolError(fmt.Sprintf("%s packet of %d bytes exceeds limit %d", header.Type, total, r.MaxPacketSize))
	}
	return nil
}

func (r *Reader) fill() error {
	if r.start > 0 {
		copy(r.buf, r.buf[r.start:r.end])
		r.end -= r.start
		r.start = 0
	}
	if r.end == len(r.buf) {
		grown := make([]byte, len(r.buf)*2)
		copy(grown, r.buf[:r.end])
		r.buf = grown
	}
	for i := 0; i < 100; i++ {
		n, err := r.r.Read(r.buf[r.end:])
		r.end += n
		if n > 0 {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return io.ErrNoProgress
}

// Write 将报文完整写入 w
func Write(w io.Writer, p Packet) (int, error) {
	if err := CheckSize(p); err != nil {
		return 0, err
	}
	data := p.Encode()
	total := 0
	for total < len(data) {
		n, err := w.Write(data[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
