package connection

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

func isNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

// handleReadError 记录读取错误并转换为连接断开的原因
func handleReadError(log *slog.Logger, address string, err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		log.Info("broker closed connection", "address", address)
		return fmt.Errorf("connection closed by broker: %w", err)
	case os.IsTimeout(err):
		log.Warn("reading timeout", "address", address)
		return fmt.Errorf("reading packet: %w", err)
	case errors.Is(err, mqtt.ErrProtocol):
		log.Error("malformed packet from broker", "address", address, "error", err)
		return err
	default:
		log.Error("error occurred while reading packet", "address", address, "error", err)
		return fmt.Errorf("reading packet: %w", err)
	}
}
