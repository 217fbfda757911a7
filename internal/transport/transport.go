// Package transport implements the streaming connections the supervisor
// drives: a websocket event stream and an MQTT topic stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"skyguard-telemetry/internal/config"
	"skyguard-telemetry/internal/models"
)

var (
	// ErrMalformedFrame marks a single undecodable frame. The connection
	// stays usable.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrClosed is returned by ReadFrame after Close.
	ErrClosed = errors.New("connection closed")
)

// SubscribeEvent is the control message asking the producer for one camera.
const SubscribeEvent = "subscribe_camera"

// Conn is one established streaming connection.
type Conn interface {
	// Subscribe asks the producer to stream frames for sourceID.
	Subscribe(ctx context.Context, sourceID string) error
	// ReadFrame blocks until the next frame. Errors wrapping
	// ErrMalformedFrame concern only that frame; any other error means the
	// connection is gone.
	ReadFrame(ctx context.Context) (models.Frame, error)
	Close() error
}

// Dialer opens connections to an endpoint URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// NewDialer returns the dialer for the configured transport.
func NewDialer(cfg *config.Config, logger *zap.Logger) (Dialer, error) {
	switch cfg.Socket.Transport {
	case config.TransportWebsocket, "":
		return NewWebsocketDialer(cfg.Socket.Retry.DialTimeout, logger), nil
	case config.TransportMQTT:
		return NewMQTTDialer(cfg.MQTT, cfg.Socket.Retry.DialTimeout, logger), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Socket.Transport)
	}
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}

func defaultTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}
