package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"skyguard-telemetry/internal/models"
)

// envelope is the websocket wire format: {"event": "...", "data": {...}}.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type subscribeData struct {
	CamID string `json:"cam_id"`
}

// WebsocketDialer dials event stream endpoints over websocket.
type WebsocketDialer struct {
	dialer *websocket.Dialer
	logger *zap.Logger
	now    func() time.Time
}

// NewWebsocketDialer creates a dialer with the given handshake timeout.
func NewWebsocketDialer(handshakeTimeout time.Duration, logger *zap.Logger) *WebsocketDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: defaultTimeout(handshakeTimeout),
		},
		logger: logger,
		now:    time.Now,
	}
}

// Dial performs the websocket handshake.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	d.logger.Debug("Websocket handshake complete", zap.String("url", url))
	return &websocketConn{ws: ws, now: d.now, closed: make(chan struct{})}, nil
}

type websocketConn struct {
	ws  *websocket.Conn
	now func() time.Time

	writeMu   sync.Mutex // gorilla allows one concurrent writer
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *websocketConn) Subscribe(ctx context.Context, sourceID string) error {
	data, err := json.Marshal(subscribeData{CamID: sourceID})
	if err != nil {
		return err
	}
	msg, err := json.Marshal(envelope{Event: SubscribeEvent, Data: data})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", sourceID, err)
	}
	return nil
}

func (c *websocketConn) ReadFrame(ctx context.Context) (models.Frame, error) {
	select {
	case <-c.closed:
		return models.Frame{}, ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return models.Frame{}, err
	}

	msgType, raw, err := c.ws.ReadMessage()
	if err != nil {
		select {
		case <-c.closed:
			return models.Frame{}, ErrClosed
		default:
		}
		return models.Frame{}, fmt.Errorf("read failed: %w", err)
	}
	if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
		return models.Frame{}, malformed("unexpected message type %d", msgType)
	}
	return decodeEnvelope(raw, c.now())
}

func (c *websocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func decodeEnvelope(raw []byte, received time.Time) (models.Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.Frame{}, malformed("invalid json: %v", err)
	}
	if env.Event == "" {
		return models.Frame{}, malformed("missing event name")
	}
	payload, err := decodePayload(env.Data)
	if err != nil {
		return models.Frame{}, err
	}
	return models.Frame{Event: env.Event, Payload: payload, Received: received}, nil
}

// decodePayload requires a JSON object. An absent body decodes to an empty map.
func decodePayload(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]interface{}{}, nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, malformed("payload is not an object: %v", err)
	}
	return payload, nil
}
