package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"skyguard-telemetry/internal/models"
)

// producer is a websocket endpoint that records subscribe requests and
// writes the given messages once the first subscription arrives.
func producer(t *testing.T, messages []string, subscribed chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Event string `json:"event"`
			Data  struct {
				CamID string `json:"cam_id"`
			} `json:"data"`
		}
		if json.Unmarshal(raw, &env) == nil && env.Event == SubscribeEvent {
			subscribed <- env.Data.CamID
		}
		for _, m := range messages {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// hold the connection until the client goes away
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocket_SubscribeAndReadFrames(t *testing.T) {
	subscribed := make(chan string, 1)
	srv := producer(t, []string{
		`{"event":"object_detection","data":{"droneId":"d1","lat":14.3,"long":101.2}}`,
		`not json`,
		`{"data":{}}`,
		`{"event":"defensive_alert","data":[1,2]}`,
		`{"event":"defensive_alert"}`,
	}, subscribed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := NewWebsocketDialer(time.Second, zap.NewNop()).Dial(ctx, wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Subscribe(ctx, "camA"))
	select {
	case id := <-subscribed:
		assert.Equal(t, "camA", id)
	case <-ctx.Done():
		t.Fatal("subscribe not received")
	}

	f, err := conn.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.EventObjectDetection, f.Event)
	assert.Equal(t, "d1", f.Payload["droneId"])
	assert.False(t, f.Received.IsZero())

	for i := 0; i < 3; i++ {
		_, err = conn.ReadFrame(ctx)
		assert.ErrorIs(t, err, ErrMalformedFrame, "message %d", i+2)
	}

	f, err = conn.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.EventDefensiveAlert, f.Event)
	assert.Empty(t, f.Payload)
}

func TestWebsocket_CloseUnblocksRead(t *testing.T) {
	subscribed := make(chan string, 1)
	srv := producer(t, nil, subscribed)
	ctx := context.Background()

	conn, err := NewWebsocketDialer(time.Second, nil).Dial(ctx, wsURL(srv))
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := conn.ReadFrame(ctx)
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close(), "close is idempotent")

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("ReadFrame did not return after Close")
	}
}

func TestWebsocket_ServerGoneIsNotMalformed(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.Close()
	}))
	defer srv.Close()

	conn, err := NewWebsocketDialer(time.Second, nil).Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ReadFrame(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMalformedFrame))
	assert.False(t, errors.Is(err, ErrClosed))
}

func TestWebsocket_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewWebsocketDialer(time.Second, nil).Dial(context.Background(), wsURL(srv))
	assert.Error(t, err)
}
