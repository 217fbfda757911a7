package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"skyguard-telemetry/internal/clock"
	"skyguard-telemetry/internal/config"
	"skyguard-telemetry/internal/models"
	"skyguard-telemetry/internal/normalizer"
	"skyguard-telemetry/internal/reconciler"
	"skyguard-telemetry/internal/sink"
	"skyguard-telemetry/internal/subscription"
	"skyguard-telemetry/internal/supervisor"
	"skyguard-telemetry/internal/transport"
)

type stubConn struct {
	frames chan models.Frame
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs []string
}

func (c *stubConn) Subscribe(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, id)
	return nil
}

func (c *stubConn) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subs...)
}

func (c *stubConn) ReadFrame(ctx context.Context) (models.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return models.Frame{}, transport.ErrClosed
	case <-ctx.Done():
		return models.Frame{}, ctx.Err()
	}
}

func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// stubDialer fails the first fail dials, then hands out connections.
type stubDialer struct {
	mu    sync.Mutex
	fail  int
	conns []*stubConn
}

func (d *stubDialer) Dial(context.Context, string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}
	c := &stubConn{frames: make(chan models.Frame, 8), closed: make(chan struct{})}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *stubDialer) conn(i int) *stubConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *stubDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type memorySink struct {
	mu      sync.Mutex
	records []sink.Record
	evicted []string
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Write(_ context.Context, r []sink.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r...)
	return nil
}

func (s *memorySink) Evict(_ context.Context, _ models.Channel, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted = append(s.evicted, ids...)
	return nil
}

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestPipeline(t *testing.T, url string) (*Pipeline, *stubDialer, *clock.Manual, *sink.Queue, *memorySink) {
	t.Helper()
	clk := clock.NewManual(start)
	d := &stubDialer{}
	mem := &memorySink{}
	q := sink.NewQueue(16, []sink.Sink{mem}, zap.NewNop(), nil)
	p := New(Options{
		Channel:    models.ChannelDefensive,
		Mode:       models.ModeMock,
		URL:        url,
		Events:     []string{models.EventDefensiveAlert, models.EventObjectDetection},
		Retry:      config.RetryConfig{Attempts: 1, Delay: time.Millisecond, MaxDelay: time.Millisecond, Cooldown: time.Millisecond},
		Dialer:     d,
		Normalizer: normalizer.New(clk, nil, zap.NewNop()),
		Reconciler: reconciler.New(models.ChannelDefensive, reconciler.Config{PathTTL: time.Minute, PathMaxPoints: 10}),
		Sinks:      q,
		Clock:      clk,
		Logger:     zap.NewNop(),
	})
	t.Cleanup(p.Close)
	return p, d, clk, q, mem
}

func waitConnected(t *testing.T, p *Pipeline) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Status().State == supervisor.StateConnected },
		2*time.Second, 5*time.Millisecond)
}

func defensiveFrame(id string, lat, lng float64) models.Frame {
	return models.Frame{
		Event: models.EventDefensiveAlert,
		Payload: map[string]interface{}{
			"cam_id": "A1",
			"data": map[string]interface{}{
				"objects": []interface{}{
					map[string]interface{}{"obj_id": id, "lat": lat, "lng": lng},
				},
			},
		},
	}
}

func TestPipeline_SharedConnectionSubscribesUnion(t *testing.T) {
	p, d, _, _, _ := newTestPipeline(t, "ws://mock")

	p.Attach("map-defense", subscription.NewDescriptor([]string{"camA", "camB"}, nil, nil), nil)
	waitConnected(t, p)
	p.Attach("map-combined", subscription.NewDescriptor([]string{"camB", "camC"}, nil, nil), nil)

	conn := d.conn(0)
	require.Eventually(t, func() bool { return len(conn.subscriptions()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"camA", "camB", "camC"}, conn.subscriptions())
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, 2, p.Consumers())
}

func TestPipeline_FrameReachesConsumersReconcilerAndSinks(t *testing.T) {
	p, d, _, q, mem := newTestPipeline(t, "ws://mock")
	go q.Run(context.Background())

	updates := make(chan models.EntityState, 4)
	p.Attach("map", subscription.NewDescriptor([]string{"A1"}, nil, nil), func(st models.EntityState) {
		updates <- st
	})
	waitConnected(t, p)

	d.conn(0).frames <- defensiveFrame("t1", 14.29, 101.17)

	select {
	case st := <-updates:
		assert.Equal(t, "t1", st.EntityID)
		assert.Equal(t, models.ChannelDefensive, st.Channel)
		assert.Equal(t, []models.PathPoint{{Longitude: 101.17, Latitude: 14.29}}, st.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}

	snap := p.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "t1", snap[0].EntityID)
	assert.Contains(t, p.Paths(), "t1")

	require.Eventually(t, func() bool {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		return len(mem.records) == 1
	}, 2*time.Second, 5*time.Millisecond)
	mem.mu.Lock()
	defer mem.mu.Unlock()
	assert.Equal(t, "A1", mem.records[0].Event.SourceID)
}

func TestPipeline_DetachStopsDeliveryAndLastDetachTearsDown(t *testing.T) {
	p, d, _, _, _ := newTestPipeline(t, "ws://mock")

	var mu sync.Mutex
	var first, second int
	idA := p.Attach("a", subscription.NewDescriptor([]string{"A1"}, nil, nil), func(models.EntityState) {
		mu.Lock()
		first++
		mu.Unlock()
	})
	idB := p.Attach("b", subscription.NewDescriptor([]string{"A1"}, nil, nil), func(models.EntityState) {
		mu.Lock()
		second++
		mu.Unlock()
	})
	waitConnected(t, p)

	p.Detach(idA)
	conn := d.conn(0)
	conn.frames <- defensiveFrame("t1", 1, 1)
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return second == 1 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Zero(t, first)
	mu.Unlock()
	assert.Equal(t, supervisor.StateConnected, p.Status().State, "shared connection survives")

	p.Detach(idB)
	assert.Equal(t, supervisor.StateIdle, p.Status().State)
	assert.Zero(t, p.Reconciler().Len())
	select {
	case <-conn.closed:
	default:
		t.Fatal("connection not closed after last detach")
	}

	p.Attach("c", subscription.NewDescriptor([]string{"A1"}, nil, nil), nil)
	waitConnected(t, p)
	assert.Equal(t, 2, d.dials(), "fresh connection after re-attach")

	p.Detach("unknown")
	assert.Equal(t, 1, p.Consumers())
}

func TestPipeline_NoEndpointStaysIdle(t *testing.T) {
	p, d, _, _, _ := newTestPipeline(t, "")

	p.Attach("map", subscription.NewDescriptor([]string{"A1"}, nil, nil), nil)

	assert.Equal(t, supervisor.StateIdle, p.Status().State)
	assert.Zero(t, d.dials())
}

func TestPipeline_EvictStale(t *testing.T) {
	p, _, clk, q, mem := newTestPipeline(t, "")
	go q.Run(context.Background())

	var hooked []string
	p.OnEvict(func(ch models.Channel, ids []string) {
		assert.Equal(t, models.ChannelDefensive, ch)
		hooked = append(hooked, ids...)
	})

	p.handleFrame(nil, defensiveFrame("old", 1, 1))
	clk.Advance(50 * time.Second)
	p.handleFrame(nil, defensiveFrame("fresh", 2, 2))
	clk.Advance(20 * time.Second)

	evicted := p.EvictStale(clk.Now())
	assert.Equal(t, []string{"old"}, evicted)
	assert.Equal(t, []string{"old"}, hooked)
	assert.Nil(t, p.EvictStale(clk.Now()))

	q.Stop()
	<-q.Done()
	mem.mu.Lock()
	defer mem.mu.Unlock()
	assert.Equal(t, []string{"old"}, mem.evicted)
}

func TestPipeline_WatchCarriesOverConnections(t *testing.T) {
	p, _, _, _, _ := newTestPipeline(t, "ws://mock")

	var mu sync.Mutex
	var connected int
	p.Watch(func(st supervisor.Status) {
		if st.State == supervisor.StateConnected {
			mu.Lock()
			connected++
			mu.Unlock()
		}
	})

	id := p.Attach("a", subscription.Descriptor{}, nil)
	waitConnected(t, p)
	p.Detach(id)
	p.Attach("b", subscription.Descriptor{}, nil)
	waitConnected(t, p)

	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return connected == 2 }, time.Second, 5*time.Millisecond)
}

func TestPipeline_ReplacesConnectionThatGaveUp(t *testing.T) {
	p, d, _, _, _ := newTestPipeline(t, "ws://mock")
	d.fail = 2 // one try plus one retry

	p.Attach("map", subscription.NewDescriptor([]string{"A1"}, nil, nil), nil)
	waitConnected(t, p)

	assert.Equal(t, 1, d.dials())
	require.Eventually(t, func() bool { return len(d.conn(0).subscriptions()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A1"}, d.conn(0).subscriptions())
}

func TestPipeline_NoReplacementAfterLastDetach(t *testing.T) {
	p, d, _, _, _ := newTestPipeline(t, "ws://mock")
	d.fail = 2
	p.opts.Retry.Cooldown = 50 * time.Millisecond

	id := p.Attach("map", subscription.Descriptor{}, nil)
	select {
	case <-p.supervisor().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not give up")
	}
	assert.Equal(t, supervisor.StateDisconnected, p.Status().State)
	p.Detach(id)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, d.dials())
	assert.Equal(t, supervisor.StateIdle, p.Status().State)
}

func TestPipeline_DropsFramesOfReplacedConnection(t *testing.T) {
	p, _, _, _, _ := newTestPipeline(t, "ws://mock")

	id := p.Attach("a", subscription.Descriptor{}, nil)
	waitConnected(t, p)
	old := p.supervisor()
	p.Detach(id)
	p.Attach("b", subscription.Descriptor{}, nil)
	waitConnected(t, p)

	p.handleFrame(old, defensiveFrame("late", 1, 1))
	assert.Zero(t, p.Reconciler().Len(), "frame of a torn down connection")

	p.handleFrame(p.supervisor(), defensiveFrame("live", 1, 1))
	assert.Equal(t, 1, p.Reconciler().Len())
}
