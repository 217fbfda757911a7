package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"skyguard-telemetry/internal/metrics"
	"skyguard-telemetry/internal/models"
)

type recordingSink struct {
	name    string
	fail    bool
	block   chan struct{}
	mu      sync.Mutex
	written []Record
	evicted []string
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(_ context.Context, records []Record) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, records...)
	if s.fail {
		return errors.New("store unavailable")
	}
	return nil
}

func (s *recordingSink) Evict(_ context.Context, _ models.Channel, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted = append(s.evicted, ids...)
	return nil
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written), len(s.evicted)
}

func rec(id string) Record {
	return Record{Event: models.TrackEvent{EntityID: id, Channel: models.ChannelOffensive}}
}

func TestQueue_DeliversToAllSinks(t *testing.T) {
	a, b := &recordingSink{name: "a"}, &recordingSink{name: "b"}
	q := NewQueue(8, []Sink{a, b}, zap.NewNop(), nil)
	go q.Run(context.Background())

	assert.True(t, q.Enqueue(rec("d1"), rec("d2")))
	assert.True(t, q.EnqueueEvictions(models.ChannelOffensive, []string{"d0"}))
	q.Stop()
	<-q.Done()

	for _, s := range []*recordingSink{a, b} {
		w, e := s.counts()
		assert.Equal(t, 2, w, s.name)
		assert.Equal(t, 1, e, s.name)
	}
}

func TestQueue_FullQueueDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	blocked := &recordingSink{name: "redis", block: make(chan struct{})}
	q := NewQueue(1, []Sink{blocked}, zap.NewNop(), m)
	go q.Run(context.Background())

	require.True(t, q.Enqueue(rec("first")))
	// wait for the worker to pick up the first item and block in Write
	require.Eventually(t, func() bool { return len(q.items) == 0 }, time.Second, time.Millisecond)
	require.True(t, q.Enqueue(rec("second")))

	start := time.Now()
	assert.False(t, q.Enqueue(rec("third")), "full queue drops")
	assert.Less(t, time.Since(start), 100*time.Millisecond, "enqueue never blocks")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SinkDropped.WithLabelValues("redis")))

	close(blocked.block)
	q.Stop()
	<-q.Done()
	w, _ := blocked.counts()
	assert.Equal(t, 2, w)
}

func TestQueue_SinkErrorCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	failing := &recordingSink{name: "postgres", fail: true}
	q := NewQueue(4, []Sink{failing}, zap.NewNop(), m)
	go q.Run(context.Background())

	q.Enqueue(rec("d1"))
	q.Stop()
	<-q.Done()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SinkErrors.WithLabelValues("postgres")))
}

func TestQueue_NoSinksIsNoop(t *testing.T) {
	q := NewQueue(1, nil, nil, nil)
	assert.False(t, q.Enabled())
	assert.True(t, q.Enqueue(rec("d1")))
	assert.True(t, q.Enqueue(rec("d2")))

	var nilQueue *Queue
	assert.True(t, nilQueue.Enqueue(rec("d3")))
}
