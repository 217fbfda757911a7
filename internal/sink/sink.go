// Package sink forwards reconciled updates to external stores without ever
// blocking the frame loop.
package sink

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"skyguard-telemetry/internal/metrics"
	"skyguard-telemetry/internal/models"
)

// Record is one applied update: the normalised event and the entity state
// it produced.
type Record struct {
	Event models.TrackEvent
	State models.EntityState
}

// Sink is an external store of track updates.
type Sink interface {
	Name() string
	Write(ctx context.Context, records []Record) error
	Evict(ctx context.Context, channel models.Channel, entityIDs []string) error
}

type item struct {
	records []Record
	channel models.Channel
	evicted []string
}

// Queue fans updates out to sinks through a bounded buffer drained by one
// worker. Enqueue drops instead of blocking when the buffer is full.
type Queue struct {
	sinks   []Sink
	items   chan item
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Collector

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewQueue creates a queue holding at most size pending items.
func NewQueue(size int, sinks []Sink, logger *zap.Logger, m *metrics.Collector) *Queue {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		sinks:   sinks,
		items:   make(chan item, size),
		timeout: 5 * time.Second,
		logger:  logger,
		metrics: m,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Enabled reports whether any sink is configured.
func (q *Queue) Enabled() bool {
	return q != nil && len(q.sinks) > 0
}

// Enqueue schedules records for every sink. It reports false when dropped.
func (q *Queue) Enqueue(records ...Record) bool {
	if !q.Enabled() || len(records) == 0 {
		return true
	}
	return q.push(item{records: records})
}

// EnqueueEvictions schedules the removal of entityIDs from every sink.
func (q *Queue) EnqueueEvictions(channel models.Channel, entityIDs []string) bool {
	if !q.Enabled() || len(entityIDs) == 0 {
		return true
	}
	return q.push(item{channel: channel, evicted: entityIDs})
}

func (q *Queue) push(it item) bool {
	select {
	case <-q.stop:
		return false
	default:
	}
	select {
	case q.items <- it:
		return true
	default:
		for _, s := range q.sinks {
			q.metrics.SinkDrop(s.Name())
		}
		q.logger.Warn("Sink queue full, dropping update", zap.Int("capacity", cap(q.items)))
		return false
	}
}

// Run drains the queue until ctx is cancelled or Stop is called, then
// flushes what is already buffered.
func (q *Queue) Run(ctx context.Context) error {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			q.drain()
			return nil
		case <-q.stop:
			q.drain()
			return nil
		case it := <-q.items:
			q.deliver(it)
		}
	}
}

// Stop ends Run after the buffered items are delivered.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
}

// Done is closed when Run returns.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) drain() {
	for {
		select {
		case it := <-q.items:
			q.deliver(it)
		default:
			return
		}
	}
}

func (q *Queue) deliver(it item) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	for _, s := range q.sinks {
		var err error
		if len(it.evicted) > 0 {
			err = s.Evict(ctx, it.channel, it.evicted)
		} else {
			err = s.Write(ctx, it.records)
		}
		if err != nil {
			q.metrics.SinkError(s.Name())
			q.logger.Error("Sink write failed", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
}
