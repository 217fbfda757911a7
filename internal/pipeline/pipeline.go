// Package pipeline runs one telemetry channel: consumers attach with the
// cameras they need, frames flow supervisor -> normalizer -> reconciler, and
// applied updates go to the consumers and the sink queue.
package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"skyguard-telemetry/internal/clock"
	"skyguard-telemetry/internal/config"
	"skyguard-telemetry/internal/metrics"
	"skyguard-telemetry/internal/models"
	"skyguard-telemetry/internal/normalizer"
	"skyguard-telemetry/internal/reconciler"
	"skyguard-telemetry/internal/sink"
	"skyguard-telemetry/internal/subscription"
	"skyguard-telemetry/internal/supervisor"
	"skyguard-telemetry/internal/transport"
)

// UpdateHandler receives every entity update of the channel.
type UpdateHandler func(models.EntityState)

// EvictHandler receives the ids removed by an eviction pass.
type EvictHandler func(channel models.Channel, entityIDs []string)

// Options configures a Pipeline.
type Options struct {
	Channel    models.Channel
	Mode       models.SourceMode // resolved mode
	URL        string            // endpoint of Mode; empty leaves the channel disconnected
	Events     []string
	Retry      config.RetryConfig
	Dialer     transport.Dialer
	Normalizer *normalizer.Normalizer
	Reconciler *reconciler.Reconciler
	Sinks      *sink.Queue
	Clock      clock.Clock
	Logger     *zap.Logger
	Metrics    *metrics.Collector
}

type consumer struct {
	id       string
	name     string
	onUpdate UpdateHandler
}

// defaultCooldown is the pause before a connection that gave up is replaced.
const defaultCooldown = 30 * time.Second

// Pipeline owns the shared connection of one channel. The connection is
// created by the first Attach and torn down by the last Detach. A connection
// that exhausts its retry budget is replaced after Retry.Cooldown while
// consumers remain attached.
type Pipeline struct {
	opts     Options
	logger   *zap.Logger
	registry *subscription.Registry

	// applyMu orders frame application against the reset done by the last
	// Detach. Taken before mu.
	applyMu sync.Mutex

	mu        sync.Mutex
	sup       *supervisor.Supervisor
	consumers map[string]*consumer
	order     []string
	onEvict   []EvictHandler
	observers []supervisor.Observer
}

// New creates an idle pipeline.
func New(opts Options) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Normalizer == nil {
		opts.Normalizer = normalizer.New(opts.Clock, nil, opts.Logger)
	}
	if opts.Reconciler == nil {
		opts.Reconciler = reconciler.New(opts.Channel, reconciler.Config{PathTTL: 3 * time.Minute, PathMaxPoints: 500})
	}
	p := &Pipeline{
		opts:      opts,
		logger:    opts.Logger.With(zap.String("channel", string(opts.Channel))),
		registry:  subscription.NewRegistry(opts.Mode),
		consumers: make(map[string]*consumer),
	}
	p.registry.OnChange(func([]string) {
		if sup := p.supervisor(); sup != nil {
			go sup.SyncSubscriptions()
		}
	})
	return p
}

// Channel returns the channel name.
func (p *Pipeline) Channel() models.Channel {
	return p.opts.Channel
}

// Mode returns the resolved source mode.
func (p *Pipeline) Mode() models.SourceMode {
	return p.opts.Mode
}

// Registry returns the subscription registry of the channel.
func (p *Pipeline) Registry() *subscription.Registry {
	return p.registry
}

// Reconciler returns the channel's entity reconciler.
func (p *Pipeline) Reconciler() *reconciler.Reconciler {
	return p.opts.Reconciler
}

// OnEvict adds a hook called after each eviction pass that removed entities.
func (p *Pipeline) OnEvict(fn EvictHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvict = append(p.onEvict, fn)
}

// Watch adds a status observer carried over to every connection.
func (p *Pipeline) Watch(fn supervisor.Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
	if p.sup != nil {
		p.sup.Watch(fn)
	}
}

// Attach registers a consumer and returns its id. The first consumer starts
// the connection in the background.
func (p *Pipeline) Attach(name string, d subscription.Descriptor, onUpdate UpdateHandler) string {
	id := uuid.NewString()

	p.mu.Lock()
	p.consumers[id] = &consumer{id: id, name: name, onUpdate: onUpdate}
	p.order = append(p.order, id)
	var sup *supervisor.Supervisor
	if p.sup == nil {
		sup = p.newSupervisorLocked()
		p.sup = sup
	}
	p.mu.Unlock()

	p.registry.Register(id, d)
	p.logger.Info("Consumer attached",
		zap.String("consumer", name),
		zap.String("consumer_id", id),
		zap.Strings("cameras", d.Resolve(p.opts.Mode)))

	if sup != nil {
		p.start(sup)
	}
	return id
}

func (p *Pipeline) start(sup *supervisor.Supervisor) {
	if err := sup.Start(); err != nil {
		p.logger.Error("Connection not started", zap.Error(err))
		return
	}
	go p.replaceOnGiveUp(sup)
}

// replaceOnGiveUp waits for sup's loop to exit. When it gave up rather than
// being torn down, a fresh supervisor takes its place after the cooldown.
func (p *Pipeline) replaceOnGiveUp(sup *supervisor.Supervisor) {
	<-sup.Done()
	if sup.Status().State != supervisor.StateDisconnected {
		return
	}

	cooldown := p.opts.Retry.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	p.logger.Warn("Connection gave up, scheduling a new one", zap.Duration("cooldown", cooldown))
	<-time.After(cooldown)

	p.mu.Lock()
	if p.sup != sup || len(p.consumers) == 0 {
		p.mu.Unlock()
		return
	}
	next := p.newSupervisorLocked()
	p.sup = next
	p.mu.Unlock()

	sup.Teardown()
	p.opts.Metrics.ReconnectAttempt(string(p.opts.Channel))
	p.logger.Info("Restarting connection")
	p.start(next)
}

// Detach removes a consumer. Delivery to it stops immediately; the
// connection is torn down when no consumer is left.
func (p *Pipeline) Detach(id string) {
	p.applyMu.Lock()
	p.mu.Lock()
	c, ok := p.consumers[id]
	if !ok {
		p.mu.Unlock()
		p.applyMu.Unlock()
		return
	}
	delete(p.consumers, id)
	for i, cid := range p.order {
		if cid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	var sup *supervisor.Supervisor
	if len(p.consumers) == 0 {
		sup, p.sup = p.sup, nil
	}
	p.mu.Unlock()
	var cleared []string
	if sup != nil {
		cleared = p.reset()
	}
	p.applyMu.Unlock()

	p.registry.Unregister(id)
	p.logger.Info("Consumer detached", zap.String("consumer", c.name), zap.String("consumer_id", id))

	if sup != nil {
		sup.Teardown()
		if len(cleared) > 0 {
			p.evicted(cleared)
		}
	}
}

// Consumers returns the number of attached consumers.
func (p *Pipeline) Consumers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.consumers)
}

// Status reports the connection state; idle when no consumer is attached.
func (p *Pipeline) Status() supervisor.Status {
	if sup := p.supervisor(); sup != nil {
		return sup.Status()
	}
	return supervisor.Status{
		Name:  string(p.opts.Channel),
		State: supervisor.StateIdle,
		Mode:  p.opts.Mode,
		URL:   p.opts.URL,
	}
}

// Snapshot returns the live entities, newest first.
func (p *Pipeline) Snapshot() []models.EntityState {
	return p.opts.Reconciler.Snapshot()
}

// Paths returns the trajectory of every live entity.
func (p *Pipeline) Paths() map[string][]models.PathPoint {
	return p.opts.Reconciler.Paths()
}

// EvictStale runs one eviction pass and returns the removed ids.
func (p *Pipeline) EvictStale(now time.Time) []string {
	evicted := p.opts.Reconciler.EvictStale(now)
	p.opts.Metrics.SetLiveEntities(string(p.opts.Channel), p.opts.Reconciler.Len())
	if len(evicted) == 0 {
		return nil
	}

	p.opts.Metrics.AddEvictions(string(p.opts.Channel), len(evicted))
	p.logger.Debug("Evicted stale entities", zap.Strings("entity_ids", evicted))
	p.evicted(evicted)
	return evicted
}

func (p *Pipeline) evicted(ids []string) {
	p.opts.Sinks.EnqueueEvictions(p.opts.Channel, ids)

	p.mu.Lock()
	hooks := append([]EvictHandler(nil), p.onEvict...)
	p.mu.Unlock()
	for _, fn := range hooks {
		fn(p.opts.Channel, ids)
	}
}

// Close tears the connection down and forgets all consumers.
func (p *Pipeline) Close() {
	p.applyMu.Lock()
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	ids := append([]string(nil), p.order...)
	p.consumers = make(map[string]*consumer)
	p.order = nil
	p.mu.Unlock()
	p.applyMu.Unlock()

	for _, id := range ids {
		p.registry.Unregister(id)
	}
	if sup != nil {
		sup.Teardown()
	}
}

// handleFrame normalises one frame of sup, applies its events and forwards
// the resulting updates. It runs on the connection's read goroutine. Frames
// of a supervisor that is no longer current are dropped.
func (p *Pipeline) handleFrame(sup *supervisor.Supervisor, frame models.Frame) {
	events := p.opts.Normalizer.Normalize(frame, p.opts.Channel)
	if len(events) == 0 {
		return
	}

	p.applyMu.Lock()
	if p.supervisor() != sup {
		p.applyMu.Unlock()
		p.opts.Metrics.EventDropped(string(p.opts.Channel), "stale_connection")
		return
	}
	now := p.opts.Clock.Now()
	records := make([]sink.Record, 0, len(events))
	for _, ev := range events {
		state := p.opts.Reconciler.Apply(ev, now)
		p.opts.Metrics.EventApplied(string(p.opts.Channel))
		records = append(records, sink.Record{Event: ev, State: state})
	}
	p.opts.Metrics.SetLiveEntities(string(p.opts.Channel), p.opts.Reconciler.Len())
	p.opts.Sinks.Enqueue(records...)
	handlers := p.handlers()
	p.applyMu.Unlock()

	for _, r := range records {
		for _, h := range handlers {
			h(r.State)
		}
	}
}

func (p *Pipeline) handlers() []UpdateHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]UpdateHandler, 0, len(p.order))
	for _, id := range p.order {
		if h := p.consumers[id].onUpdate; h != nil {
			out = append(out, h)
		}
	}
	return out
}

func (p *Pipeline) supervisor() *supervisor.Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sup
}

func (p *Pipeline) newSupervisorLocked() *supervisor.Supervisor {
	sup := supervisor.New(supervisor.Options{
		Name:     string(p.opts.Channel),
		Mode:     p.opts.Mode,
		URL:      p.opts.URL,
		Retry:    p.opts.Retry,
		Dialer:   p.opts.Dialer,
		Registry: p.registry,
		Clock:    p.opts.Clock,
		Logger:   p.opts.Logger,
		Metrics:  p.opts.Metrics,
	})
	for _, event := range p.opts.Events {
		sup.On(event, func(f models.Frame) { p.handleFrame(sup, f) })
	}
	for _, fn := range p.observers {
		sup.Watch(fn)
	}
	return sup
}

// reset drops the entities of a channel nobody consumes any more and returns
// their ids. Callers hold applyMu.
func (p *Pipeline) reset() []string {
	var ids []string
	for _, st := range p.opts.Reconciler.Snapshot() {
		ids = append(ids, st.EntityID)
	}
	p.opts.Reconciler.Reset()
	p.opts.Metrics.SetLiveEntities(string(p.opts.Channel), 0)
	return ids
}
