// Package reconciler maintains the live set of tracked entities of one channel.
package reconciler

import (
	"sort"
	"sync"
	"time"

	"skyguard-telemetry/internal/models"
	"skyguard-telemetry/internal/trajectory"
)

// Config bounds the history kept per entity.
type Config struct {
	PathTTL       time.Duration
	PathMaxPoints int
}

type entity struct {
	state models.EntityState // Path is filled from buf on read
	buf   *trajectory.Buffer
}

// Reconciler owns the entity map of a channel. Apply and EvictStale are
// serialised by one mutex, so an eviction pass never interleaves with an
// upsert and readers always see whole records.
type Reconciler struct {
	channel models.Channel
	cfg     Config

	mu       sync.RWMutex
	entities map[string]*entity
}

// New creates an empty reconciler for channel.
func New(channel models.Channel, cfg Config) *Reconciler {
	return &Reconciler{
		channel:  channel,
		cfg:      cfg,
		entities: make(map[string]*entity),
	}
}

// Channel returns the channel this reconciler owns.
func (r *Reconciler) Channel() models.Channel {
	return r.channel
}

// Apply upserts the entity of ev and appends its position to the entity path.
// Events are applied in arrival order; an older timestamp still moves the entity.
func (r *Reconciler) Apply(ev models.TrackEvent, now time.Time) models.EntityState {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entities[ev.EntityID]
	if !ok {
		e = &entity{buf: trajectory.New(r.cfg.PathMaxPoints, r.cfg.PathTTL)}
		e.state.EntityID = ev.EntityID
		e.state.Channel = ev.Channel
		if e.state.Channel == "" {
			e.state.Channel = r.channel
		}
		r.entities[ev.EntityID] = e
	}

	e.state.Latitude = ev.Latitude
	e.state.Longitude = ev.Longitude
	e.state.Altitude = ev.Altitude
	e.state.Timestamp = ev.Timestamp
	e.state.LastSeen = now
	if ev.SourceID != "" {
		e.state.SourceID = ev.SourceID
	}
	if len(ev.ImageRefs) > 0 {
		e.state.ImageRefs = append([]string(nil), ev.ImageRefs...)
	}
	e.buf.Append(models.PathPoint{Longitude: ev.Longitude, Latitude: ev.Latitude}, now)

	return e.snapshot()
}

// EvictStale removes every entity silent for longer than the path TTL and
// returns the removed ids, sorted.
func (r *Reconciler) EvictStale(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, e := range r.entities {
		if e.buf.IsStale(now) {
			delete(r.entities, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Get returns a copy of one entity.
func (r *Reconciler) Get(entityID string) (models.EntityState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entities[entityID]
	if !ok {
		return models.EntityState{}, false
	}
	return e.snapshot(), true
}

// Snapshot returns copies of all live entities, newest timestamp first.
func (r *Reconciler) Snapshot() []models.EntityState {
	r.mu.RLock()
	out := make([]models.EntityState, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()

	SortNewestFirst(out)
	return out
}

// Paths returns the coordinate sequence of every live entity.
func (r *Reconciler) Paths() map[string][]models.PathPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]models.PathPoint, len(r.entities))
	for id, e := range r.entities {
		out[id] = e.buf.Points()
	}
	return out
}

// Len returns the number of live entities.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// Reset drops every entity, for a channel whose consumers all detached.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities = make(map[string]*entity)
}

func (e *entity) snapshot() models.EntityState {
	s := e.state
	s.ImageRefs = append([]string(nil), e.state.ImageRefs...)
	s.Path = e.buf.Points()
	return s
}

// Merge combines per-channel snapshots into one view, newest first.
func Merge(snapshots ...[]models.EntityState) []models.EntityState {
	var out []models.EntityState
	for _, s := range snapshots {
		out = append(out, s...)
	}
	SortNewestFirst(out)
	return out
}

// SortNewestFirst orders entities by producer timestamp, newest first, with
// channel and id as tie breakers so the order is stable.
func SortNewestFirst(states []models.EntityState) {
	sort.SliceStable(states, func(i, j int) bool {
		a, b := states[i], states[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		return a.EntityID < b.EntityID
	})
}
