// Package subscription aggregates the camera ids requested by the consumers
// sharing one streaming connection.
package subscription

import (
	"strings"
	"sync"

	"skyguard-telemetry/internal/models"
)

// Descriptor is the set of camera/source ids one consumer asks for.
type Descriptor struct {
	ByMode map[models.SourceMode][]string
	// All is used for a mode with no ids of its own.
	All []string
	// Additional ids are requested regardless of mode.
	Additional []string
}

// NewDescriptor builds a descriptor from per-mode lists.
func NewDescriptor(mock, real, all []string) Descriptor {
	return Descriptor{
		ByMode: map[models.SourceMode][]string{
			models.ModeMock: mock,
			models.ModeReal: real,
		},
		All: all,
	}
}

// Resolve returns the deduplicated ids for mode. Blank entries are dropped.
func (d Descriptor) Resolve(mode models.SourceMode) []string {
	ids := clean(d.ByMode[mode])
	if len(ids) == 0 {
		ids = clean(d.All)
	}
	return dedupe(append(ids, clean(d.Additional)...))
}

// Registry tracks descriptors per consumer and keeps their union for the
// active mode. The union is recomputed eagerly on every membership change.
type Registry struct {
	mu        sync.RWMutex
	mode      models.SourceMode
	consumers map[string]Descriptor
	order     []string // consumer ids in first registration order
	current   []string
	onChange  func(ids []string)
}

// NewRegistry creates an empty registry for mode.
func NewRegistry(mode models.SourceMode) *Registry {
	return &Registry{
		mode:      mode,
		consumers: make(map[string]Descriptor),
	}
}

// Mode returns the mode descriptors are resolved against.
func (r *Registry) Mode() models.SourceMode {
	return r.mode
}

// OnChange sets a hook called with the new union after every change.
// The hook runs outside the registry lock.
func (r *Registry) OnChange(fn func(ids []string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Register adds or replaces the descriptor of consumerID.
func (r *Registry) Register(consumerID string, d Descriptor) {
	r.mu.Lock()
	if _, ok := r.consumers[consumerID]; !ok {
		r.order = append(r.order, consumerID)
	}
	r.consumers[consumerID] = d
	hook, ids := r.recomputeLocked()
	r.mu.Unlock()

	if hook != nil {
		hook(ids)
	}
}

// Unregister drops consumerID. Unknown ids are ignored.
func (r *Registry) Unregister(consumerID string) {
	r.mu.Lock()
	if _, ok := r.consumers[consumerID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.consumers, consumerID)
	for i, id := range r.order {
		if id == consumerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	hook, ids := r.recomputeLocked()
	r.mu.Unlock()

	if hook != nil {
		hook(ids)
	}
}

// Current returns a copy of the deduplicated union.
func (r *Registry) Current() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.current...)
}

// Len returns the number of registered consumers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.consumers)
}

// Diff returns the ids of the union that are not in subscribed, in union order.
func (r *Registry) Diff(subscribed map[string]struct{}) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.current {
		if _, ok := subscribed[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) recomputeLocked() (func([]string), []string) {
	var all []string
	for _, id := range r.order {
		all = append(all, r.consumers[id].Resolve(r.mode)...)
	}
	r.current = dedupe(all)
	if r.onChange == nil {
		return nil, nil
	}
	return r.onChange, append([]string(nil), r.current...)
}

func clean(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
