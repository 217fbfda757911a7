// Package normalizer converts the heterogeneous payloads of the offensive and
// defensive producers into canonical track events.
package normalizer

import (
	"strings"

	"go.uber.org/zap"

	"skyguard-telemetry/internal/clock"
	"skyguard-telemetry/internal/models"
)

// Drop reasons reported to the drop hook.
const (
	DropMissingID        = "missing_id"
	DropInvalidLatitude  = "invalid_latitude"
	DropInvalidLongitude = "invalid_longitude"
	DropEmptyFrame       = "empty_frame"
)

// DropHook is called once for every object that could not be normalised.
type DropHook func(channel models.Channel, reason string)

// Normalizer is stateless apart from its injected clock; the same input and
// clock reading always give the same output.
type Normalizer struct {
	clock      clock.Clock
	imageBases []string
	logger     *zap.Logger
	onDrop     DropHook
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithDropHook reports dropped objects, e.g. to a metrics collector.
func WithDropHook(hook DropHook) Option {
	return func(n *Normalizer) { n.onDrop = hook }
}

// New creates a normalizer. imageBases are prefixed onto relative image paths.
func New(clk clock.Clock, imageBases []string, logger *zap.Logger, opts ...Option) *Normalizer {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Normalizer{
		clock:      clk,
		imageBases: append([]string(nil), imageBases...),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize returns one track event per valid object in frame. Objects are
// taken from "objects" or "detections", else a single "object", else the
// unwrapped payload itself. Invalid objects are dropped and logged.
func (n *Normalizer) Normalize(frame models.Frame, channel models.Channel) []models.TrackEvent {
	root := unwrap(frame.Payload)
	if len(root) == 0 {
		n.drop(frame, channel, DropEmptyFrame)
		return nil
	}

	objects := extractObjects(root)
	events := make([]models.TrackEvent, 0, len(objects))
	for _, obj := range objects {
		if ev, ok := n.normalize(frame, root, obj, channel); ok {
			events = append(events, ev)
		}
	}
	return events
}

// NormalizeObject normalises one object of frame. It returns false when the
// object has no id or no finite position.
func (n *Normalizer) NormalizeObject(frame models.Frame, object map[string]interface{}, channel models.Channel) (models.TrackEvent, bool) {
	return n.normalize(frame, unwrap(frame.Payload), object, channel)
}

func (n *Normalizer) normalize(frame models.Frame, root, obj map[string]interface{}, channel models.Channel) (models.TrackEvent, bool) {
	id := firstString(obj, idFieldsFor(channel))
	if id == "" {
		n.drop(frame, channel, DropMissingID)
		return models.TrackEvent{}, false
	}
	lat, ok := firstNumber(obj, latitudeFields)
	if !ok {
		n.drop(frame, channel, DropInvalidLatitude, zap.String("entity_id", id))
		return models.TrackEvent{}, false
	}
	lng, ok := firstNumber(obj, longitudeFields)
	if !ok {
		n.drop(frame, channel, DropInvalidLongitude, zap.String("entity_id", id))
		return models.TrackEvent{}, false
	}
	alt, _ := firstNumber(obj, altitudeFields)

	ts, ok := firstTimestamp(obj, objectTimestampFields)
	if !ok {
		ts, ok = firstTimestamp(root, frameTimestampFields)
	}
	if !ok {
		ts = n.clock.Now().UTC()
	}

	ev := models.TrackEvent{
		EntityID:  id,
		Channel:   channel,
		Latitude:  lat,
		Longitude: lng,
		Altitude:  alt,
		Timestamp: ts,
		ImageRefs: n.imageRefs(obj, root),
		SourceID:  frame.SourceID,
		Event:     frame.Event,
		Camera:    cameraPosition(root),
	}
	if ev.SourceID == "" {
		ev.SourceID = firstString(root, sourceIDFields)
	}
	return ev, true
}

func (n *Normalizer) drop(frame models.Frame, channel models.Channel, reason string, fields ...zap.Field) {
	n.logger.Debug("Dropped telemetry object",
		append(fields,
			zap.String("channel", string(channel)),
			zap.String("event", frame.Event),
			zap.String("reason", reason),
		)...)
	if n.onDrop != nil {
		n.onDrop(channel, reason)
	}
}

// imageRefs builds absolute image URLs from the object path, falling back to
// the frame level path. Paths starting with "http" are kept as is.
func (n *Normalizer) imageRefs(obj, root map[string]interface{}) []string {
	var paths []string
	if p := firstString(obj, imagePathFields); p != "" {
		paths = append(paths, p)
	}
	if p := firstString(root, imagePathFields); p != "" {
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		return nil
	}

	seen := make(map[string]struct{})
	var refs []string
	add := func(ref string) {
		if _, ok := seen[ref]; ok {
			return
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	for _, p := range paths {
		if strings.HasPrefix(p, "http") || len(n.imageBases) == 0 {
			add(p)
			continue
		}
		for _, base := range n.imageBases {
			add(base + p)
		}
	}
	return refs
}

// unwrap lifts one level of "data" over the outer payload. Inner fields win.
func unwrap(payload map[string]interface{}) map[string]interface{} {
	inner, ok := payload[wrapperField].(map[string]interface{})
	if !ok {
		return payload
	}
	merged := make(map[string]interface{}, len(payload)+len(inner))
	for k, v := range payload {
		if k != wrapperField {
			merged[k] = v
		}
	}
	for k, v := range inner {
		merged[k] = v
	}
	return merged
}

func extractObjects(root map[string]interface{}) []map[string]interface{} {
	for _, field := range objectListFields {
		list, ok := root[field].([]interface{})
		if !ok {
			continue
		}
		out := make([]map[string]interface{}, 0, len(list))
		for _, item := range list {
			if obj, ok := item.(map[string]interface{}); ok {
				out = append(out, obj)
			}
		}
		return out
	}
	if obj, ok := root[singleObjectField].(map[string]interface{}); ok {
		return []map[string]interface{}{obj}
	}
	return []map[string]interface{}{root}
}

func cameraPosition(root map[string]interface{}) *models.GeoPoint {
	lat, ok := firstNumber(root, cameraLatitudeFields)
	if !ok {
		return nil
	}
	lng, ok := firstNumber(root, cameraLongitudeFields)
	if !ok {
		return nil
	}
	return &models.GeoPoint{Latitude: lat, Longitude: lng}
}
