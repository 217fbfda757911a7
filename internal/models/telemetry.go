package models

import (
	"time"
)

// SourceMode selects which producer endpoint a connection uses.
type SourceMode string

const (
	ModeMock SourceMode = "mock"
	ModeReal SourceMode = "real"
)

// ParseSourceMode normalises a configured mode. Anything other than "real" is mock.
func ParseSourceMode(value string) SourceMode {
	if SourceMode(value) == ModeReal {
		return ModeReal
	}
	return ModeMock
}

// Other returns the fallback mode.
func (m SourceMode) Other() SourceMode {
	if m == ModeReal {
		return ModeMock
	}
	return ModeReal
}

// Channel identifies one of the two telemetry producers.
type Channel string

const (
	ChannelOffensive Channel = "offensive"
	ChannelDefensive Channel = "defensive"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelOffensive || c == ChannelDefensive
}

// Frame event names emitted by the producers.
const (
	EventObjectDetection = "object_detection"
	EventDefensiveAlert  = "defensive_alert"
)

// Frame is one raw message received over a streaming connection.
// Payload is the decoded JSON object; no schema is enforced here.
type Frame struct {
	Event    string                 `json:"event"`
	SourceID string                 `json:"source_id,omitempty"` // set by transports that carry the camera id out of band (mqtt topic)
	Payload  map[string]interface{} `json:"payload"`
	Received time.Time              `json:"received"`
}

// GeoPoint is a plain latitude/longitude pair.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// TrackEvent is the canonical, normalised position update of one entity.
type TrackEvent struct {
	EntityID  string    `json:"entityId" msgpack:"entity_id"`
	Channel   Channel   `json:"channel" msgpack:"channel"`
	Latitude  float64   `json:"latitude" msgpack:"lat"`
	Longitude float64   `json:"longitude" msgpack:"lng"`
	Altitude  float64   `json:"altitude" msgpack:"alt"`
	Timestamp time.Time `json:"timestamp" msgpack:"ts"`
	ImageRefs []string  `json:"imageRefs" msgpack:"image_refs"`

	SourceID string    `json:"sourceId,omitempty" msgpack:"source_id,omitempty"`
	Event    string    `json:"event,omitempty" msgpack:"event,omitempty"`
	Camera   *GeoPoint `json:"camera,omitempty" msgpack:"camera,omitempty"`
}

// PathPoint is one trajectory sample, stored as (longitude, latitude).
type PathPoint struct {
	Longitude float64 `json:"lng"`
	Latitude  float64 `json:"lat"`
}

// Coordinates returns the point as a [lng, lat] pair.
func (p PathPoint) Coordinates() [2]float64 {
	return [2]float64{p.Longitude, p.Latitude}
}

// EntityState is the reconciled live record of one tracked entity.
// Values handed out by the reconciler are copies; Path is never shared.
type EntityState struct {
	EntityID  string      `json:"entityId"`
	Channel   Channel     `json:"channel"`
	Latitude  float64     `json:"latitude"`
	Longitude float64     `json:"longitude"`
	Altitude  float64     `json:"altitude"`
	Timestamp time.Time   `json:"timestamp"` // producer timestamp of the last applied event
	LastSeen  time.Time   `json:"lastSeen"`  // ingestion time of the last applied event
	SourceID  string      `json:"sourceId,omitempty"`
	ImageRefs []string    `json:"imageRefs,omitempty"`
	Path      []PathPoint `json:"path"`
}
