package models

import "errors"

// View query errors.
var (
	ErrUnknownChannel  = errors.New("unknown channel")
	ErrChannelDisabled = errors.New("channel not configured")
	ErrUnknownEntity   = errors.New("entity not tracked")
)

// Focus is the entity the operator is following on the map.
type Focus struct {
	Channel  Channel `json:"channel"`
	EntityID string  `json:"entityId"`
}

// ChannelStatus is the connectivity of one channel as shown to viewers.
type ChannelStatus struct {
	State     string     `json:"state"`
	Connected bool       `json:"connected"`
	Mode      SourceMode `json:"mode"`
	URL       string     `json:"url,omitempty"`
	Consumers int        `json:"consumers"`
	Entities  int        `json:"entities"`
	LastError string     `json:"lastError,omitempty"`
}

// ViewStatus is the combined view header: connected when any channel is,
// labelled with the offensive mode, else the defensive one.
type ViewStatus struct {
	Connected bool                      `json:"connected"`
	Mode      SourceMode                `json:"mode"`
	Channels  map[Channel]ChannelStatus `json:"channels"`
	Focus     *Focus                    `json:"focus,omitempty"`
}
