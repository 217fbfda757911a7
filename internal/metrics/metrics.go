// Package metrics exposes the ingestion pipeline's Prometheus metrics.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the telemetry metrics. A nil *Collector is a no-op.
type Collector struct {
	gatherer prometheus.Gatherer

	FramesReceived  *prometheus.CounterVec // channel, event
	EventsDropped   *prometheus.CounterVec // channel, reason
	EventsApplied   *prometheus.CounterVec // channel
	EntitiesLive    *prometheus.GaugeVec   // channel
	Evictions       *prometheus.CounterVec // channel
	ConnectionState *prometheus.GaugeVec   // channel, mode; 1 connected, 0 otherwise
	Reconnects      *prometheus.CounterVec // channel
	SinkDropped     *prometheus.CounterVec // sink
	SinkErrors      *prometheus.CounterVec // sink
}

// NewCollector registers the telemetry metrics against reg. A nil reg uses
// the default registerer.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.FramesReceived, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "telemetry_frames_received_total",
		Help: "Raw frames dispatched by the connection supervisors.",
	}, "channel", "event"); err != nil {
		return nil, err
	}
	if c.EventsDropped, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "telemetry_events_dropped_total",
		Help: "Objects dropped by the normalizer.",
	}, "channel", "reason"); err != nil {
		return nil, err
	}
	if c.EventsApplied, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "telemetry_events_applied_total",
		Help: "Track events applied to the entity reconciler.",
	}, "channel"); err != nil {
		return nil, err
	}
	if c.EntitiesLive, err = registerGaugeVec(reg, prometheus.GaugeOpts{
		Name: "telemetry_entities_live",
		Help: "Entities currently tracked per channel.",
	}, "channel"); err != nil {
		return nil, err
	}
	if c.Evictions, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "telemetry_entities_evicted_total",
		Help: "Entities evicted after exceeding the path TTL.",
	}, "channel"); err != nil {
		return nil, err
	}
	if c.ConnectionState, err = registerGaugeVec(reg, prometheus.GaugeOpts{
		Name: "telemetry_connection_up",
		Help: "1 when the channel's streaming connection is established.",
	}, "channel", "mode"); err != nil {
		return nil, err
	}
	if c.Reconnects, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "telemetry_reconnect_attempts_total",
		Help: "Connection attempts made after a disconnect.",
	}, "channel"); err != nil {
		return nil, err
	}
	if c.SinkDropped, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "telemetry_sink_dropped_total",
		Help: "Track events not handed to a sink because its queue was full.",
	}, "sink"); err != nil {
		return nil, err
	}
	if c.SinkErrors, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "telemetry_sink_errors_total",
		Help: "Sink writes that returned an error.",
	}, "sink"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler serves the collector's gatherer in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) FrameReceived(channel, event string) {
	if c == nil {
		return
	}
	c.FramesReceived.WithLabelValues(channel, event).Inc()
}

func (c *Collector) EventDropped(channel, reason string) {
	if c == nil {
		return
	}
	c.EventsDropped.WithLabelValues(channel, reason).Inc()
}

func (c *Collector) EventApplied(channel string) {
	if c == nil {
		return
	}
	c.EventsApplied.WithLabelValues(channel).Inc()
}

func (c *Collector) SetLiveEntities(channel string, n int) {
	if c == nil {
		return
	}
	c.EntitiesLive.WithLabelValues(channel).Set(float64(n))
}

func (c *Collector) AddEvictions(channel string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Evictions.WithLabelValues(channel).Add(float64(n))
}

// SetConnected records the connection state of a channel.
func (c *Collector) SetConnected(channel, mode string, up bool) {
	if c == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	c.ConnectionState.WithLabelValues(channel, mode).Set(v)
}

func (c *Collector) ReconnectAttempt(channel string) {
	if c == nil {
		return
	}
	c.Reconnects.WithLabelValues(channel).Inc()
}

func (c *Collector) SinkDrop(sink string) {
	if c == nil {
		return
	}
	c.SinkDropped.WithLabelValues(sink).Inc()
}

func (c *Collector) SinkError(sink string) {
	if c == nil {
		return
	}
	c.SinkErrors.WithLabelValues(sink).Inc()
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) (*prometheus.CounterVec, error) {
	vec := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", opts.Name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, opts prometheus.GaugeOpts, labels ...string) (*prometheus.GaugeVec, error) {
	vec := prometheus.NewGaugeVec(opts, labels)
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", opts.Name)
		}
		return nil, err
	}
	return vec, nil
}
