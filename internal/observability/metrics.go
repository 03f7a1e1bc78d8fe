// Package observability exposes the positioning engine through Prometheus.
package observability

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/uwb-locator/internal/monitoring"
	"github.com/banshee-data/uwb-locator/internal/uwb"
	"github.com/banshee-data/uwb-locator/internal/uwb/engine"
)

var logger = monitoring.NewLogger("metrics")

// EngineCollector bundles the engine and ingestion metrics. It satisfies
// uwb.EventSink and the ingest listener's PacketStats.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	Events          *prometheus.CounterVec
	Packets         prometheus.Counter
	PacketBytes     prometheus.Counter
	ParseErrors     prometheus.Counter
	QueueDropped    prometheus.Counter
	Devices         *prometheus.GaugeVec
	FrameAnchors    prometheus.Gauge
	ReportsTotal    prometheus.Gauge
	ProcessDuration prometheus.Histogram

	packets, bytes, parseErrors, dropped atomic.Uint64
}

// NewEngineCollector registers the metrics against reg, defaulting to the
// global Prometheus registry when nil.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "uwb_engine_events_total",
		Help: "Engine events, labeled by kind.",
	}, []string{"kind"}), "uwb_engine_events_total")
	if err != nil {
		return nil, err
	}
	devices, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "uwb_devices",
		Help: "Devices in the registry, labeled by role.",
	}, []string{"role"}), "uwb_devices")
	if err != nil {
		return nil, err
	}

	c := &EngineCollector{gatherer: gatherer, Events: events, Devices: devices}
	counters := []struct {
		dst  *prometheus.Counter
		name string
		help string
	}{
		{&c.Packets, "uwb_ingest_packets_total", "Datagrams received."},
		{&c.PacketBytes, "uwb_ingest_bytes_total", "Datagram bytes received."},
		{&c.ParseErrors, "uwb_ingest_parse_errors_total", "Datagrams dropped because they failed to decode."},
		{&c.QueueDropped, "uwb_ingest_queue_dropped_total", "Reports evicted from a full ingestion queue."},
	}
	for _, m := range counters {
		counter, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: m.name,
			Help: m.help,
		}), m.name)
		if err != nil {
			return nil, err
		}
		*m.dst = counter
	}

	if c.FrameAnchors, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "uwb_frame_anchors",
		Help: "Anchors placed in the live frame.",
	}), "uwb_frame_anchors"); err != nil {
		return nil, err
	}
	if c.ReportsTotal, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "uwb_reports_processed",
		Help: "Reports processed by the engine since start.",
	}), "uwb_reports_processed"); err != nil {
		return nil, err
	}
	if c.ProcessDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "uwb_report_duration_seconds",
		Help:    "Time to process one report, including the tag solve.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}), "uwb_report_duration_seconds"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *EngineCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// HandleEvent counts engine events by kind.
func (c *EngineCollector) HandleEvent(e uwb.Event) {
	if c == nil {
		return
	}
	c.Events.WithLabelValues(string(e.Kind)).Inc()
}

// ObserveReport records how long one report took and the snapshot it produced.
func (c *EngineCollector) ObserveReport(d time.Duration, s *engine.Snapshot) {
	if c == nil {
		return
	}
	c.ProcessDuration.Observe(d.Seconds())
	c.ObserveSnapshot(s)
}

// ObserveSnapshot updates the registry and frame gauges.
func (c *EngineCollector) ObserveSnapshot(s *engine.Snapshot) {
	if c == nil || s == nil {
		return
	}
	counts := map[uwb.Role]int{uwb.RoleAnchor: 0, uwb.RoleTag: 0, uwb.RoleUnknown: 0}
	inFrame := 0
	for _, d := range s.Devices {
		counts[d.Role]++
		if d.InFrame {
			inFrame++
		}
	}
	for role, n := range counts {
		c.Devices.WithLabelValues(string(role)).Set(float64(n))
	}
	c.FrameAnchors.Set(float64(inFrame))
	c.ReportsTotal.Set(float64(s.Seq))
}

func (c *EngineCollector) AddPacket(bytes int) {
	c.packets.Add(1)
	c.bytes.Add(uint64(bytes))
	c.Packets.Inc()
	c.PacketBytes.Add(float64(bytes))
}

func (c *EngineCollector) AddParseError() {
	c.parseErrors.Add(1)
	c.ParseErrors.Inc()
}

func (c *EngineCollector) AddDropped() {
	c.dropped.Add(1)
	c.QueueDropped.Inc()
}

// LogStats writes the ingestion totals through the monitoring logger.
func (c *EngineCollector) LogStats() {
	logger.Printf("%d datagrams (%d bytes), %d parse errors, %d dropped",
		c.packets.Load(), c.bytes.Load(), c.parseErrors.Load(), c.dropped.Load())
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}
