package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bufferwave"

// Forward frame outcomes
const (
	ResultForwarded = "forwarded"
	ResultRelayLost = "relay_lost"
	ResultNoSession = "no_session"
)

// State is read on every scrape
type State interface {
	NodeCounts() map[string]int
	ChannelCount() int
	SessionCount() int
	QueueSize() int
}

// Metrics holds the broker's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	forwardFrames *prometheus.CounterVec
	bytesRelayed  prometheus.Counter
	dtnReleased   prometheus.Counter
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		forwardFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_frames_total",
			Help:      "FORWARD frames handled by the tunnel broker, by outcome.",
		}, []string{"result"}),
		bytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Payload bytes carried through the tunnel broker in both directions.",
		}),
		dtnReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dtn_released_total",
			Help:      "DTN messages released to a reachable node.",
		}),
	}
	m.registry.MustRegister(
		m.forwardFrames,
		m.bytesRelayed,
		m.dtnReleased,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Watch exposes the live broker state as gauges
func (m *Metrics) Watch(state State) {
	if m == nil {
		return
	}
	m.registry.MustRegister(newStateCollector(state))
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveForward(result string) {
	if m == nil {
		return
	}
	m.forwardFrames.WithLabelValues(result).Inc()
}

func (m *Metrics) AddBytesRelayed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRelayed.Add(float64(n))
}

func (m *Metrics) AddReleased(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dtnReleased.Add(float64(n))
}

type stateCollector struct {
	state    State
	nodes    *prometheus.Desc
	channels *prometheus.Desc
	sessions *prometheus.Desc
	queue    *prometheus.Desc
}

func newStateCollector(state State) *stateCollector {
	return &stateCollector{
		state: state,
		nodes: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "nodes"),
			"Known nodes by status.", []string{"status"}, nil),
		channels: prometheus.NewDesc(prometheus.BuildFQName(namespace, "tunnel", "channels"),
			"Open duplex channels.", nil, nil),
		sessions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "tunnel", "sessions"),
			"Active tunnel sessions.", nil, nil),
		queue: prometheus.NewDesc(prometheus.BuildFQName(namespace, "dtn", "queue_size"),
			"Pending DTN messages.", nil, nil),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nodes
	ch <- c.channels
	ch <- c.sessions
	ch <- c.queue
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	for status, n := range c.state.NodeCounts() {
		ch <- prometheus.MustNewConstMetric(c.nodes, prometheus.GaugeValue, float64(n), status)
	}
	ch <- prometheus.MustNewConstMetric(c.channels, prometheus.GaugeValue, float64(c.state.ChannelCount()))
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(c.state.SessionCount()))
	ch <- prometheus.MustNewConstMetric(c.queue, prometheus.GaugeValue, float64(c.state.QueueSize()))
}
