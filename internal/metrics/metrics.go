// Package metrics records per-run scan counters on a private registry and
// writes them in the node_exporter textfile format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Scan results used as the "result" label.
const (
	ResultOK          = "ok"
	ResultNoKeyframes = "no_keyframes"
	ResultInterrupted = "interrupted"
	ResultError       = "error"
)

type Metrics struct {
	registry     *prometheus.Registry
	scansTotal   *prometheus.CounterVec
	keyframes    prometheus.Counter
	packets      prometheus.Counter
	seeks        prometheus.Counter
	degraded     prometheus.Counter
	scanDuration prometheus.Histogram
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	scansTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ffkeyframes_scans_total",
		Help: "Scans by result",
	}, []string{"result"})
	keyframes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ffkeyframes_keyframes_total",
		Help: "Keyframe timestamps emitted",
	})
	packets := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ffkeyframes_packets_total",
		Help: "Packets of the selected stream inspected",
	})
	seeks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ffkeyframes_seeks_total",
		Help: "Seeks issued to the container",
	})
	degraded := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ffkeyframes_degraded_total",
		Help: "Scans that fell back to sequential reads",
	})
	scanDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ffkeyframes_scan_duration_seconds",
		Help:    "Wall time of a scan",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	registry.MustRegister(scansTotal, keyframes, packets, seeks, degraded, scanDuration)

	return &Metrics{
		registry:     registry,
		scansTotal:   scansTotal,
		keyframes:    keyframes,
		packets:      packets,
		seeks:        seeks,
		degraded:     degraded,
		scanDuration: scanDuration,
	}
}

// Scan is what a finished run reports.
type Scan struct {
	Result    string
	Keyframes int
	Packets   int
	Seeks     int
	Degraded  bool
	Elapsed   time.Duration
}

func (m *Metrics) ObserveScan(s Scan) {
	m.scansTotal.WithLabelValues(s.Result).Inc()
	m.keyframes.Add(float64(s.Keyframes))
	m.packets.Add(float64(s.Packets))
	m.seeks.Add(float64(s.Seeks))
	if s.Degraded {
		m.degraded.Inc()
	}
	m.scanDuration.Observe(s.Elapsed.Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WriteTextfile atomically replaces path with the current metric values.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
