package syncer

import (
	"time"

	"github.com/BearBump/TrackTry/internal/integrations/tracktry"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics: коллекторы Prometheus для циклов синхронизации.
type Metrics struct {
	Loads       *prometheus.CounterVec
	LoadDur     *prometheus.HistogramVec
	Publishes   *prometheus.CounterVec
	RateLimited prometheus.Counter
}

// NewMetrics регистрирует коллекторы в reg (nil => prometheus.DefaultRegisterer).
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracktry_loads_total",
			Help:      "Tracktry loads by snapshot kind and result.",
		}, []string{"kind", "result"}),
		LoadDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tracktry_load_duration_seconds",
			Help:      "Tracktry call latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}, []string{"kind"}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_publishes_total",
			Help:      "Snapshot messages published to Kafka by result.",
		}, []string{"result"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracktry_rate_limited_total",
			Help:      "Loads skipped because the shared rate limit was exhausted.",
		}),
	}
	reg.MustRegister(m.Loads, m.LoadDur, m.Publishes, m.RateLimited)
	return m
}

func (m *Metrics) observeLoad(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.Loads.WithLabelValues(kind, loadResult(err)).Inc()
	m.LoadDur.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) observePublish(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Publishes.WithLabelValues(result).Inc()
}

func (m *Metrics) observeRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func loadResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case tracktry.IsTransport(err):
		return "transport"
	case tracktry.IsRemote(err):
		return "remote"
	case tracktry.IsParse(err):
		return "parse"
	default:
		return "error"
	}
}
