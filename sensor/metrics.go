package sensor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the refresh and price collectors.
type Metrics struct {
	Price          *prometheus.GaugeVec
	RefreshesTotal *prometheus.CounterVec
	FailuresTotal  *prometheus.CounterVec
	LastSuccess    prometheus.Gauge
	CacheHits      prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Price: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fuelprices_price_brl",
				Help: "Latest fuel price per product in BRL.",
			},
			[]string{"product", "kind"},
		),
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fuelprices_refreshes_total",
				Help: "Refresh cycles by outcome.",
			},
			[]string{"outcome"},
		),
		FailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fuelprices_refresh_failures_total",
				Help: "Failed refresh cycles by error type.",
			},
			[]string{"error_type"},
		),
		LastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fuelprices_last_success_timestamp_seconds",
				Help: "Unix time of the last successful refresh.",
			},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fuelprices_cache_hits_total",
				Help: "Refresh cycles whose table came from the extraction cache.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Price, m.RefreshesTotal, m.FailuresTotal, m.LastSuccess, m.CacheHits)
	}
	return m
}

func (m *Metrics) setPrice(product, kind string, value *float64) {
	if m == nil {
		return
	}
	if value == nil {
		m.Price.DeleteLabelValues(product, kind)
		return
	}
	m.Price.WithLabelValues(product, kind).Set(*value)
}

func (m *Metrics) refreshed(outcome string, at time.Time) {
	if m == nil {
		return
	}
	m.RefreshesTotal.WithLabelValues(outcome).Inc()
	if outcome != "failure" {
		m.LastSuccess.Set(float64(at.Unix()))
	}
}

func (m *Metrics) failed(errorType string) {
	if m == nil {
		return
	}
	m.RefreshesTotal.WithLabelValues("failure").Inc()
	m.FailuresTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) cacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}
