package observ

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "autotrader_signal_total", Help: "Strategy signals by setup and pipeline outcome"},
		[]string{"setup", "outcome"},
	)
	ActiveTrades = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "autotrader_active_trades", Help: "Trades currently managed by the lifecycle manager"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "autotrader_orders_total", Help: "Orders submitted to the broker"},
		[]string{"side", "reason"},
	)
	ProviderRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "autotrader_provider_requests_total", Help: "Provider HTTP requests"},
		[]string{"provider", "endpoint", "status"},
	)
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autotrader_provider_request_seconds",
			Help:    "Provider HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "endpoint"},
	)
	ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autotrader_scan_duration_seconds",
			Help:    "Duration of one worker cycle",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
)

func init() {
	prometheus.MustRegister(SignalTotal, ActiveTrades, OrdersTotal, ProviderRequests, ProviderLatency, ScanDuration)
}

// IncSignal bumps autotrader_signal_total{setup,outcome}.
func IncSignal(setup, outcome string) {
	SignalTotal.WithLabelValues(setup, outcome).Inc()
}

// RecordProviderCall records one provider request and its latency.
func RecordProviderCall(provider, endpoint, status string, took time.Duration) {
	ProviderRequests.WithLabelValues(provider, endpoint, status).Inc()
	ProviderLatency.WithLabelValues(provider, endpoint).Observe(took.Seconds())
}

// Handler serves the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HealthStatus is the body of the health endpoint.
type HealthStatus struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Uptime    string         `json:"uptime"`
	Version   string         `json:"version"`
	Details   map[string]any `json:"details,omitempty"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

func SetVersion(v string) {
	version = v
}

// Health builds a health report; status is "degraded" when any check failed.
func Health(checks map[string]error) HealthStatus {
	h := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Version:   version,
		Details:   map[string]any{},
	}
	for name, err := range checks {
		if err != nil {
			h.Status = "degraded"
			h.Details[name] = err.Error()
			continue
		}
		h.Details[name] = "ok"
	}
	return h
}
