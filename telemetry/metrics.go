// Package telemetry provides Prometheus metrics, OpenTelemetry tracing setup,
// and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesRelayed  prometheus.Counter
	SendsFailedAuth  prometheus.Counter
	SendsFailedStore prometheus.Counter
	Broadcasts       prometheus.Counter
	ViewGapsSkipped  prometheus.Counter

	// Histograms (seconds)
	SendDuration    prometheus.Observer
	RebuildDuration prometheus.Observer

	// Gauges
	ConnectedClients prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesRelayed = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_relayed_total", Help: "Number of messages accepted and broadcast"})
		SendsFailedAuth = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_sends_failed_auth_total", Help: "Number of sends rejected because the access token could not be resolved"})
		SendsFailedStore = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_sends_failed_store_total", Help: "Number of sends aborted by a storage failure"})
		Broadcasts = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_broadcasts_total", Help: "Number of UPDATE_CHAT broadcasts to all clients"})
		ViewGapsSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_view_gaps_skipped_total", Help: "Number of log records dropped from the view because their sender was missing from the directory"})
		SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_send_duration_seconds", Help: "End-to-end SEND_MESSAGE handling duration seconds", Buckets: prometheus.DefBuckets})
		RebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_view_rebuild_duration_seconds", Help: "Full view rebuild duration seconds", Buckets: prometheus.DefBuckets})
		ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_connected_clients", Help: "Current number of connected WebSocket clients"})
	})
}

// SetConnectedClients records the current client count.
func SetConnectedClients(n int) {
	if ConnectedClients != nil {
		ConnectedClients.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
