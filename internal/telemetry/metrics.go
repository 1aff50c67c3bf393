package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/signhub/rqes"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Key pool metrics
	KeysGeneratedTotal metric.Int64Counter
	KeysConsumedTotal  metric.Int64Counter
	KeysDeletedTotal   metric.Int64Counter
	KeysOrphanedTotal  metric.Int64Counter
	KeysSweptTotal     metric.Int64Counter
	IdleKeys           metric.Int64UpDownCounter
	GenerationDuration metric.Float64Histogram

	// Session metrics
	SessionsOpenedTotal metric.Int64Counter
	SessionsClosedTotal metric.Int64Counter
	QuotaExceededTotal  metric.Int64Counter

	// Signing metrics
	SignRequestsTotal    metric.Int64Counter
	SignFailuresTotal    metric.Int64Counter
	SignaturesTotal      metric.Int64Counter
	SignRequestDuration  metric.Float64Histogram
	SADRejectionsTotal   metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.KeysGeneratedTotal, _ = meter.Int64Counter(
		"rqes.keypool.generated.total",
		metric.WithDescription("Total number of one-time keys generated"),
		metric.WithUnit("{key}"),
	)

	m.KeysConsumedTotal, _ = meter.Int64Counter(
		"rqes.keypool.consumed.total",
		metric.WithDescription("Total number of one-time keys consumed by signing operations"),
		metric.WithUnit("{key}"),
	)

	m.KeysDeletedTotal, _ = meter.Int64Counter(
		"rqes.keypool.deleted.total",
		metric.WithDescription("Total number of one-time keys deleted after use"),
		metric.WithUnit("{key}"),
	)

	m.KeysOrphanedTotal, _ = meter.Int64Counter(
		"rqes.keypool.orphaned.total",
		metric.WithDescription("Total number of keys quarantined after deletion retries were exhausted"),
		metric.WithUnit("{key}"),
	)

	m.KeysSweptTotal, _ = meter.Int64Counter(
		"rqes.keypool.swept.total",
		metric.WithDescription("Total number of stale reserved keys reclaimed by the sweep"),
		metric.WithUnit("{key}"),
	)

	m.IdleKeys, _ = meter.Int64UpDownCounter(
		"rqes.keypool.idle",
		metric.WithDescription("Number of idle pre-generated keys"),
		metric.WithUnit("{key}"),
	)

	m.GenerationDuration, _ = meter.Float64Histogram(
		"rqes.keypool.generation.duration",
		metric.WithDescription("Duration of key generation tasks"),
		metric.WithUnit("ms"),
	)

	m.SessionsOpenedTotal, _ = meter.Int64Counter(
		"rqes.sessions.opened.total",
		metric.WithDescription("Total number of multi-signature sessions opened"),
		metric.WithUnit("{session}"),
	)

	m.SessionsClosedTotal, _ = meter.Int64Counter(
		"rqes.sessions.closed.total",
		metric.WithDescription("Total number of multi-signature sessions closed"),
		metric.WithUnit("{session}"),
	)

	m.QuotaExceededTotal, _ = meter.Int64Counter(
		"rqes.sessions.quota_exceeded.total",
		metric.WithDescription("Total number of signing calls rejected for exceeding session quota"),
		metric.WithUnit("{request}"),
	)

	m.SignRequestsTotal, _ = meter.Int64Counter(
		"rqes.sign.requests.total",
		metric.WithDescription("Total number of signing requests"),
		metric.WithUnit("{request}"),
	)

	m.SignFailuresTotal, _ = meter.Int64Counter(
		"rqes.sign.failures.total",
		metric.WithDescription("Total number of failed signing requests"),
		metric.WithUnit("{request}"),
	)

	m.SignaturesTotal, _ = meter.Int64Counter(
		"rqes.sign.signatures.total",
		metric.WithDescription("Total number of signatures produced"),
		metric.WithUnit("{signature}"),
	)

	m.SignRequestDuration, _ = meter.Float64Histogram(
		"rqes.sign.duration",
		metric.WithDescription("Duration of signing requests"),
		metric.WithUnit("ms"),
	)

	m.SADRejectionsTotal, _ = meter.Int64Counter(
		"rqes.sad.rejections.total",
		metric.WithDescription("Total number of SAD tokens rejected by validation"),
		metric.WithUnit("{token}"),
	)

	return m
}
