package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/tenantgate"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Resilience metrics
	RetryAttemptsTotal      metric.Int64Counter
	BreakerTransitionsTotal metric.Int64Counter
	BreakerRejectionsTotal  metric.Int64Counter

	// Token metrics
	TokenRefreshTotal       metric.Int64Counter
	TokenRefreshErrorsTotal metric.Int64Counter
	TokenRefreshDuration    metric.Float64Histogram
	TokenTerminationsTotal  metric.Int64Counter

	// Session metrics
	SessionEventsTotal        metric.Int64Counter
	SessionEventsDroppedTotal metric.Int64Counter
	SessionsCreatedTotal      metric.Int64Counter

	// Tenant metrics
	TenantResolutionsTotal          metric.Int64Counter
	TenantVerificationFailuresTotal metric.Int64Counter
	TenantsBoundTotal               metric.Int64Counter
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

	// Resilience metrics
	m.RetryAttemptsTotal, _ = meter.Int64Counter(
		"tenantgate.retry.attempts.total",
		metric.WithDescription("Total number of retries after a transient failure"),
		metric.WithUnit("{attempt}"),
	)

	m.BreakerTransitionsTotal, _ = meter.Int64Counter(
		"tenantgate.breaker.transitions.total",
		metric.WithDescription("Total number of circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)

	m.BreakerRejectionsTotal, _ = meter.Int64Counter(
		"tenantgate.breaker.rejections.total",
		metric.WithDescription("Total number of calls rejected by an open circuit"),
		metric.WithUnit("{call}"),
	)

	// Token metrics
	m.TokenRefreshTotal, _ = meter.Int64Counter(
		"tenantgate.tokens.refresh.total",
		metric.WithDescription("Total number of successful token refreshes"),
		metric.WithUnit("{refresh}"),
	)

	m.TokenRefreshErrorsTotal, _ = meter.Int64Counter(
		"tenantgate.tokens.refresh.errors.total",
		metric.WithDescription("Total number of failed token refreshes"),
		metric.WithUnit("{error}"),
	)

	m.TokenRefreshDuration, _ = meter.Float64Histogram(
		"tenantgate.tokens.refresh.duration",
		metric.WithDescription("Duration of token refresh operations including retries"),
		metric.WithUnit("ms"),
	)

	m.TokenTerminationsTotal, _ = meter.Int64Counter(
		"tenantgate.tokens.terminations.total",
		metric.WithDescription("Total number of sessions terminated because the refresh grant was rejected"),
		metric.WithUnit("{session}"),
	)

	// Session metrics
	m.SessionEventsTotal, _ = meter.Int64Counter(
		"tenantgate.session.events.total",
		metric.WithDescription("Total number of session lifecycle events emitted"),
		metric.WithUnit("{event}"),
	)

	m.SessionEventsDroppedTotal, _ = meter.Int64Counter(
		"tenantgate.session.events.dropped.total",
		metric.WithDescription("Total number of session events dropped because nobody was reading"),
		metric.WithUnit("{event}"),
	)

	m.SessionsCreatedTotal, _ = meter.Int64Counter(
		"tenantgate.sessions.created.total",
		metric.WithDescription("Total number of backend sessions created"),
		metric.WithUnit("{session}"),
	)

	// Tenant metrics
	m.TenantResolutionsTotal, _ = meter.Int64Counter(
		"tenantgate.tenant.resolutions.total",
		metric.WithDescription("Total number of identity to tenant resolutions"),
		metric.WithUnit("{resolution}"),
	)

	m.TenantVerificationFailuresTotal, _ = meter.Int64Counter(
		"tenantgate.tenant.verification_failures.total",
		metric.WithDescription("Total number of tenant ownership checks that failed"),
		metric.WithUnit("{failure}"),
	)

	m.TenantsBoundTotal, _ = meter.Int64Counter(
		"tenantgate.tenant.bound.total",
		metric.WithDescription("Total number of tenants created and bound to an owner"),
		metric.WithUnit("{tenant}"),
	)

	return m
}
