package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the bank-link core.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Connect / callback flow
	ConnectionStarted metric.Int64Counter
	CallbackProcessed metric.Int64Counter

	// Claim store
	ClaimAttempts metric.Int64Counter
	ClaimFailOpen metric.Int64Counter
	ClaimsSwept   metric.Int64Counter

	// Provider
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter
	ProviderRetries       metric.Int64Counter

	// Downstream sync
	SyncJobsStarted   metric.Int64Counter
	SyncJobsCompleted metric.Int64Counter

	// Security
	RateLimitExceeded metric.Int64Counter
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	callbackMeter := inst.Meter("callback")
	claimsMeter := inst.Meter("claims")
	providerMeter := inst.Meter("provider")
	syncMeter := inst.Meter("sync")
	securityMeter := inst.Meter("security")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"banklink.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"banklink.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.ConnectionStarted, err = callbackMeter.Int64Counter(
		"banklink.connection.started",
		metric.WithDescription("Number of bank connection flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection.started counter: %w", err)
	}

	m.CallbackProcessed, err = callbackMeter.Int64Counter(
		"banklink.callback.processed",
		metric.WithDescription("Number of provider callbacks processed, by outcome"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.ClaimAttempts, err = claimsMeter.Int64Counter(
		"banklink.claims.attempts",
		metric.WithDescription("Number of atomic claim attempts, by result"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create claims.attempts counter: %w", err)
	}

	m.ClaimFailOpen, err = claimsMeter.Int64Counter(
		"banklink.claims.fail_open",
		metric.WithDescription("Number of claim-store operations that failed open"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create claims.fail_open counter: %w", err)
	}

	m.ClaimsSwept, err = claimsMeter.Int64Counter(
		"banklink.claims.swept",
		metric.WithDescription("Number of orphaned processing claims swept"),
		metric.WithUnit("{claim}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create claims.swept counter: %w", err)
	}

	m.ProviderAPICallsTotal, err = providerMeter.Int64Counter(
		"banklink.provider.api.calls.total",
		metric.WithDescription("Total number of provider API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.calls.total counter: %w", err)
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"banklink.provider.api.duration",
		metric.WithDescription("Provider API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	m.ProviderAPIErrors, err = providerMeter.Int64Counter(
		"banklink.provider.api.errors.total",
		metric.WithDescription("Total number of provider API errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.errors.total counter: %w", err)
	}

	m.ProviderRetries, err = providerMeter.Int64Counter(
		"banklink.provider.retry_attempts",
		metric.WithDescription("Number of retried provider HTTP attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.retry_attempts counter: %w", err)
	}

	m.SyncJobsStarted, err = syncMeter.Int64Counter(
		"banklink.sync.jobs.started",
		metric.WithDescription("Number of background sync jobs dispatched"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync.jobs.started counter: %w", err)
	}

	m.SyncJobsCompleted, err = syncMeter.Int64Counter(
		"banklink.sync.jobs.completed",
		metric.WithDescription("Number of background sync jobs completed, by result"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync.jobs.completed counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"banklink.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordConnectionStarted records a connect-initiation.
func (m *Metrics) RecordConnectionStarted(ctx context.Context, market string) {
	m.ConnectionStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("market", market),
	))
}

// RecordCallbackProcessed records a processed provider callback by outcome
// (e.g. "connected", "duplicate", "invalid_state", "sync_failed").
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, outcome string) {
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordClaimAttempt records an atomic claim attempt.
func (m *Metrics) RecordClaimAttempt(ctx context.Context, won bool) {
	m.ClaimAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("won", won),
	))
}

// RecordClaimFailOpen records a claim-store operation that failed open.
func (m *Metrics) RecordClaimFailOpen(ctx context.Context, operation string) {
	m.ClaimFailOpen.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordClaimsSwept records orphaned claims removed by a sweep.
func (m *Metrics) RecordClaimsSwept(ctx context.Context, removed int) {
	m.ClaimsSwept.Add(ctx, int64(removed))
}

// RecordProviderAPICall records a provider API call.
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, statusCode int, durationMs float64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	}

	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))

	if err != nil || statusCode >= 400 {
		errorType := "transport"
		if statusCode >= 400 && statusCode < 500 {
			errorType = "client_error"
		} else if statusCode >= 500 {
			errorType = "server_error"
		}

		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
			attribute.String("error_type", errorType),
		))
	}
}

// RecordRetryAttempt records one retried provider HTTP attempt.
func (m *Metrics) RecordRetryAttempt(ctx context.Context, attempt int) {
	m.ProviderRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("attempt", attempt),
	))
}

// RecordSyncJobStarted records a dispatched background sync job.
func (m *Metrics) RecordSyncJobStarted(ctx context.Context) {
	m.SyncJobsStarted.Add(ctx, 1)
}

// RecordSyncJobCompleted records a finished background sync job.
func (m *Metrics) RecordSyncJobCompleted(ctx context.Context, success bool) {
	m.SyncJobsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordRateLimitExceeded records a rate limit violation.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}
