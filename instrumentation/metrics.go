package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/toolbridge/mcp-auth/kv"
)

// Metrics holds the metric instruments recorded by the broker.
type Metrics struct {
	// Authorization server metrics
	ClientsRegistered metric.Int64Counter
	ClientsRevoked    metric.Int64Counter
	CodesIssued       metric.Int64Counter
	CodesExchanged    metric.Int64Counter
	TokensIssued      metric.Int64Counter
	TokensRefreshed   metric.Int64Counter
	TokenValidations  metric.Int64Counter

	// Third-party consumer metrics
	FlowsStarted       metric.Int64Counter
	CallbacksProcessed metric.Int64Counter
	CredentialRefresh  metric.Int64Counter

	// Middleware metrics
	RequestsAuthenticated metric.Int64Counter
	RateLimitExceeded     metric.Int64Counter

	// Storage metrics
	KVOperationsTotal   metric.Int64Counter
	KVOperationDuration metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	serverMeter := inst.Meter("authserver")
	consumerMeter := inst.Meter("consumer")
	middlewareMeter := inst.Meter("middleware")
	kvMeter := inst.Meter("kv")

	var err error

	m.ClientsRegistered, err = serverMeter.Int64Counter(
		"oauth.clients.registered",
		metric.WithDescription("Number of dynamically registered clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clients.registered counter: %w", err)
	}

	m.ClientsRevoked, err = serverMeter.Int64Counter(
		"oauth.clients.revoked",
		metric.WithDescription("Number of client registrations revoked"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clients.revoked counter: %w", err)
	}

	m.CodesIssued, err = serverMeter.Int64Counter(
		"oauth.codes.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create codes.issued counter: %w", err)
	}

	m.CodesExchanged, err = serverMeter.Int64Counter(
		"oauth.codes.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create codes.exchanged counter: %w", err)
	}

	m.TokensIssued, err = serverMeter.Int64Counter(
		"oauth.tokens.issued",
		metric.WithDescription("Number of access token pairs issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.issued counter: %w", err)
	}

	m.TokensRefreshed, err = serverMeter.Int64Counter(
		"oauth.tokens.refreshed",
		metric.WithDescription("Number of refresh token rotations"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.refreshed counter: %w", err)
	}

	m.TokenValidations, err = serverMeter.Int64Counter(
		"oauth.tokens.validations",
		metric.WithDescription("Number of access token validations, by result"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.validations counter: %w", err)
	}

	m.FlowsStarted, err = consumerMeter.Int64Counter(
		"oauth.consumer.flows_started",
		metric.WithDescription("Number of third-party authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer.flows_started counter: %w", err)
	}

	m.CallbacksProcessed, err = consumerMeter.Int64Counter(
		"oauth.consumer.callbacks_processed",
		metric.WithDescription("Number of third-party callbacks processed, by result"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer.callbacks_processed counter: %w", err)
	}

	m.CredentialRefresh, err = consumerMeter.Int64Counter(
		"oauth.consumer.credential_refreshes",
		metric.WithDescription("Number of third-party credential refreshes, by result"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer.credential_refreshes counter: %w", err)
	}

	m.RequestsAuthenticated, err = middlewareMeter.Int64Counter(
		"oauth.middleware.requests_authenticated",
		metric.WithDescription("Number of requests through the authentication middleware, by result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create middleware.requests_authenticated counter: %w", err)
	}

	m.RateLimitExceeded, err = middlewareMeter.Int64Counter(
		"oauth.middleware.rate_limit_exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create middleware.rate_limit_exceeded counter: %w", err)
	}

	m.KVOperationsTotal, err = kvMeter.Int64Counter(
		"oauth.kv.operations",
		metric.WithDescription("Number of key-value store operations, by operation and result"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kv.operations counter: %w", err)
	}

	m.KVOperationDuration, err = kvMeter.Float64Histogram(
		"oauth.kv.operation_duration",
		metric.WithDescription("Key-value store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kv.operation_duration histogram: %w", err)
	}

	return m, nil
}

// RecordTokenValidation records an access token validation outcome
// ("valid", "invalid_token", "token_expired").
func (m *Metrics) RecordTokenValidation(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.TokenValidations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("oauth.result", result),
	))
}

// RecordKVOperation records a key-value store operation and its duration.
func (m *Metrics) RecordKVOperation(ctx context.Context, op string, err error, start time.Time) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, kv.ErrNotFound):
		// Expected outcome of a lookup miss, not a store failure.
		result = "not_found"
	case err != nil:
		result = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("kv.operation", op),
		attribute.String("kv.result", result),
	)
	m.KVOperationsTotal.Add(ctx, 1, attrs)
	m.KVOperationDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}
