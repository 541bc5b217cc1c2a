package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server.
// All Record* methods are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Flow Metrics
	AuthorizationStarted  metric.Int64Counter
	AuthorizationResolved metric.Int64Counter
	GrantIssued           metric.Int64Counter
	CodeExchanged         metric.Int64Counter
	TokenIssued           metric.Int64Counter
	TokenRefreshed        metric.Int64Counter
	TokenRevoked          metric.Int64Counter
	TokenValidated        metric.Int64Counter
	ClientRegistered      metric.Int64Counter
	ClientRevoked         metric.Int64Counter

	// Security Metrics
	RateLimitExceeded   metric.Int64Counter
	CodeReuseDetected   metric.Int64Counter
	TokenReuseDetected  metric.Int64Counter
	ClientAuthFailed    metric.Int64Counter
	AuditEventsTotal    metric.Int64Counter
	SweepRecordsRemoved metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageClients           metric.Int64ObservableGauge
	StorageAuthRequests      metric.Int64ObservableGauge
	StorageGrants            metric.Int64ObservableGauge
	StorageTokens            metric.Int64ObservableGauge
}

// instrumentBuilder creates instruments on one meter and keeps the first error.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s counter: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) histogram(name, desc, unit string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s histogram: %w", name, err)
	}
	return h
}

func (b *instrumentBuilder) gauge(name, desc, unit string) metric.Int64ObservableGauge {
	g, err := b.meter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s gauge: %w", name, err)
	}
	return g
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpB := &instrumentBuilder{meter: inst.Meter("http")}
	m.HTTPRequestsTotal = httpB.counter("oauth.http.requests.total", "Total number of HTTP requests", "{request}")
	m.HTTPRequestDuration = httpB.histogram("oauth.http.request.duration", "HTTP request duration in milliseconds", "ms")

	srvB := &instrumentBuilder{meter: inst.Meter("server")}
	m.AuthorizationStarted = srvB.counter("oauth.authorization.started", "Number of authorization requests started", "{request}")
	m.AuthorizationResolved = srvB.counter("oauth.authorization.resolved", "Number of authorization requests resolved by decision", "{request}")
	m.GrantIssued = srvB.counter("oauth.grant.issued", "Number of authorization codes issued", "{grant}")
	m.CodeExchanged = srvB.counter("oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}")
	m.TokenIssued = srvB.counter("oauth.token.issued", "Number of access tokens issued by grant type", "{token}")
	m.TokenRefreshed = srvB.counter("oauth.token.refreshed", "Number of refresh token grants", "{refresh}")
	m.TokenRevoked = srvB.counter("oauth.token.revoked", "Number of tokens revoked by reason", "{token}")
	m.TokenValidated = srvB.counter("oauth.token.validated", "Number of bearer token validations by result", "{validation}")
	m.ClientRegistered = srvB.counter("oauth.client.registered", "Number of clients registered", "{client}")
	m.ClientRevoked = srvB.counter("oauth.client.revoked", "Number of clients revoked", "{client}")

	secB := &instrumentBuilder{meter: inst.Meter("security")}
	m.RateLimitExceeded = secB.counter("oauth.rate_limit.exceeded", "Number of requests rejected by rate limiting", "{request}")
	m.CodeReuseDetected = secB.counter("oauth.code.reuse_detected", "Number of authorization code replay attempts", "{attempt}")
	m.TokenReuseDetected = secB.counter("oauth.token.reuse_detected", "Number of rotated refresh token replay attempts", "{attempt}")
	m.ClientAuthFailed = secB.counter("oauth.client.auth_failed", "Number of failed client authentications", "{attempt}")
	m.AuditEventsTotal = secB.counter("oauth.audit.events.total", "Total number of security audit events", "{event}")
	m.SweepRecordsRemoved = secB.counter("oauth.sweep.records_removed", "Number of records expired or removed by the sweeper", "{record}")

	stB := &instrumentBuilder{meter: inst.Meter("storage")}
	m.StorageOperationTotal = stB.counter("storage.operation.total", "Total number of storage operations", "{operation}")
	m.StorageOperationDuration = stB.histogram("storage.operation.duration", "Storage operation duration in milliseconds", "ms")
	m.StorageClients = stB.gauge("storage.clients.count", "Number of stored clients", "{client}")
	m.StorageAuthRequests = stB.gauge("storage.auth_requests.count", "Number of stored authorization requests", "{request}")
	m.StorageGrants = stB.gauge("storage.grants.count", "Number of stored access grants", "{grant}")
	m.StorageTokens = stB.gauge("storage.tokens.count", "Number of stored tokens", "{token}")

	for _, b := range []*instrumentBuilder{httpB, srvB, secB, stB} {
		if b.err != nil {
			return nil, b.err
		}
	}
	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationStarted records a new pending authorization request
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordAuthorizationResolved records the decision taken on an authorization request
// ("granted", "denied" or "expired")
func (m *Metrics) RecordAuthorizationResolved(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.AuthorizationResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

// RecordGrantIssued records a new authorization code
func (m *Metrics) RecordGrantIssued(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.GrantIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordTokenIssued records an access token issued through the given grant type
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType string) {
	if m == nil {
		return
	}
	m.TokenIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("grant_type", grantType)))
}

// RecordTokenRefresh records a token refresh operation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRevocation records revoked tokens ("request", "replay", "client_revoked")
func (m *Metrics) RecordTokenRevocation(ctx context.Context, reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.TokenRevoked.Add(ctx, int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTokenValidation records a bearer token validation ("valid", "invalid", "expired")
func (m *Metrics) RecordTokenValidation(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.TokenValidated.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context) {
	if m == nil {
		return
	}
	m.ClientRegistered.Add(ctx, 1)
}

// RecordClientRevocation records a client revocation
func (m *Metrics) RecordClientRevocation(ctx context.Context) {
	if m == nil {
		return
	}
	m.ClientRevoked.Add(ctx, 1)
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a rotated refresh token reuse attempt
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordClientAuthFailed records a failed client authentication
func (m *Metrics) RecordClientAuthFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ClientAuthFailed.Add(ctx, 1)
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordSweep records records touched by one sweep ("auth_requests", "flows", "tokens")
func (m *Metrics) RecordSweep(ctx context.Context, collection string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.SweepRecordsRemoved.Add(ctx, int64(count), metric.WithAttributes(attribute.String("collection", collection)))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
