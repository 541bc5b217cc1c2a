package instrumentation

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "disabled uses no-op providers",
			config: Config{Enabled: false},
		},
		{
			name: "with service name and version",
			config: Config{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name: "prometheus exporter on a private registry",
			config: Config{
				Enabled:              true,
				MetricsExporter:      ExporterPrometheus,
				PrometheusRegisterer: prometheus.NewRegistry(),
			},
		},
		{
			name: "stdout traces",
			config: Config{
				Enabled:        true,
				TracesExporter: ExporterStdout,
				TraceWriter:    &bytes.Buffer{},
			},
		},
		{
			name:    "unknown metrics exporter",
			config:  Config{Enabled: true, MetricsExporter: "otlp"},
			wantErr: true,
		},
		{
			name:    "unknown traces exporter",
			config:  Config{Enabled: true, TracesExporter: "jaeger"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			for _, scope := range []string{"http", "server", "storage", "security"} {
				if inst.Meter(scope) == nil {
					t.Errorf("Meter(%q) returned nil", scope)
				}
				if inst.Tracer(scope) == nil {
					t.Errorf("Tracer(%q) returned nil", scope)
				}
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
	if inst.ShouldLogClientIPs() {
		t.Error("client IP logging must be off by default")
	}
}

func TestShutdown_FlushesStdoutTraces(t *testing.T) {
	var buf bytes.Buffer
	inst, err := New(Config{
		Enabled:        true,
		TracesExporter: ExporterStdout,
		TraceWriter:    &buf,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, span := inst.Tracer("server").Start(context.Background(), "oauth.exchange_code")
	AddOAuthFlowAttributes(span, "client-1", "alice", "read")
	span.End()

	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !strings.Contains(buf.String(), "oauth.exchange_code") {
		t.Errorf("exported spans do not contain the span name: %s", buf.String())
	}

	// second call is a no-op
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestPrometheusExporter_RegistersCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	inst, err := New(Config{
		Enabled:              true,
		MetricsExporter:      ExporterPrometheus,
		PrometheusRegisterer: reg,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	inst.Metrics().RecordTokenIssued(context.Background(), "authorization_code")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "oauth_token_issued") {
			found = true
		}
	}
	if !found {
		t.Error("oauth.token.issued not exposed through the prometheus registry")
	}
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	inst, err := New(Config{Enabled: true, MetricReader: reader})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 2 },
		func() int64 { return 3 },
		nil,
		func() int64 { return 5 },
	)
	if err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}

	if got := gaugeValue(t, reader, "storage.clients.count"); got != 2 {
		t.Errorf("storage.clients.count = %d, want 2", got)
	}
	if got := gaugeValue(t, reader, "storage.tokens.count"); got != 5 {
		t.Errorf("storage.tokens.count = %d, want 5", got)
	}
}

func TestInstrumentation_ConcurrentAccess(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, span := inst.Tracer("server").Start(context.Background(), "concurrent")
			inst.Metrics().RecordTokenIssued(ctx, "refresh_token")
			span.End()
		}()
	}
	wg.Wait()
}

func BenchmarkMetrics_RecordHTTPRequest(b *testing.B) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	m := inst.Metrics()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordHTTPRequest(ctx, "POST", "/oauth/token", 200, 1.5)
	}
}

func BenchmarkMetrics_RecordHTTPRequest_NoOp(b *testing.B) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	m := inst.Metrics()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordHTTPRequest(ctx, "POST", "/oauth/token", 200, 1.5)
	}
}
