// Package instrumentation provides OpenTelemetry instrumentation for the authorization server.
//
// Every layer records through the same Instrumentation value:
//   - Metrics: counters and histograms for flows, tokens, rate limits and storage
//   - Traces: spans for HTTP requests, flow operations and storage calls
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "oauth2-server",
//		ServiceVersion:  "1.0.0",
//		Enabled:         true,
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//	store.SetInstrumentation(inst)
//
// With the Prometheus exporter the collector is registered on
// Config.PrometheusRegisterer (prometheus.DefaultRegisterer by default), so
// promhttp.Handler() serves the metrics.
//
// # Traces
//
// TracesExporter "stdout" writes finished spans as JSON to Config.TraceWriter.
// Without an exporter spans are still created so trace context propagates.
//
// # Disabled Mode
//
// When Enabled is false all providers are no-op and recording costs close to nothing.
//
// # Security
//
// Credential values (tokens, codes, secrets) are never recorded. Client IPs are only
// attached to spans when Config.LogClientIPs is set.
package instrumentation
