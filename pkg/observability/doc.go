// Package observability wires OpenTelemetry tracing and metrics for the
// mandate service.
//
// Initialize the provider at startup and shut it down on exit:
//
//	p, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "mandated",
//		OTLPEndpoint: "otel-collector:4317",
//		Enabled:      true,
//	})
//	defer p.Shutdown(ctx)
//
// The provider installs itself as the global tracer and meter provider, so
// registry spans started with otel.Tracer are exported without further
// wiring. p.MandateObserver() records registry events as OTel counters and
// p.HTTPMiddleware traces every request.
package observability
