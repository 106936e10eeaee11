package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/trustagent/mandates/pkg/mandate"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "mandated", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.NotNil(t, p.MandateObserver())
}

func TestNewProviderEnabled(t *testing.T) {
	// Exporters connect lazily, so construction succeeds without a collector.
	prevT, prevM := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevT)
		otel.SetMeterProvider(prevM)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Insecure = true
	cfg.OTLPEndpoint = "127.0.0.1:1"
	p, err := New(ctx, cfg)
	require.NoError(t, err)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShutdown()
	require.NoError(t, p.Shutdown(shutdownCtx))
}

func TestNewResource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServiceVersion = "1.2.3"
	cfg.Environment = "production"

	res, err := newResource(cfg)
	require.NoError(t, err)
	require.Equal(t, resource.Default().SchemaURL(), res.SchemaURL())

	attrs := map[attribute.Key]string{}
	for _, kv := range res.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	require.Equal(t, "mandated", attrs[semconv.ServiceNameKey])
	require.Equal(t, "1.2.3", attrs[semconv.ServiceVersionKey])
	require.Equal(t, "production", attrs[semconv.DeploymentEnvironmentKey])
}

func withManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })
	return reader
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestMandateObserver(t *testing.T) {
	reader := withManualReader(t)
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	o := p.MandateObserver()
	o.MandateCreated(mandate.KindCart)
	o.MandateCreated(mandate.KindPayment)
	o.Transitioned(mandate.KindPayment, mandate.EventAutoApprove, mandate.StatusPending, mandate.StatusApproved)
	o.TransitionRejected(mandate.KindPayment, mandate.EventExecute, "integrity")
	o.SweepCompleted("expire", 3, 5*time.Millisecond)

	require.Equal(t, int64(2), sumOf(t, reader, "ap2.mandates.created"))
	require.Equal(t, int64(1), sumOf(t, reader, "ap2.mandates.transitions"))
	require.Equal(t, int64(1), sumOf(t, reader, "ap2.mandates.rejections"))
	require.Equal(t, int64(3), sumOf(t, reader, "ap2.sweep.affected"))
}

func TestHTTPMiddleware(t *testing.T) {
	reader := withManualReader(t)
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(p.HTTPMiddleware)
	r.Post("/api/ap2/mandates/{id}/execute", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") == "down" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	for _, path := range []string{"/api/ap2/mandates/m1/execute", "/api/ap2/mandates/down/execute", "/nowhere"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", path, nil))
	}

	require.Equal(t, int64(3), sumOf(t, reader, "ap2.http.requests"))
	require.Equal(t, int64(1), sumOf(t, reader, "ap2.http.failures"))

	routes := map[string]bool{}
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "ap2.http.requests" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				v, _ := dp.Attributes.Value(semconv.HTTPRouteKey)
				routes[v.AsString()] = true
			}
		}
	}
	require.Equal(t, map[string]bool{"/api/ap2/mandates/{id}/execute": true, "unmatched": true}, routes)
}

func TestShutdownDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}
