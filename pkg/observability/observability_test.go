package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "helm-instructions", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	_, done := p.TrackDispatch(context.Background(), "list")
	done("", "")
	require.NoError(t, p.Shutdown(context.Background()))
}

func sums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += int64(dp.Count)
				}
			}
		}
	}
	return out
}

func TestTrackDispatch(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	p, err := NewWithProviders(tp, mp)
	require.NoError(t, err)

	_, done := p.TrackDispatch(context.Background(), "get")
	done("", "")
	_, done = p.TrackDispatch(context.Background(), "add")
	done("gate_blocked", "mutation_not_confirmed")

	got := sums(t, reader)
	assert.Equal(t, int64(2), got[MetricRequests])
	assert.Equal(t, int64(1), got[MetricErrors])
	assert.Equal(t, int64(2), got[MetricDuration])

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "instructions.dispatch add", spans[1].Name())
	attrs := map[string]string{}
	for _, kv := range spans[1].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "add", attrs["action"])
	assert.Equal(t, "gate_blocked", attrs["error.class"])
	assert.Equal(t, "mutation_not_confirmed", attrs["error.code"])
}
