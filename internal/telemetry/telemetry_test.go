package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/fleetflow/config"
)

// restoreGlobals keeps tests from leaking global providers.
func restoreGlobals(t *testing.T) {
	t.Helper()
	tp, mp := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func TestInit_Disabled(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(context.Background(), config.TelemetryConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.Tracer("fleetflow/test"))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_Enabled(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(context.Background(), config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "fleetflow-test",
		SampleRate:   1,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.True(t, p.Enabled())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	_, tpIsSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, mpIsSDK := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, tpIsSDK)
	assert.True(t, mpIsSDK)
}

func TestProviders_NilSafe(t *testing.T) {
	var p *Providers
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.NotNil(t, p.Tracer("x"))
}

func TestSampler_RespectsParent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(Sampler(0)), sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	tracer := tp.Tracer("test")

	_, root := tracer.Start(context.Background(), "fleet.execute")
	root.End()
	assert.Empty(t, recorder.Ended(), "rate 0 drops new traces")

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), parent)
	_, child := tracer.Start(ctx, "workflow.step")
	child.End()
	require.Len(t, recorder.Ended(), 1, "sampled parents are kept")
	assert.Equal(t, parent.TraceID(), recorder.Ended()[0].SpanContext().TraceID())
}

func TestBuildVersion(t *testing.T) {
	assert.Equal(t, "dev", buildVersion())
}
