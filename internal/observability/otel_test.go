package observability

import (
	"context"
	"errors"
	"testing"

	"request-portal/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func preserveGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	prop := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func enabled() config.OTELConfig {
	return config.OTELConfig{Enabled: true, Insecure: true, Endpoint: "localhost:4317", ServiceName: "request-portal", SampleRatio: 1}
}

func TestSetupOTel_DisabledIsNoop(t *testing.T) {
	preserveGlobals(t)
	before := otel.GetTracerProvider()

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{}, "dev")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestSetupOTel_InstallsProvider(t *testing.T) {
	preserveGlobals(t)
	for _, insecure := range []bool{true, false} {
		cfg := enabled()
		cfg.Insecure = insecure
		shutdown, err := SetupOTel(context.Background(), cfg, "1.0.0")
		require.NoError(t, err)

		_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
		assert.True(t, ok)
		_, span := otel.Tracer("test").Start(context.Background(), "span")
		span.End()
		_ = shutdown(context.Background())
	}
}

func TestSetupOTel_ErrorsLeaveGlobalsAlone(t *testing.T) {
	preserveGlobals(t)
	origExp, origRes := newExporter, newResource
	t.Cleanup(func() { newExporter, newResource = origExp, origRes })

	before := otel.GetTracerProvider()

	newExporter = func(context.Context, otlptrace.Client) (*otlptrace.Exporter, error) {
		return nil, errors.New("no exporter")
	}
	_, err := SetupOTel(context.Background(), enabled(), "1.0.0")
	assert.ErrorContains(t, err, "no exporter")
	assert.Equal(t, before, otel.GetTracerProvider())

	newExporter = origExp
	newResource = func(context.Context, string, string) (*resource.Resource, error) {
		return nil, errors.New("no resource")
	}
	_, err = SetupOTel(context.Background(), enabled(), "1.0.0")
	assert.ErrorContains(t, err, "no resource")
	assert.Equal(t, before, otel.GetTracerProvider())
}
