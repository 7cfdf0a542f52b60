package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionkit/internal/config"
	"actionkit/internal/registry"
)

func TestComponentDisabledYieldsNoOpTracer(t *testing.T) {
	c := New(config.TracingConfig{Enabled: false}, "actionkit-test", "test")
	ns, err := c.Initialize(context.Background())
	require.NoError(t, err)
	assert.Same(t, c, ns)
	assert.NotNil(t, c.Tracer())

	require.NoError(t, c.Start(context.Background(), registry.ModeServer))
	require.NoError(t, c.Stop(context.Background()))
}

func TestComponentEnabledBuildsStdoutExporter(t *testing.T) {
	c := New(config.TracingConfig{
		Enabled:      true,
		Exporter:     "stdout",
		SamplerRatio: 1.0,
	}, "actionkit-test", "test")

	_, err := c.Initialize(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, c.Tracer())

	require.NoError(t, c.Stop(context.Background()))
}

func TestStartDispatchSpanCarriesAttributes(t *testing.T) {
	c := New(config.TracingConfig{Enabled: false}, "actionkit-test", "test")
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)

	ctx, span := c.StartDispatchSpan(context.Background(), "user:login", "WEB", "POST")
	defer span.End()

	assert.NotNil(t, ctx)
	assert.NotNil(t, span)
	assert.NotNil(t, span.SpanContext())
}

func TestRunModesIncludeServerAndCLI(t *testing.T) {
	c := New(config.TracingConfig{}, "actionkit-test", "test")
	modes := c.RunModes()
	assert.Contains(t, modes, registry.ModeServer)
	assert.Contains(t, modes, registry.ModeCLI)
}
