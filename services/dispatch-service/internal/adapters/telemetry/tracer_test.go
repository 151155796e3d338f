package telemetry

import (
	"context"
	"testing"

	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestDisabledProvider(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false}, logger.NewNopLogger())
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Equal(t, sdktrace.TraceIDRatioBased(0.25).Description(), sampler(0.25).Description())
}
