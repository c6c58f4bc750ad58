package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_NoEndpointDisablesTracing(t *testing.T) {
	cfg := Config{
		Endpoint:    "", // tracing off
		Environment: "test",
		ServiceName: "test-service",
	}

	ctx := context.Background()
	shutdown, err := Setup(ctx, cfg)

	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NoError(t, shutdown(ctx))
}

func TestSetup_WithEndpoint(t *testing.T) {
	cfg := Config{
		Endpoint:    "localhost:4318",
		Environment: "staging",
		ServiceName: "custom-service",
	}

	ctx := context.Background()
	shutdown, err := Setup(ctx, cfg)

	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// No spans were recorded, so the flush has nothing to export and
	// succeeds even without a collector listening.
	assert.NoError(t, shutdown(ctx))
}

func TestSetup_CollectorUnavailable_GracefulDegradation(t *testing.T) {
	// Point to a collector that is not running. Exporter construction is
	// lazy, so setup must still succeed.
	cfg := Config{
		Endpoint:    "localhost:9",
		Environment: "test",
		ServiceName: "graceful-test",
	}

	ctx := context.Background()
	shutdown, err := Setup(ctx, cfg)

	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NoError(t, shutdown(ctx))
}

func TestSetup_EmptyConfig(t *testing.T) {
	ctx := context.Background()
	shutdown, err := Setup(ctx, Config{})

	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NoError(t, shutdown(ctx))
}
