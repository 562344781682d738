package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunRequiresJWTSecret(t *testing.T) {
	t.Setenv("STOREFRONT_JWT_SECRET", "")
	err := run(context.Background())
	require.ErrorContains(t, err, "JWT_SECRET")
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	t.Setenv("STOREFRONT_JWT_SECRET", "test-secret")
	t.Setenv("STOREFRONT_HTTP_ADDR", "127.0.0.1:0")
	t.Setenv("STOREFRONT_METRICS_ADDR", "127.0.0.1:0")
	t.Setenv("STOREFRONT_GRPC_ADDR", "127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, run(ctx), context.Canceled)
}
