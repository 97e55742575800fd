package listener_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ambleapp/amble/internal/listener"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errSubscribeFailed = errors.New("subscribe failed")

func setupRegistry(t *testing.T) *listener.Registry {
	t.Helper()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	return listener.New(logger)
}

// capture returns a subscribe func that records the context it was
// started with.
func capture(ctxs *[]context.Context) listener.SubscribeFunc {
	return func(ctx context.Context) error {
		*ctxs = append(*ctxs, ctx)
		return nil
	}
}

func TestRegisterReplacesPrior(t *testing.T) {
	t.Parallel()
	registry := setupRegistry(t)

	ctx := t.Context()

	var ctxs []context.Context

	err := registry.Register(ctx, listener.StoreBroadcast, "locations/user1", capture(&ctxs))
	require.NoError(t, err)
	require.Len(t, ctxs, 1)
	assert.Equal(t, 1, registry.Len())

	// Registering the same key again cancels the first subscription
	err = registry.Register(ctx, listener.StoreBroadcast, "locations/user1", capture(&ctxs))
	require.NoError(t, err)
	require.Len(t, ctxs, 2)
	assert.Equal(t, 1, registry.Len())

	assert.Error(t, ctxs[0].Err())
	assert.NoError(t, ctxs[1].Err())
}

func TestRegisterDistinctKeys(t *testing.T) {
	t.Parallel()
	registry := setupRegistry(t)

	ctx := t.Context()

	var ctxs []context.Context

	// The same path under different stores occupies two slots
	require.NoError(t, registry.Register(ctx, listener.StoreBroadcast, "users/user1", capture(&ctxs)))
	require.NoError(t, registry.Register(ctx, listener.StoreEntity, "users/user1", capture(&ctxs)))
	require.NoError(t, registry.Register(ctx, listener.StoreBroadcast, "users/user2", capture(&ctxs)))

	assert.Equal(t, 3, registry.Len())

	for _, subCtx := range ctxs {
		assert.NoError(t, subCtx.Err())
	}
}

func TestRegisterSubscribeError(t *testing.T) {
	t.Parallel()
	registry := setupRegistry(t)

	err := registry.Register(t.Context(), listener.StoreBroadcast, "locations/user1",
		func(context.Context) error { return errSubscribeFailed })
	require.ErrorIs(t, err, errSubscribeFailed)
	assert.Equal(t, 0, registry.Len())
}

func TestUnregister(t *testing.T) {
	t.Parallel()
	registry := setupRegistry(t)

	var ctxs []context.Context

	require.NoError(t, registry.Register(t.Context(), listener.StoreBroadcast, "locations/user1", capture(&ctxs)))

	registry.Unregister(listener.StoreBroadcast, "locations/user1")
	assert.Equal(t, 0, registry.Len())
	assert.Error(t, ctxs[0].Err())

	// Unknown keys are a no-op
	registry.Unregister(listener.StoreBroadcast, "locations/unknown")
}

func TestUnregisterAll(t *testing.T) {
	t.Parallel()
	registry := setupRegistry(t)

	ctx := t.Context()

	var ctxs []context.Context

	require.NoError(t, registry.Register(ctx, listener.StoreBroadcast, "locations/user1", capture(&ctxs)))
	require.NoError(t, registry.Register(ctx, listener.StoreBroadcast, "notifications/user1", capture(&ctxs)))
	require.NoError(t, registry.Register(ctx, listener.StoreEntity, "users/user1", capture(&ctxs)))

	registry.UnregisterAll()
	assert.Equal(t, 0, registry.Len())

	for _, subCtx := range ctxs {
		assert.Error(t, subCtx.Err())
	}
}
