package broadcast_test

import (
	"testing"
	"time"

	"github.com/ambleapp/amble/internal/broadcast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testHeartbeatTTL = 30 * time.Second

func TestSessionStartWritesHeartbeat(t *testing.T) {
	t.Parallel()
	store, client, mr, cleanup := setupStore(t)
	defer cleanup()

	ctx := t.Context()
	logger, _ := zap.NewDevelopment()

	session := broadcast.NewSession(store, client, testHeartbeatTTL, logger)
	require.NotEmpty(t, session.ID())

	require.NoError(t, session.Start(ctx))
	defer session.Close(ctx) //nolint:errcheck

	// The alive key carries the heartbeat TTL
	aliveKey := "session:alive:" + session.ID()
	assert.True(t, mr.Exists(aliveKey))
	assert.Greater(t, mr.TTL(aliveKey), time.Duration(0))
}

func TestSessionCloseRemovesRegisteredPaths(t *testing.T) {
	t.Parallel()
	store, client, mr, cleanup := setupStore(t)
	defer cleanup()

	ctx := t.Context()
	logger, _ := zap.NewDevelopment()
	path := broadcast.LocationPath("user1")

	session := broadcast.NewSession(store, client, testHeartbeatTTL, logger)
	require.NoError(t, session.Start(ctx))

	require.NoError(t, store.Set(ctx, path, broadcast.Location{Latitude: 1, Longitude: 2}))
	require.NoError(t, session.OnDisconnectRemove(ctx, path))

	require.NoError(t, session.Close(ctx))

	// The registered path is gone along with the bookkeeping keys
	snap, err := store.Read(ctx, path)
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.False(t, mr.Exists("session:alive:"+session.ID()))
	assert.False(t, mr.Exists("session:cleanup:"+session.ID()))

	// Closing again is a no-op
	require.NoError(t, session.Close(ctx))
}

func TestSessionCancelOnDisconnect(t *testing.T) {
	t.Parallel()
	store, client, _, cleanup := setupStore(t)
	defer cleanup()

	ctx := t.Context()
	logger, _ := zap.NewDevelopment()
	path := broadcast.LocationPath("user1")

	session := broadcast.NewSession(store, client, testHeartbeatTTL, logger)
	require.NoError(t, session.Start(ctx))

	require.NoError(t, store.Set(ctx, path, broadcast.Location{Latitude: 1, Longitude: 2}))
	require.NoError(t, session.OnDisconnectRemove(ctx, path))
	require.NoError(t, session.CancelOnDisconnect(ctx, path))

	require.NoError(t, session.Close(ctx))

	// The withdrawn path survives the close
	snap, err := store.Read(ctx, path)
	require.NoError(t, err)
	assert.True(t, snap.Exists)
}

func TestSessionWatchReportsConnectivity(t *testing.T) {
	t.Parallel()
	store, client, _, cleanup := setupStore(t)
	defer cleanup()

	ctx := t.Context()
	logger, _ := zap.NewDevelopment()

	session := broadcast.NewSession(store, client, testHeartbeatTTL, logger)

	// Before Start the session reports offline
	early := session.Watch(ctx)
	select {
	case online := <-early:
		assert.False(t, online)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for initial state")
	}

	require.NoError(t, session.Start(ctx))

	// A fresh watch after Start sees the session online
	ch := session.Watch(ctx)
	select {
	case online := <-ch:
		assert.True(t, online)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for online state")
	}

	require.NoError(t, session.Close(ctx))

	// Close ends the stream, possibly after one final offline value
	deadline := time.After(5 * time.Second)
	for {
		select {
		case online, ok := <-ch:
			if !ok {
				return
			}

			assert.False(t, online)
		case <-deadline:
			t.Fatal("channel did not close after session close")
		}
	}
}
