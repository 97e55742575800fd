package session_test

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ambleapp/amble/internal/apperror"
	"github.com/ambleapp/amble/internal/broadcast"
	"github.com/ambleapp/amble/internal/entity"
	"github.com/ambleapp/amble/internal/entity/types"
	"github.com/ambleapp/amble/internal/identity"
	"github.com/ambleapp/amble/internal/listener"
	"github.com/ambleapp/amble/internal/localstate"
	"github.com/ambleapp/amble/internal/session"
	"github.com/ambleapp/amble/internal/setup/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const testSecret = "test-secret-at-least-16-bytes"

type testEnv struct {
	manager   *session.Manager
	identity  *identity.Provider
	registry  *listener.Registry
	snapshots *localstate.Store
	db        entity.Client
	store     *broadcast.Store
}

func setupManager(t *testing.T, handlers session.Handlers) *testEnv {
	t.Helper()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	// Broadcast store and session bookkeeping on miniredis
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:       []string{mr.Addr()},
		DisableCache:      true,
		ForceSingleClient: true,
	})
	require.NoError(t, err)

	store := broadcast.NewStore(client, logger)

	// Entity store on SQLite
	sqldb, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "entity.db"))
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	bdb := bun.NewDB(sqldb, sqlitedialect.New())
	db := entity.NewClient(bdb, nil, logger)

	ctx := t.Context()
	for _, model := range []any{(*types.User)(nil), (*types.Event)(nil)} {
		_, err = bdb.NewCreateTable().Model(model).IfNotExists().Exec(ctx)
		require.NoError(t, err)
	}

	snapshots, err := localstate.Open(filepath.Join(t.TempDir(), "snapshots.db"), logger)
	require.NoError(t, err)

	provider, err := identity.NewProvider(&config.Identity{Secret: testSecret}, logger)
	require.NoError(t, err)

	registry := listener.New(logger)

	t.Cleanup(func() {
		snapshots.Close()
		db.Close()
		client.Close()
		mr.Close()
	})

	return &testEnv{
		manager: session.NewManager(
			provider, db, store, client, registry, snapshots,
			handlers, 3*time.Second, logger),
		identity:  provider,
		registry:  registry,
		snapshots: snapshots,
		db:        db,
		store:     store,
	}
}

// mintToken signs a token the way the account backend does.
func mintToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	return token
}

func TestSignInCreatesUserOnFirstAuth(t *testing.T) {
	t.Parallel()
	env := setupManager(t, session.Handlers{})

	ctx := t.Context()

	user, err := env.manager.SignIn(ctx, mintToken(t, "alice"))
	require.NoError(t, err)
	assert.Equal(t, "alice", user.ID)
	assert.Empty(t, user.FriendIDs)

	// The profile landed in the entity store
	stored, err := env.db.Users().Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.ID)

	// The identity, the baseline listeners, and the advisory snapshot
	// all follow the session
	assert.Equal(t, "alice", env.identity.Current())
	assert.Equal(t, 3, env.registry.Len())

	restored, err := env.manager.Restore()
	require.NoError(t, err)
	assert.Equal(t, "alice", restored.ID)

	active, ok := env.manager.Active()
	require.True(t, ok)
	assert.Equal(t, "alice", active.UserID)
}

func TestSignInLoadsExistingUser(t *testing.T) {
	t.Parallel()
	env := setupManager(t, session.Handlers{})

	ctx := t.Context()

	existing := types.NewUser("alice", time.Now().UTC())
	existing.FirstName = "Alice"
	existing.AddFriend("bob")
	require.NoError(t, env.db.Users().Put(ctx, existing))

	user, err := env.manager.SignIn(ctx, mintToken(t, "alice"))
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.FirstName)
	assert.True(t, user.HasFriend("bob"))
}

func TestSignInSameUserTwice(t *testing.T) {
	t.Parallel()
	env := setupManager(t, session.Handlers{})

	ctx := t.Context()
	token := mintToken(t, "alice")

	first, err := env.manager.SignIn(ctx, token)
	require.NoError(t, err)

	// Re-signing the same user returns the live state without
	// rebuilding the session
	second, err := env.manager.SignIn(ctx, token)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 3, env.registry.Len())
}

func TestSignInWhileAnotherUserActive(t *testing.T) {
	t.Parallel()
	env := setupManager(t, session.Handlers{})

	ctx := t.Context()

	_, err := env.manager.SignIn(ctx, mintToken(t, "alice"))
	require.NoError(t, err)

	_, err = env.manager.SignIn(ctx, mintToken(t, "bob"))
	assert.ErrorIs(t, err, session.ErrAlreadySignedIn)
	assert.Equal(t, "alice", env.identity.Current())
}

func TestSignInRejectsBadToken(t *testing.T) {
	t.Parallel()
	env := setupManager(t, session.Handlers{})

	_, err := env.manager.SignIn(t.Context(), "not-a-token")
	assert.ErrorIs(t, err, apperror.ErrPermissionDenied)

	_, ok := env.manager.Active()
	assert.False(t, ok)
	assert.Zero(t, env.registry.Len())
}

func TestSignOutTearsDownInOrder(t *testing.T) {
	t.Parallel()
	env := setupManager(t, session.Handlers{})

	ctx := t.Context()

	_, err := env.manager.SignIn(ctx, mintToken(t, "alice"))
	require.NoError(t, err)

	require.NoError(t, env.manager.SignOut(ctx))

	// Listeners, identity, and the snapshot are all gone
	assert.Zero(t, env.registry.Len())
	assert.Empty(t, env.identity.Current())

	_, err = env.manager.Restore()
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, ok := env.manager.Active()
	assert.False(t, ok)

	// Signing out while signed out is a no-op
	require.NoError(t, env.manager.SignOut(ctx))
}

func TestSignOutPersistsLastPosition(t *testing.T) {
	t.Parallel()
	env := setupManager(t, session.Handlers{})

	ctx := t.Context()

	sharing := types.NewUser("alice", time.Now().UTC())
	sharing.SharingLocation = true
	require.NoError(t, env.db.Users().Put(ctx, sharing))

	_, err := env.manager.SignIn(ctx, mintToken(t, "alice"))
	require.NoError(t, err)

	active, ok := env.manager.Active()
	require.True(t, ok)
	require.NoError(t, active.Presence.Publish(ctx, 40.7, -74.0))

	require.NoError(t, env.manager.SignOut(ctx))

	// The live position is gone but the profile keeps the last fix
	snap, err := env.store.Read(ctx, broadcast.LocationPath("alice"))
	require.NoError(t, err)
	assert.False(t, snap.Exists)

	user, err := env.db.Users().Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, user.LastLocation)
	assert.InDelta(t, 40.7, user.LastLocation.Latitude, 0.0001)
	assert.InDelta(t, -74.0, user.LastLocation.Longitude, 0.0001)
}

func TestBaselineListenersDeliver(t *testing.T) {
	t.Parallel()

	requests := make(chan broadcast.ChildrenSnapshot, 8)
	env := setupManager(t, session.Handlers{
		Requests: func(snap broadcast.ChildrenSnapshot) { requests <- snap },
	})

	ctx := t.Context()

	_, err := env.manager.SignIn(ctx, mintToken(t, "alice"))
	require.NoError(t, err)

	// The attach snapshot arrives first and is empty
	select {
	case snap := <-requests:
		assert.Empty(t, snap.Children)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for attach snapshot")
	}

	request := &broadcast.FriendRequest{
		ID:        "r1",
		SenderID:  "bob",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, env.store.Set(ctx, broadcast.FriendRequestPath("alice", "r1"), request))

	select {
	case snap := <-requests:
		assert.Contains(t, snap.Children, "r1")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change snapshot")
	}
}

func TestSetSharingLocation(t *testing.T) {
	t.Parallel()
	env := setupManager(t, session.Handlers{})

	ctx := t.Context()

	// Toggling with no session is rejected
	err := env.manager.SetSharingLocation(ctx, true)
	assert.ErrorIs(t, err, apperror.ErrPermissionDenied)

	_, err = env.manager.SignIn(ctx, mintToken(t, "alice"))
	require.NoError(t, err)

	require.NoError(t, env.manager.SetSharingLocation(ctx, true))

	user, err := env.db.Users().Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, user.SharingLocation)

	// The live tracker follows the flag
	active, ok := env.manager.Active()
	require.True(t, ok)
	require.NoError(t, active.Presence.Publish(ctx, 40.7, -74.0))

	snap, err := env.store.Read(ctx, broadcast.LocationPath("alice"))
	require.NoError(t, err)
	assert.True(t, snap.Exists)

	// Disabling removes the live position immediately
	require.NoError(t, env.manager.SetSharingLocation(ctx, false))

	snap, err = env.store.Read(ctx, broadcast.LocationPath("alice"))
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}
