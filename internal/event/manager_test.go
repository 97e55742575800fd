package event_test

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
	"github.com/ambleapp/amble/internal/entity/types/enum"
	"github.com/ambleapp/amble/internal/event"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

type testEnv struct {
	manager *event.Manager
	db      entity.Client
	store   *broadcast.Store
}

func setupManager(t *testing.T) *testEnv {
	t.Helper()

	// Broadcast store on miniredis
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:       []string{mr.Addr()},
		DisableCache:      true,
		ForceSingleClient: true,
	})
	require.NoError(t, err)

	logger, err := zap.NewDevelopment()
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

	t.Cleanup(func() {
		db.Close()
		client.Close()
		mr.Close()
	})

	return &testEnv{
		manager: event.NewManager(db, store, logger),
		db:      db,
		store:   store,
	}
}

func (e *testEnv) putUser(t *testing.T, id string) {
	t.Helper()

	user := types.NewUser(id, time.Now().UTC())
	user.Username = id
	require.NoError(t, e.db.Users().Put(t.Context(), user))
}

func (e *testEnv) createEvent(t *testing.T, hostID string) *types.Event {
	t.Helper()

	created, err := e.manager.Create(t.Context(), hostID, event.CreateParams{
		Title:      "Morning walk",
		Location:   types.GeoPoint{Latitude: 37.77, Longitude: -122.41},
		StartsAt:   time.Now().UTC().Add(24 * time.Hour),
		Type:       enum.EventTypeWalk,
		Visibility: enum.EventVisibilityPublic,
	})
	require.NoError(t, err)

	return created
}

func TestCreate(t *testing.T) {
	t.Parallel()
	env := setupManager(t)
	env.putUser(t, "alice")

	ctx := t.Context()
	created := env.createEvent(t, "alice")

	require.NotEmpty(t, created.ID)
	assert.Equal(t, enum.EventStatusUpcoming, created.Status)
	assert.Empty(t, created.AttendeeIDs)

	// The event persisted and landed in the host's created list
	stored, err := env.db.Events().Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.HostID)

	alice, err := env.db.Users().Get(ctx, "alice")
	require.NoError(t, err)
	assert.Contains(t, alice.CreatedEventIDs, created.ID)
}

func TestCreateUnknownHost(t *testing.T) {
	t.Parallel()
	env := setupManager(t)

	_, err := env.manager.Create(t.Context(), "ghost", event.CreateParams{Title: "Walk"})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestInvite(t *testing.T) {
	t.Parallel()
	env := setupManager(t)
	env.putUser(t, "alice")
	env.putUser(t, "bob")
	env.putUser(t, "carol")

	ctx := t.Context()
	created := env.createEvent(t, "alice")

	// The host's own entry is skipped
	require.NoError(t, env.manager.Invite(ctx, "alice", created.ID, []string{"bob", "carol", "alice"}))

	for _, invitee := range []string{"bob", "carol"} {
		children, err := env.store.List(ctx, broadcast.UserNotifications(invitee))
		require.NoError(t, err)
		require.Len(t, children.Children, 1, "invitee %s", invitee)

		for _, data := range children.Children {
			var notification broadcast.Notification
			require.NoError(t, broadcast.Decode(data, &notification))
			assert.Equal(t, broadcast.NotificationTypeEventInvite, notification.Type)
			assert.Equal(t, created.ID, notification.EventID)
			assert.Contains(t, notification.Message, "Morning walk")
		}
	}

	children, err := env.store.List(ctx, broadcast.UserNotifications("alice"))
	require.NoError(t, err)
	assert.Empty(t, children.Children)
}

func TestInviteNonHost(t *testing.T) {
	t.Parallel()
	env := setupManager(t)
	env.putUser(t, "alice")
	env.putUser(t, "bob")

	created := env.createEvent(t, "alice")

	err := env.manager.Invite(t.Context(), "bob", created.ID, []string{"carol"})
	assert.ErrorIs(t, err, apperror.ErrPermissionDenied)
}

func TestJoinAndLeave(t *testing.T) {
	t.Parallel()
	env := setupManager(t)
	env.putUser(t, "alice")
	env.putUser(t, "bob")

	ctx := t.Context()
	created := env.createEvent(t, "alice")

	require.NoError(t, env.manager.Join(ctx, "bob", created.ID))

	// Membership changed on both sides
	stored, err := env.db.Events().Get(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, stored.HasAttendee("bob"))

	bob, err := env.db.Users().Get(ctx, "bob")
	require.NoError(t, err)
	assert.Contains(t, bob.AttendingEventIDs, created.ID)

	// Rejoining is a no-op
	require.NoError(t, env.manager.Join(ctx, "bob", created.ID))

	stored, err = env.db.Events().Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, stored.AttendeeIDs)

	require.NoError(t, env.manager.Leave(ctx, "bob", created.ID))

	stored, err = env.db.Events().Get(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, stored.HasAttendee("bob"))

	bob, err = env.db.Users().Get(ctx, "bob")
	require.NoError(t, err)
	assert.NotContains(t, bob.AttendingEventIDs, created.ID)
}

func TestJoinAsHost(t *testing.T) {
	t.Parallel()
	env := setupManager(t)
	env.putUser(t, "alice")

	ctx := t.Context()
	created := env.createEvent(t, "alice")

	// The host already attends; joining is a silent no-op
	require.NoError(t, env.manager.Join(ctx, "alice", created.ID))

	stored, err := env.db.Events().Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.AttendeeIDs)
}

func TestJoinClosedEvent(t *testing.T) {
	t.Parallel()
	env := setupManager(t)
	env.putUser(t, "alice")
	env.putUser(t, "bob")

	ctx := t.Context()
	created := env.createEvent(t, "alice")

	created.Status = enum.EventStatusCompleted
	require.NoError(t, env.db.Events().Put(ctx, created))

	err := env.manager.Join(ctx, "bob", created.ID)
	assert.ErrorIs(t, err, apperror.ErrConflict)
}

func TestLeaveAsHost(t *testing.T) {
	t.Parallel()
	env := setupManager(t)
	env.putUser(t, "alice")

	created := env.createEvent(t, "alice")

	err := env.manager.Leave(t.Context(), "alice", created.ID)
	assert.ErrorIs(t, err, apperror.ErrConflict)
}

func TestCancelNotifiesAttendees(t *testing.T) {
	t.Parallel()
	env := setupManager(t)
	env.putUser(t, "alice")
	env.putUser(t, "bob")
	env.putUser(t, "carol")

	ctx := t.Context()
	created := env.createEvent(t, "alice")

	require.NoError(t, env.manager.Join(ctx, "bob", created.ID))
	require.NoError(t, env.manager.Join(ctx, "carol", created.ID))

	require.NoError(t, env.manager.Cancel(ctx, "alice", created.ID))

	stored, err := env.db.Events().Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, enum.EventStatusCanceled, stored.Status)

	// Every attendee hears about it once
	for _, attendee := range []string{"bob", "carol"} {
		children, err := env.store.List(ctx, broadcast.UserNotifications(attendee))
		require.NoError(t, err)
		require.Len(t, children.Children, 1, "attendee %s", attendee)

		for _, data := range children.Children {
			var notification broadcast.Notification
			require.NoError(t, broadcast.Decode(data, &notification))
			assert.Equal(t, broadcast.NotificationTypeEventUpdate, notification.Type)
			assert.Contains(t, notification.Message, "canceled")
		}
	}

	// Canceling again does not fan out a second round
	require.NoError(t, env.manager.Cancel(ctx, "alice", created.ID))

	children, err := env.store.List(ctx, broadcast.UserNotifications("bob"))
	require.NoError(t, err)
	assert.Len(t, children.Children, 1)
}

func TestCancelNonHost(t *testing.T) {
	t.Parallel()
	env := setupManager(t)
	env.putUser(t, "alice")
	env.putUser(t, "bob")

	created := env.createEvent(t, "alice")

	err := env.manager.Cancel(t.Context(), "bob", created.ID)
	assert.ErrorIs(t, err, apperror.ErrPermissionDenied)
}
