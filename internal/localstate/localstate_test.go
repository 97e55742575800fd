package localstate_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ambleapp/amble/internal/apperror"
	"github.com/ambleapp/amble/internal/entity/types"
	"github.com/ambleapp/amble/internal/localstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupStore(t *testing.T) (*localstate.Store, string) {
	t.Helper()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "state", "snapshots.db")

	store, err := localstate.Open(path, logger)
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })

	return store, path
}

func TestPutAndGet(t *testing.T) {
	t.Parallel()
	store, _ := setupStore(t)

	require.NoError(t, store.Put("greeting", []byte(`"hello"`), time.Now().Unix()))

	value, err := store.Get("greeting")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"hello"`), value)
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	store, _ := setupStore(t)

	_, err := store.Get("absent")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestPutOverwrites(t *testing.T) {
	t.Parallel()
	store, _ := setupStore(t)

	require.NoError(t, store.Put("key", []byte("one"), 1))
	require.NoError(t, store.Put("key", []byte("two"), 2))

	value, err := store.Get("key")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), value)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	store, _ := setupStore(t)

	require.NoError(t, store.Put("key", []byte("value"), 1))
	require.NoError(t, store.Delete("key"))

	_, err := store.Get("key")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	// Deleting an absent key is a no-op
	require.NoError(t, store.Delete("key"))
}

func TestClear(t *testing.T) {
	t.Parallel()
	store, _ := setupStore(t)

	require.NoError(t, store.Put("a", []byte("1"), 1))
	require.NoError(t, store.Put("b", []byte("2"), 1))
	require.NoError(t, store.Clear())

	_, err := store.Get("a")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = store.Get("b")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()
	store, _ := setupStore(t)

	user := types.NewUser("alice", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	user.FirstName = "Alice"
	user.SharingLocation = true

	require.NoError(t, localstate.PutJSON(store, "current_user", user, time.Now().Unix()))

	restored, err := localstate.GetJSON[*types.User](store, "current_user")
	require.NoError(t, err)
	assert.Equal(t, "alice", restored.ID)
	assert.Equal(t, "Alice", restored.FirstName)
	assert.True(t, restored.SharingLocation)
}

func TestSnapshotsSurviveReopen(t *testing.T) {
	t.Parallel()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "snapshots.db")

	store, err := localstate.Open(path, logger)
	require.NoError(t, err)
	require.NoError(t, store.Put("key", []byte("value"), 1))
	require.NoError(t, store.Close())

	reopened, err := localstate.Open(path, logger)
	require.NoError(t, err)

	defer reopened.Close()

	value, err := reopened.Get("key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), value)
}
