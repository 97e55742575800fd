// Package presence publishes the signed-in user's live position and
// watches friends' positions.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ambleapp/amble/internal/apperror"
	"github.com/ambleapp/amble/internal/broadcast"
	"github.com/ambleapp/amble/internal/entity"
	"github.com/ambleapp/amble/internal/entity/types"
	"github.com/ambleapp/amble/internal/listener"
	"go.uber.org/zap"
)

// Tracker manages one user's live position. It is created at sign-in
// and stopped at sign-out.
type Tracker struct {
	userID    string
	db        entity.Client
	broadcast *broadcast.Store
	session   *broadcast.Session
	registry  *listener.Registry
	logger    *zap.Logger

	mu         sync.Mutex
	sharing    bool
	registered bool
	last       *types.GeoPoint
}

// NewTracker creates a new Tracker for the given user. The sharing
// flag seeds from the user's profile and follows SetSharing afterwards.
func NewTracker(
	userID string, sharing bool, db entity.Client, bc *broadcast.Store,
	session *broadcast.Session, registry *listener.Registry, logger *zap.Logger,
) *Tracker {
	return &Tracker{
		userID:    userID,
		db:        db,
		broadcast: bc,
		session:   session,
		registry:  registry,
		logger:    logger.Named("presence"),
		sharing:   sharing,
	}
}

// Publish writes the user's current position to their live location
// path. Publishing while sharing is disabled is a silent no-op. The
// first publish installs the on-disconnect removal rule so a dropped
// connection never leaves a stale position behind.
func (t *Tracker) Publish(ctx context.Context, latitude, longitude float64) error {
	t.mu.Lock()
	sharing, registered := t.sharing, t.registered
	t.mu.Unlock()

	if !sharing {
		return nil
	}

	if !registered {
		if err := t.session.OnDisconnectRemove(ctx, t.path()); err != nil {
			return err
		}

		t.mu.Lock()
		t.registered = true
		t.mu.Unlock()
	}

	record := &broadcast.Location{
		Latitude:  latitude,
		Longitude: longitude,
		UpdatedAt: time.Now(),
	}

	if err := t.broadcast.Set(ctx, t.path(), record); err != nil {
		return fmt.Errorf("failed to publish location: %w", err)
	}

	t.mu.Lock()
	t.last = &types.GeoPoint{Latitude: latitude, Longitude: longitude}
	t.mu.Unlock()

	return nil
}

// LastPosition returns the most recently published position, nil when
// nothing was published this session.
func (t *Tracker) LastPosition() *types.GeoPoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.last
}

// SetSharing toggles position sharing. Disabling removes any live
// position immediately.
func (t *Tracker) SetSharing(ctx context.Context, enabled bool) error {
	t.mu.Lock()
	if t.sharing == enabled {
		t.mu.Unlock()
		return nil
	}

	t.sharing = enabled
	t.mu.Unlock()

	t.logger.Debug("Sharing toggled",
		zap.String("user_id", t.userID),
		zap.Bool("enabled", enabled))

	if enabled {
		return nil
	}

	if err := t.broadcast.Delete(ctx, t.path()); err != nil {
		return fmt.Errorf("failed to remove location: %w", err)
	}

	return nil
}

// Stop removes the live position and cancels the disconnect rule.
// Called at sign-out after listeners are unregistered.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	registered := t.registered
	t.registered = false
	t.mu.Unlock()

	if err := t.broadcast.Delete(ctx, t.path()); err != nil {
		return fmt.Errorf("failed to remove location: %w", err)
	}

	if registered {
		if err := t.session.CancelOnDisconnect(ctx, t.path()); err != nil {
			return fmt.Errorf("failed to cancel disconnect rule: %w", err)
		}
	}

	return nil
}

// WatchFriend streams a friend's live position through the registry,
// replacing any previous watch for the same friend. Watching a user
// who is not a friend is rejected.
func (t *Tracker) WatchFriend(ctx context.Context, friendID string, deliver func(broadcast.Snapshot)) error {
	user, err := t.db.Users().Get(ctx, t.userID)
	if err != nil {
		return err
	}

	if !user.HasFriend(friendID) {
		return fmt.Errorf("%w: %s is not a friend", apperror.ErrPermissionDenied, friendID)
	}

	path := broadcast.LocationPath(friendID)

	return t.registry.Register(ctx, listener.StoreBroadcast, path, func(ctx context.Context) error {
		snapshots, err := t.broadcast.Subscribe(ctx, path)
		if err != nil {
			return err
		}

		go func() {
			for snapshot := range snapshots {
				deliver(snapshot)
			}
		}()

		return nil
	})
}

// UnwatchFriend cancels the position watch for one friend.
func (t *Tracker) UnwatchFriend(friendID string) {
	t.registry.Unregister(listener.StoreBroadcast, broadcast.LocationPath(friendID))
}

func (t *Tracker) path() string {
	return broadcast.LocationPath(t.userID)
}
