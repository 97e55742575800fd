// Package session drives the signed-in lifecycle of the sync daemon.
//
// A sign-in validates the identity token, loads or creates the user,
// starts the broadcast session, and registers the baseline listeners.
// A sign-out tears everything down in the reverse order, unregistering
// listeners before any state clears so a late subscription callback
// never writes on behalf of a stale user.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ambleapp/amble/internal/apperror"
	"github.com/ambleapp/amble/internal/broadcast"
	"github.com/ambleapp/amble/internal/entity"
	"github.com/ambleapp/amble/internal/entity/types"
	"github.com/ambleapp/amble/internal/identity"
	"github.com/ambleapp/amble/internal/listener"
	"github.com/ambleapp/amble/internal/localstate"
	"github.com/ambleapp/amble/internal/presence"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// snapshotKey is the localstate key holding the signed-in user's profile.
const snapshotKey = "current_user"

// profileRefreshInterval is how often the signed-in profile is re-read
// from the entity store to pick up edits from other devices.
const profileRefreshInterval = 5 * time.Minute

var ErrAlreadySignedIn = errors.New("another user is signed in")

// Handlers receive pushed state for the signed-in user. Nil handlers
// are skipped. Callbacks run on background goroutines and must not
// block.
type Handlers struct {
	Requests      func(broadcast.ChildrenSnapshot)
	Notifications func(broadcast.ChildrenSnapshot)
	Profile       func(*types.User)
	Connected     func(bool)
}

// Active is the state of one signed-in user.
type Active struct {
	UserID   string
	User     *types.User
	Session  *broadcast.Session
	Presence *presence.Tracker
}

// Manager owns the sign-in and sign-out sequences.
type Manager struct {
	identity    *identity.Provider
	db          entity.Client
	broadcast   *broadcast.Store
	bookkeeping rueidis.Client
	registry    *listener.Registry
	snapshots   *localstate.Store
	handlers    Handlers
	heartbeat   time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	current *Active
}

// NewManager creates a new Manager.
func NewManager(
	provider *identity.Provider, db entity.Client, bc *broadcast.Store,
	bookkeeping rueidis.Client, registry *listener.Registry, snapshots *localstate.Store,
	handlers Handlers, heartbeat time.Duration, logger *zap.Logger,
) *Manager {
	return &Manager{
		identity:    provider,
		db:          db,
		broadcast:   bc,
		bookkeeping: bookkeeping,
		registry:    registry,
		snapshots:   snapshots,
		handlers:    handlers,
		heartbeat:   heartbeat,
		logger:      logger.Named("session"),
	}
}

// Active returns the signed-in state, or false when signed out.
func (m *Manager) Active() (*Active, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current, m.current != nil
}

// SignIn validates the token and brings the user online. Signing in
// again as the same user is a no-op; a different user must sign out
// first. Users authenticating for the first time are created.
func (m *Manager) SignIn(ctx context.Context, token string) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID, err := m.identity.Verify(token)
	if err != nil {
		return nil, err
	}

	if m.current != nil {
		if m.current.UserID == userID {
			return m.current.User, nil
		}

		return nil, fmt.Errorf("%w: %s", ErrAlreadySignedIn, m.current.UserID)
	}

	user, err := m.loadOrCreateUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	m.saveSnapshot(user)

	bsession := broadcast.NewSession(m.broadcast, m.bookkeeping, m.heartbeat, m.logger)
	if err := bsession.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	tracker := presence.NewTracker(
		userID, user.SharingLocation, m.db, m.broadcast, bsession, m.registry, m.logger)

	active := &Active{
		UserID:   userID,
		User:     user,
		Session:  bsession,
		Presence: tracker,
	}

	unwind := func() {
		m.registry.UnregisterAll()

		if closeErr := bsession.Close(ctx); closeErr != nil {
			m.logger.Warn("Failed to close session during sign-in unwind", zap.Error(closeErr))
		}
	}

	if err := m.registerBaseline(ctx, active); err != nil {
		unwind()
		return nil, err
	}

	// Re-validated here so a token that expired mid-setup never lands.
	if _, err := m.identity.SignIn(token); err != nil {
		unwind()
		return nil, err
	}

	m.current = active
	m.logger.Info("Session established", zap.String("user_id", userID))

	return user, nil
}

// SignOut brings the current user offline. Listeners unregister first,
// then presence and the broadcast session shut down, then local state
// clears. Signing out while signed out is a no-op.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}

	active := m.current

	m.registry.UnregisterAll()

	m.persistLastPosition(ctx, active)

	if err := active.Presence.Stop(ctx); err != nil {
		m.logger.Warn("Failed to stop presence",
			zap.String("user_id", active.UserID),
			zap.Error(err))
	}

	if err := active.Session.Close(ctx); err != nil {
		m.logger.Warn("Failed to close session",
			zap.String("user_id", active.UserID),
			zap.Error(err))
	}

	if err := m.snapshots.Delete(snapshotKey); err != nil {
		m.logger.Warn("Failed to clear snapshot",
			zap.String("user_id", active.UserID),
			zap.Error(err))
	}

	m.identity.SignOut()
	m.current = nil

	m.logger.Info("Session ended", zap.String("user_id", active.UserID))

	return nil
}

// Restore returns the last signed-in user's snapshot without touching
// the network. The snapshot is advisory: callers treat it as possibly
// stale until a sign-in revalidates against the entity store.
func (m *Manager) Restore() (*types.User, error) {
	user, err := localstate.GetJSON[types.User](m.snapshots, snapshotKey)
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// SetSharingLocation persists the sharing flag and applies it to the
// live presence tracker.
func (m *Manager) SetSharingLocation(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return fmt.Errorf("%w: no session", apperror.ErrPermissionDenied)
	}

	active := m.current
	if active.User.SharingLocation == enabled {
		return nil
	}

	active.User.SharingLocation = enabled
	if err := m.db.Users().Put(ctx, active.User); err != nil {
		active.User.SharingLocation = !enabled
		return err
	}

	m.saveSnapshot(active.User)

	return active.Presence.SetSharing(ctx, enabled)
}

// loadOrCreateUser fetches the user's profile, creating it on first
// authentication.
func (m *Manager) loadOrCreateUser(ctx context.Context, userID string) (*types.User, error) {
	user, err := m.db.Users().Get(ctx, userID)
	if err == nil {
		return user, nil
	}

	if !errors.Is(err, apperror.ErrNotFound) {
		return nil, err
	}

	user = types.NewUser(userID, time.Now())
	if err := m.db.Users().Put(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	m.logger.Info("Created user on first sign-in", zap.String("user_id", userID))

	return user, nil
}

// registerBaseline installs the listeners every session runs with: the
// user's own friend requests, their notifications, a profile refresher,
// and the connectivity watch.
func (m *Manager) registerBaseline(ctx context.Context, active *Active) error {
	userID := active.UserID

	requestsPath := broadcast.UserFriendRequests(userID)
	err := m.registry.Register(ctx, listener.StoreBroadcast, requestsPath, func(ctx context.Context) error {
		return m.watchChildren(ctx, requestsPath, m.handlers.Requests)
	})
	if err != nil {
		return fmt.Errorf("failed to watch friend requests: %w", err)
	}

	notificationsPath := broadcast.UserNotifications(userID)
	err = m.registry.Register(ctx, listener.StoreBroadcast, notificationsPath, func(ctx context.Context) error {
		return m.watchChildren(ctx, notificationsPath, m.handlers.Notifications)
	})
	if err != nil {
		return fmt.Errorf("failed to watch notifications: %w", err)
	}

	profilePath := "users/" + userID
	err = m.registry.Register(ctx, listener.StoreEntity, profilePath, func(ctx context.Context) error {
		go m.refreshProfileLoop(ctx, active)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to watch profile: %w", err)
	}

	// The connectivity watch rides the broadcast session: its channel
	// closes when the session does, so no registry entry is needed.
	go func() {
		for online := range active.Session.Watch(ctx) {
			if m.handlers.Connected != nil {
				m.handlers.Connected(online)
			}
		}
	}()

	return nil
}

// watchChildren relays children snapshots for one parent to a handler.
func (m *Manager) watchChildren(
	ctx context.Context, parent string, handler func(broadcast.ChildrenSnapshot),
) error {
	snapshots, err := m.broadcast.SubscribeChildren(ctx, parent)
	if err != nil {
		return err
	}

	go func() {
		for snapshot := range snapshots {
			if handler != nil {
				handler(snapshot)
			}
		}
	}()

	return nil
}

// refreshProfileLoop re-reads the signed-in profile on an interval so
// edits from other devices reach this one. The snapshot and the
// presence sharing flag follow the refreshed profile.
func (m *Manager) refreshProfileLoop(ctx context.Context, active *Active) {
	ticker := time.NewTicker(profileRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			user, err := m.db.Users().Get(ctx, active.UserID)
			if err != nil {
				m.logger.Debug("Profile refresh failed",
					zap.String("user_id", active.UserID),
					zap.Error(err))

				continue
			}

			if !user.UpdatedAt.After(active.User.UpdatedAt) {
				continue
			}

			m.mu.Lock()
			if m.current == active {
				active.User = user
			}
			m.mu.Unlock()

			m.saveSnapshot(user)

			if err := active.Presence.SetSharing(ctx, user.SharingLocation); err != nil {
				m.logger.Warn("Failed to apply sharing flag",
					zap.String("user_id", active.UserID),
					zap.Error(err))
			}

			if m.handlers.Profile != nil {
				m.handlers.Profile(user)
			}
		}
	}
}

// persistLastPosition writes the final published position to the
// user's profile so friends see a last known location while offline.
func (m *Manager) persistLastPosition(ctx context.Context, active *Active) {
	last := active.Presence.LastPosition()
	if last == nil {
		return
	}

	active.User.LastLocation = last
	if err := m.db.Users().Put(ctx, active.User); err != nil {
		m.logger.Warn("Failed to persist last position",
			zap.String("user_id", active.UserID),
			zap.Error(err))
	}
}

// saveSnapshot stores the advisory profile snapshot, logging failures.
func (m *Manager) saveSnapshot(user *types.User) {
	if err := localstate.PutJSON(m.snapshots, snapshotKey, user, time.Now().Unix()); err != nil {
		m.logger.Warn("Failed to save snapshot",
			zap.String("user_id", user.ID),
			zap.Error(err))
	}
}
