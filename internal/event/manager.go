// Package event implements outing membership on top of the entity store.
//
// Membership is authoritative in the entity store: the event's attendee
// list and each user's attending list always change together in one
// transaction. Invites and cancellations fan out as ephemeral
// notifications over the broadcast store.
package event

import (
	"context"
	"fmt"
	"time"

	"github.com/ambleapp/amble/internal/apperror"
	"github.com/ambleapp/amble/internal/broadcast"
	"github.com/ambleapp/amble/internal/entity"
	"github.com/ambleapp/amble/internal/entity/types"
	"github.com/ambleapp/amble/internal/entity/types/enum"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager coordinates event membership across both stores.
type Manager struct {
	db        entity.Client
	broadcast *broadcast.Store
	logger    *zap.Logger
}

// NewManager creates a new Manager.
func NewManager(db entity.Client, bc *broadcast.Store, logger *zap.Logger) *Manager {
	return &Manager{
		db:        db,
		broadcast: bc,
		logger:    logger.Named("event"),
	}
}

// CreateParams are the host-supplied fields for a new event.
type CreateParams struct {
	Title       string
	Description string
	Location    types.GeoPoint
	StartsAt    time.Time
	Type        enum.EventType
	Visibility  enum.EventVisibility
	Tags        []string
}

// Create persists a new event and records it in the host's created
// list. The host attends implicitly and is never an attendee entry.
func (m *Manager) Create(ctx context.Context, hostID string, params CreateParams) (*types.Event, error) {
	now := time.Now()
	event := &types.Event{
		ID:          uuid.New().String(),
		Title:       params.Title,
		Description: params.Description,
		Location:    params.Location,
		StartsAt:    params.StartsAt,
		HostID:      hostID,
		Type:        params.Type,
		Visibility:  params.Visibility,
		Status:      enum.EventStatusUpcoming,
		Tags:        params.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperror.ErrInvalidData, err)
	}

	err := m.db.Transact(ctx, func(ctx context.Context, tx *entity.Tx) error {
		host, err := tx.User(ctx, hostID)
		if err != nil {
			return err
		}

		if err := tx.PutEvent(ctx, event); err != nil {
			return err
		}

		if host.AddCreatedEvent(event.ID) {
			return tx.PutUser(ctx, host)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	m.logger.Info("Event created",
		zap.String("event_id", event.ID),
		zap.String("host_id", hostID),
		zap.String("title", event.Title))

	return event, nil
}

// Invite sends event invitations to the given users. Only the host can
// invite; all invitations land atomically. Inviting the host or nobody
// is a no-op.
func (m *Manager) Invite(ctx context.Context, hostID, eventID string, inviteeIDs []string) error {
	event, err := m.db.Events().Get(ctx, eventID)
	if err != nil {
		return err
	}

	if event.HostID != hostID {
		return fmt.Errorf("%w: only the host can invite to event %s", apperror.ErrPermissionDenied, eventID)
	}

	now := time.Now()
	changes := make(map[string]any, len(inviteeIDs))

	for _, inviteeID := range inviteeIDs {
		if inviteeID == hostID {
			continue
		}

		notificationID := broadcast.NewRecordID()
		changes[broadcast.NotificationPath(inviteeID, notificationID)] = &broadcast.Notification{
			ID:        notificationID,
			Type:      broadcast.NotificationTypeEventInvite,
			SenderID:  hostID,
			Message:   fmt.Sprintf("invited you to %s", event.Title),
			EventID:   eventID,
			CreatedAt: now,
		}
	}

	if len(changes) == 0 {
		return nil
	}

	if err := m.broadcast.Update(ctx, changes); err != nil {
		return fmt.Errorf("failed to send event invites: %w", err)
	}

	m.logger.Info("Event invites sent",
		zap.String("event_id", eventID),
		zap.String("host_id", hostID),
		zap.Int("invitees", len(changes)))

	return nil
}

// Join adds the user to the event, updating the attendee list and the
// user's attending list in one transaction. Joining as the host or
// rejoining is a no-op success.
func (m *Manager) Join(ctx context.Context, userID, eventID string) error {
	err := m.db.Transact(ctx, func(ctx context.Context, tx *entity.Tx) error {
		event, err := tx.Event(ctx, eventID)
		if err != nil {
			return err
		}

		if event.HostID == userID {
			return nil
		}

		if event.Status != enum.EventStatusUpcoming && event.Status != enum.EventStatusActive {
			return fmt.Errorf("%w: event %s is %s", apperror.ErrConflict, eventID, event.Status)
		}

		user, err := tx.User(ctx, userID)
		if err != nil {
			return err
		}

		if event.AddAttendee(userID) {
			if err := tx.PutEvent(ctx, event); err != nil {
				return err
			}
		}

		if user.AddAttendingEvent(eventID) {
			if err := tx.PutUser(ctx, user); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to join event: %w", err)
	}

	m.logger.Debug("User joined event",
		zap.String("event_id", eventID),
		zap.String("user_id", userID))

	return nil
}

// Leave removes the user from the event from both sides. The host
// cannot leave their own event; cancel it instead.
func (m *Manager) Leave(ctx context.Context, userID, eventID string) error {
	err := m.db.Transact(ctx, func(ctx context.Context, tx *entity.Tx) error {
		event, err := tx.Event(ctx, eventID)
		if err != nil {
			return err
		}

		if event.HostID == userID {
			return fmt.Errorf("%w: the host cannot leave event %s", apperror.ErrConflict, eventID)
		}

		user, err := tx.User(ctx, userID)
		if err != nil {
			return err
		}

		if event.RemoveAttendee(userID) {
			if err := tx.PutEvent(ctx, event); err != nil {
				return err
			}
		}

		if user.RemoveAttendingEvent(eventID) {
			if err := tx.PutUser(ctx, user); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to leave event: %w", err)
	}

	m.logger.Debug("User left event",
		zap.String("event_id", eventID),
		zap.String("user_id", userID))

	return nil
}

// Cancel marks an event canceled and notifies every attendee in one
// atomic update. Only the host can cancel; canceling twice is a no-op.
func (m *Manager) Cancel(ctx context.Context, hostID, eventID string) error {
	var (
		event           *types.Event
		alreadyCanceled bool
	)

	err := m.db.Transact(ctx, func(ctx context.Context, tx *entity.Tx) error {
		e, err := tx.Event(ctx, eventID)
		if err != nil {
			return err
		}

		if e.HostID != hostID {
			return fmt.Errorf("%w: only the host can cancel event %s", apperror.ErrPermissionDenied, eventID)
		}

		if e.Status == enum.EventStatusCanceled {
			event, alreadyCanceled = e, true
			return nil
		}

		e.Status = enum.EventStatusCanceled
		if err := tx.PutEvent(ctx, e); err != nil {
			return err
		}

		event = e

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cancel event: %w", err)
	}

	if alreadyCanceled || len(event.AttendeeIDs) == 0 {
		return nil
	}

	now := time.Now()
	changes := make(map[string]any, len(event.AttendeeIDs))

	for _, attendeeID := range event.AttendeeIDs {
		notificationID := broadcast.NewRecordID()
		changes[broadcast.NotificationPath(attendeeID, notificationID)] = &broadcast.Notification{
			ID:        notificationID,
			Type:      broadcast.NotificationTypeEventUpdate,
			SenderID:  hostID,
			Message:   fmt.Sprintf("%s was canceled", event.Title),
			EventID:   eventID,
			CreatedAt: now,
		}
	}

	if err := m.broadcast.Update(ctx, changes); err != nil {
		return fmt.Errorf("failed to notify attendees: %w", err)
	}

	m.logger.Info("Event canceled",
		zap.String("event_id", eventID),
		zap.String("host_id", hostID),
		zap.Int("notified", len(changes)))

	return nil
}
