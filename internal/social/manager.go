// Package social implements the friend relationship workflow.
//
// Friendships are authoritative in the entity store as mutual membership
// in both users' friend lists. Pending requests and their notifications
// are ephemeral broadcast records that live under the recipient and are
// created and destroyed in pairs.
package social

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ambleapp/amble/internal/apperror"
	"github.com/ambleapp/amble/internal/broadcast"
	"github.com/ambleapp/amble/internal/entity"
	"go.uber.org/zap"
)

// Manager coordinates friendship state across both stores.
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
		logger:    logger.Named("social"),
	}
}

// SendRequest sends a friend request from sender to recipient and
// returns the request ID. The pending request and the recipient's
// notification land atomically under the same ID. Sending again while
// a request is pending returns the existing ID.
func (m *Manager) SendRequest(ctx context.Context, senderID, recipientID string) (string, error) {
	if senderID == recipientID {
		return "", fmt.Errorf("%w: cannot send a friend request to yourself", apperror.ErrInvalidData)
	}

	sender, err := m.db.Users().Get(ctx, senderID)
	if err != nil {
		return "", err
	}

	if sender.HasFriend(recipientID) {
		return "", fmt.Errorf("%w: already friends with %s", apperror.ErrConflict, recipientID)
	}

	if _, err := m.db.Users().Get(ctx, recipientID); err != nil {
		return "", err
	}

	// Reuse a pending request instead of stacking duplicates.
	if existing, err := m.pendingFrom(ctx, senderID, recipientID); err != nil {
		return "", err
	} else if existing != "" {
		m.logger.Debug("Friend request already pending",
			zap.String("sender_id", senderID),
			zap.String("recipient_id", recipientID),
			zap.String("request_id", existing))

		return existing, nil
	}

	requestID := broadcast.NewRecordID()
	now := time.Now()

	request := &broadcast.FriendRequest{
		ID:        requestID,
		SenderID:  senderID,
		Status:    broadcast.RequestStatusPending,
		CreatedAt: now,
	}
	notification := &broadcast.Notification{
		ID:        requestID,
		Type:      broadcast.NotificationTypeFriendRequest,
		SenderID:  senderID,
		Message:   "sent you a friend request",
		CreatedAt: now,
	}

	err = m.broadcast.Update(ctx, map[string]any{
		broadcast.FriendRequestPath(recipientID, requestID): request,
		broadcast.NotificationPath(recipientID, requestID):  notification,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send friend request: %w", err)
	}

	m.logger.Info("Friend request sent",
		zap.String("sender_id", senderID),
		zap.String("recipient_id", recipientID),
		zap.String("request_id", requestID))

	return requestID, nil
}

// Accept makes the sender and recipient friends and clears the request.
// Both friend list entries land in one entity transaction, so the
// friendship is symmetric or absent, never half-formed. Accepting a
// request that is already gone is a no-op.
func (m *Manager) Accept(ctx context.Context, recipientID, requestID string) error {
	requestPath := broadcast.FriendRequestPath(recipientID, requestID)

	request, err := broadcast.ReadRecord[broadcast.FriendRequest](ctx, m.broadcast, requestPath)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			m.logger.Debug("Friend request already handled", zap.String("request_id", requestID))
			return nil
		}

		return err
	}

	senderID := request.SenderID

	err = m.db.Transact(ctx, func(ctx context.Context, tx *entity.Tx) error {
		recipient, err := tx.User(ctx, recipientID)
		if err != nil {
			return err
		}

		sender, err := tx.User(ctx, senderID)
		if err != nil {
			return err
		}

		if recipient.AddFriend(senderID) {
			if err := tx.PutUser(ctx, recipient); err != nil {
				return err
			}
		}

		if sender.AddFriend(recipientID) {
			if err := tx.PutUser(ctx, sender); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to pair users: %w", err)
	}

	// Clear the pair and tell the sender, atomically. A retry after a
	// failure here finds the request still present and converges.
	accepted := &broadcast.Notification{
		ID:        requestID,
		Type:      broadcast.NotificationTypeFriendAccepted,
		SenderID:  recipientID,
		Message:   "accepted your friend request",
		CreatedAt: time.Now(),
	}

	err = m.broadcast.Update(ctx, map[string]any{
		requestPath: nil,
		broadcast.NotificationPath(recipientID, requestID): nil,
		broadcast.NotificationPath(senderID, requestID):    accepted,
	})
	if err != nil {
		return fmt.Errorf("failed to clear friend request: %w", err)
	}

	m.logger.Info("Friend request accepted",
		zap.String("sender_id", senderID),
		zap.String("recipient_id", recipientID),
		zap.String("request_id", requestID))

	return nil
}

// Reject clears a pending request without creating a friendship.
// The sender is not notified. Rejecting an absent request is a no-op.
func (m *Manager) Reject(ctx context.Context, recipientID, requestID string) error {
	err := m.broadcast.Update(ctx, map[string]any{
		broadcast.FriendRequestPath(recipientID, requestID): nil,
		broadcast.NotificationPath(recipientID, requestID):  nil,
	})
	if err != nil {
		return fmt.Errorf("failed to reject friend request: %w", err)
	}

	m.logger.Debug("Friend request rejected",
		zap.String("recipient_id", recipientID),
		zap.String("request_id", requestID))

	return nil
}

// RemoveFriend dissolves a friendship from both sides in one entity
// transaction. Removing a user who is not a friend is a no-op.
func (m *Manager) RemoveFriend(ctx context.Context, userID, friendID string) error {
	err := m.db.Transact(ctx, func(ctx context.Context, tx *entity.Tx) error {
		user, err := tx.User(ctx, userID)
		if err != nil {
			return err
		}

		friend, err := tx.User(ctx, friendID)
		if err != nil {
			return err
		}

		if user.RemoveFriend(friendID) {
			if err := tx.PutUser(ctx, user); err != nil {
				return err
			}
		}

		if friend.RemoveFriend(userID) {
			if err := tx.PutUser(ctx, friend); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove friend: %w", err)
	}

	m.logger.Info("Friendship removed",
		zap.String("user_id", userID),
		zap.String("friend_id", friendID))

	return nil
}

// PendingRequests returns the user's incoming friend requests, newest
// first. Records that fail to decode are skipped.
func (m *Manager) PendingRequests(ctx context.Context, userID string) ([]*broadcast.FriendRequest, error) {
	children, err := m.broadcast.List(ctx, broadcast.UserFriendRequests(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list friend requests: %w", err)
	}

	requests := make([]*broadcast.FriendRequest, 0, len(children.Children))

	for name, data := range children.Children {
		var request broadcast.FriendRequest
		if err := broadcast.Decode(data, &request); err != nil {
			m.logger.Warn("Skipping undecodable friend request",
				zap.String("user_id", userID),
				zap.String("name", name),
				zap.Error(err))

			continue
		}

		requests = append(requests, &request)
	}

	sortNewestFirst(requests, func(r *broadcast.FriendRequest) (time.Time, string) {
		return r.CreatedAt, r.ID
	})

	return requests, nil
}

// Notifications returns the user's notifications, newest first.
// Records that fail to decode are skipped.
func (m *Manager) Notifications(ctx context.Context, userID string) ([]*broadcast.Notification, error) {
	children, err := m.broadcast.List(ctx, broadcast.UserNotifications(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	notifications := make([]*broadcast.Notification, 0, len(children.Children))

	for name, data := range children.Children {
		var notification broadcast.Notification
		if err := broadcast.Decode(data, &notification); err != nil {
			m.logger.Warn("Skipping undecodable notification",
				zap.String("user_id", userID),
				zap.String("name", name),
				zap.Error(err))

			continue
		}

		notifications = append(notifications, &notification)
	}

	sortNewestFirst(notifications, func(n *broadcast.Notification) (time.Time, string) {
		return n.CreatedAt, n.ID
	})

	return notifications, nil
}

// MarkNotificationRead flags one notification as read. Marking a read
// notification again is a no-op.
func (m *Manager) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	path := broadcast.NotificationPath(userID, notificationID)

	notification, err := broadcast.ReadRecord[broadcast.Notification](ctx, m.broadcast, path)
	if err != nil {
		return err
	}

	if notification.Read {
		return nil
	}

	notification.Read = true

	return m.broadcast.Set(ctx, path, notification)
}

// ClearNotification removes one notification from the user's list.
func (m *Manager) ClearNotification(ctx context.Context, userID, notificationID string) error {
	return m.broadcast.Delete(ctx, broadcast.NotificationPath(userID, notificationID))
}

// pendingFrom returns the ID of a pending request from sender in the
// recipient's inbox, empty when none exists.
func (m *Manager) pendingFrom(ctx context.Context, senderID, recipientID string) (string, error) {
	children, err := m.broadcast.List(ctx, broadcast.UserFriendRequests(recipientID))
	if err != nil {
		return "", fmt.Errorf("failed to list friend requests: %w", err)
	}

	for _, data := range children.Children {
		var request broadcast.FriendRequest
		if err := broadcast.Decode(data, &request); err != nil {
			continue
		}

		if request.SenderID == senderID && request.Status == broadcast.RequestStatusPending {
			return request.ID, nil
		}
	}

	return "", nil
}

// sortNewestFirst orders records by creation time descending, breaking
// ties by ID so listings are stable.
func sortNewestFirst[T any](records []T, key func(T) (time.Time, string)) {
	slices.SortFunc(records, func(a, b T) int {
		aTime, aID := key(a)
		bTime, bID := key(b)

		if c := bTime.Compare(aTime); c != 0 {
			return c
		}

		return strings.Compare(bID, aID)
	})
}
