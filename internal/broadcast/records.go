package broadcast

import (
	"fmt"
	"time"

	"github.com/ambleapp/amble/internal/apperror"
	"github.com/bytedance/sonic"
	"github.com/oklog/ulid/v2"
)

// RequestStatus represents the lifecycle position of a friend request.
type RequestStatus int

const (
	// RequestStatusPending indicates the request awaits a response.
	RequestStatusPending RequestStatus = iota
	// RequestStatusAccepted indicates the recipient accepted.
	RequestStatusAccepted
	// RequestStatusRejected indicates the recipient declined.
	RequestStatusRejected
)

var requestStatusNames = map[RequestStatus]string{
	RequestStatusPending:  "pending",
	RequestStatusAccepted: "accepted",
	RequestStatusRejected: "rejected",
}

// String returns the lowercase name of the status.
func (s RequestStatus) String() string {
	if name, ok := requestStatusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("RequestStatus(%d)", int(s))
}

// NotificationType represents the kind of notification shown to a user.
type NotificationType int

const (
	// NotificationTypeFriendRequest announces an incoming friend request.
	NotificationTypeFriendRequest NotificationType = iota
	// NotificationTypeFriendAccepted announces an accepted request.
	NotificationTypeFriendAccepted
	// NotificationTypeEventInvite announces an event invitation.
	NotificationTypeEventInvite
	// NotificationTypeEventUpdate announces a change to a joined event.
	NotificationTypeEventUpdate
	// NotificationTypeGeneral carries free-form announcements.
	NotificationTypeGeneral
)

var notificationTypeNames = map[NotificationType]string{
	NotificationTypeFriendRequest:  "friend_request",
	NotificationTypeFriendAccepted: "friend_accepted",
	NotificationTypeEventInvite:    "event_invite",
	NotificationTypeEventUpdate:    "event_update",
	NotificationTypeGeneral:        "general",
}

// String returns the lowercase name of the type.
func (t NotificationType) String() string {
	if name, ok := notificationTypeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("NotificationType(%d)", int(t))
}

// FriendRequest is the ephemeral record created when one user asks
// another to connect. It lives under the recipient's namespace and is
// always created and destroyed together with its paired notification
// at the same ID.
type FriendRequest struct {
	ID        string        `json:"id"`
	SenderID  string        `json:"senderId"`
	Status    RequestStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Notification is the ephemeral record backing one entry in a user's
// notification list. Lists render newest first by CreatedAt.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	SenderID  string           `json:"senderId"`
	Message   string           `json:"message"`
	EventID   string           `json:"eventId,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Location is the live position record published under locations/{uid}.
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewRecordID returns a fresh k-ordered record ID. Lexicographic order
// follows creation time, so listings sort naturally by key.
func NewRecordID() string {
	return ulid.Make().String()
}

// Encode marshals a record for storage.
func Encode(v any) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode record: %w", apperror.ErrInvalidData, err)
	}

	return data, nil
}

// Decode unmarshals raw snapshot bytes into a record.
func Decode(data []byte, v any) error {
	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode record: %w", apperror.ErrInvalidData, err)
	}

	return nil
}
