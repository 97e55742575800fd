package types

import (
	"errors"
	"slices"
	"time"

	"github.com/ambleapp/amble/internal/entity/types/enum"
)

var (
	ErrMissingEventID   = errors.New("event ID is required")
	ErrMissingEventHost = errors.New("event host is required")
)

// Event is a planned outing hosted by one user. The host's membership
// is implied and never stored in the attendee set.
type Event struct {
	ID          string               `bun:",pk"       json:"id"`
	Title       string               `bun:",notnull"  json:"title"`
	Description string               `bun:",nullzero" json:"description"`
	Location    GeoPoint             `bun:",notnull"  json:"location"`
	StartsAt    time.Time            `bun:",notnull"  json:"startsAt"`
	HostID      string               `bun:",notnull"  json:"hostId"`
	Type        enum.EventType       `bun:",notnull"  json:"type"`
	Visibility  enum.EventVisibility `bun:",notnull"  json:"visibility"`
	Tags        []string             `bun:",notnull"  json:"tags"`
	AttendeeIDs []string             `bun:"attendee_ids,notnull" json:"attendeeIds"`
	Status      enum.EventStatus     `bun:",notnull"  json:"status"`
	CreatedAt   time.Time            `bun:",notnull"  json:"createdAt"`
	UpdatedAt   time.Time            `bun:",notnull"  json:"updatedAt"`
}

// Validate checks the structural rules an event record must satisfy
// before it may be written.
func (e *Event) Validate() error {
	if e.ID == "" {
		return ErrMissingEventID
	}

	if e.HostID == "" {
		return ErrMissingEventHost
	}

	return nil
}

// HasAttendee reports whether id is in the attendee set. The host
// counts as attending without an entry.
func (e *Event) HasAttendee(id string) bool {
	return id == e.HostID || slices.Contains(e.AttendeeIDs, id)
}

// AddAttendee appends id to the attendee set if absent and reports
// whether the set changed. The host is never added.
func (e *Event) AddAttendee(id string) bool {
	if e.HasAttendee(id) {
		return false
	}

	e.AttendeeIDs = append(e.AttendeeIDs, id)

	return true
}

// RemoveAttendee deletes id from the attendee set and reports whether
// the set changed.
func (e *Event) RemoveAttendee(id string) bool {
	before := len(e.AttendeeIDs)
	e.AttendeeIDs = slices.DeleteFunc(e.AttendeeIDs, func(a string) bool { return a == id })

	return len(e.AttendeeIDs) != before
}
