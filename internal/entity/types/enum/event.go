// Package enum defines the closed value sets stored on entity records.
// Values marshal as their names so rows stay readable across dialects.
package enum

import "fmt"

// EventType represents the kind of outing an event describes.
type EventType int

const (
	// EventTypeWalk indicates a walking outing.
	EventTypeWalk EventType = iota
	// EventTypeRun indicates a running outing.
	EventTypeRun
	// EventTypeBike indicates a cycling outing.
	EventTypeBike
)

var eventTypeNames = map[EventType]string{
	EventTypeWalk: "walk",
	EventTypeRun:  "run",
	EventTypeBike: "bike",
}

// String returns the lowercase name of the event type.
func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("EventType(%d)", int(t))
}

// ParseEventType converts a name back into an EventType.
func ParseEventType(s string) (EventType, error) {
	for t, name := range eventTypeNames {
		if name == s {
			return t, nil
		}
	}

	return 0, fmt.Errorf("unknown event type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *EventType) UnmarshalText(text []byte) error {
	parsed, err := ParseEventType(string(text))
	if err != nil {
		return err
	}

	*t = parsed

	return nil
}

// EventVisibility represents who can discover an event.
type EventVisibility int

const (
	// EventVisibilityPublic indicates the event appears in public feeds.
	EventVisibilityPublic EventVisibility = iota
	// EventVisibilityPrivate indicates the event is visible to invitees only.
	EventVisibilityPrivate
)

var eventVisibilityNames = map[EventVisibility]string{
	EventVisibilityPublic:  "public",
	EventVisibilityPrivate: "private",
}

// String returns the lowercase name of the visibility.
func (v EventVisibility) String() string {
	if name, ok := eventVisibilityNames[v]; ok {
		return name
	}

	return fmt.Sprintf("EventVisibility(%d)", int(v))
}

// ParseEventVisibility converts a name back into an EventVisibility.
func ParseEventVisibility(s string) (EventVisibility, error) {
	for v, name := range eventVisibilityNames {
		if name == s {
			return v, nil
		}
	}

	return 0, fmt.Errorf("unknown event visibility %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (v EventVisibility) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *EventVisibility) UnmarshalText(text []byte) error {
	parsed, err := ParseEventVisibility(string(text))
	if err != nil {
		return err
	}

	*v = parsed

	return nil
}

// EventStatus represents the lifecycle position of an event.
type EventStatus int

const (
	// EventStatusUpcoming indicates the event has not started yet.
	EventStatusUpcoming EventStatus = iota
	// EventStatusActive indicates the event is in progress.
	EventStatusActive
	// EventStatusCompleted indicates the event finished normally.
	EventStatusCompleted
	// EventStatusCanceled indicates the host called the event off.
	EventStatusCanceled
)

var eventStatusNames = map[EventStatus]string{
	EventStatusUpcoming:  "upcoming",
	EventStatusActive:    "active",
	EventStatusCompleted: "completed",
	EventStatusCanceled:  "canceled",
}

// String returns the lowercase name of the status.
func (s EventStatus) String() string {
	if name, ok := eventStatusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("EventStatus(%d)", int(s))
}

// ParseEventStatus converts a name back into an EventStatus.
func ParseEventStatus(s string) (EventStatus, error) {
	for st, name := range eventStatusNames {
		if name == s {
			return st, nil
		}
	}

	return 0, fmt.Errorf("unknown event status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s EventStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *EventStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseEventStatus(string(text))
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}
