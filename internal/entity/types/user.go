package types

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrProfileImageConflict = errors.New("profile image cannot be both inline and remote")
	ErrMissingUserID        = errors.New("user ID is required")
)

// User is the durable profile document for one account. The ID is the
// subject of the identity token; the record is created on first
// authentication and never hard-deleted.
type User struct {
	ID                   string       `bun:",pk"                    json:"id"`
	FirstName            string       `bun:",notnull"               json:"firstName"`
	LastName             string       `bun:",notnull"               json:"lastName"`
	Username             string       `bun:",notnull"               json:"username"`
	PhoneNumber          string       `bun:",notnull"               json:"phoneNumber"`
	PhoneHash            string       `bun:",notnull"               json:"phoneHash"`
	FriendIDs            []string     `bun:"friend_ids,notnull"           json:"friendIds"`
	CreatedEventIDs      []string     `bun:"created_event_ids,notnull"    json:"createdEventIds"`
	AttendingEventIDs    []string     `bun:"attending_event_ids,notnull"  json:"attendingEventIds"`
	VisitedLandmarkIDs   []string     `bun:"visited_landmark_ids,notnull" json:"visitedLandmarkIds"`
	LastLocation         *GeoPoint    `bun:",nullzero"              json:"lastLocation"`
	ProfileImage         ProfileImage `bun:",nullzero"              json:"profileImage"`
	SharingLocation      bool         `bun:",notnull,default:false" json:"sharingLocation"`
	DoNotDisturb         bool         `bun:",notnull,default:false" json:"doNotDisturb"`
	NotificationsEnabled bool         `bun:",notnull,default:true"  json:"notificationsEnabled"`
	PrivateProfile       bool         `bun:",notnull,default:false" json:"privateProfile"`
	CreatedAt            time.Time    `bun:",notnull"               json:"createdAt"`
	UpdatedAt            time.Time    `bun:",notnull"               json:"updatedAt"`
}

// NewUser returns the minimal record created on first authentication.
func NewUser(id string, now time.Time) *User {
	return &User{
		ID:                   id,
		FriendIDs:            []string{},
		CreatedEventIDs:      []string{},
		AttendingEventIDs:    []string{},
		VisitedLandmarkIDs:   []string{},
		NotificationsEnabled: true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// Validate checks the structural rules a user record must satisfy
// before it may be written.
func (u *User) Validate() error {
	if u.ID == "" {
		return ErrMissingUserID
	}

	return u.ProfileImage.Validate()
}

// HasFriend reports whether id is already in the friend set.
func (u *User) HasFriend(id string) bool {
	return slices.Contains(u.FriendIDs, id)
}

// AddFriend appends id to the friend set if absent and reports whether
// the set changed. Appending only when absent keeps relationship
// recovery re-runs idempotent.
func (u *User) AddFriend(id string) bool {
	if u.HasFriend(id) {
		return false
	}

	u.FriendIDs = append(u.FriendIDs, id)

	return true
}

// RemoveFriend deletes id from the friend set and reports whether the
// set changed.
func (u *User) RemoveFriend(id string) bool {
	before := len(u.FriendIDs)
	u.FriendIDs = slices.DeleteFunc(u.FriendIDs, func(f string) bool { return f == id })

	return len(u.FriendIDs) != before
}

// AddAttendingEvent appends id to the attending set if absent and
// reports whether the set changed.
func (u *User) AddAttendingEvent(id string) bool {
	if slices.Contains(u.AttendingEventIDs, id) {
		return false
	}

	u.AttendingEventIDs = append(u.AttendingEventIDs, id)

	return true
}

// RemoveAttendingEvent deletes id from the attending set and reports
// whether the set changed.
func (u *User) RemoveAttendingEvent(id string) bool {
	before := len(u.AttendingEventIDs)
	u.AttendingEventIDs = slices.DeleteFunc(u.AttendingEventIDs, func(e string) bool { return e == id })

	return len(u.AttendingEventIDs) != before
}

// AddCreatedEvent appends id to the created set if absent.
func (u *User) AddCreatedEvent(id string) bool {
	if slices.Contains(u.CreatedEventIDs, id) {
		return false
	}

	u.CreatedEventIDs = append(u.CreatedEventIDs, id)

	return true
}

// ProfileImage holds exactly one representation of a user's picture:
// inline bytes before the first upload, or remote URLs afterwards. The
// inline to remote transition is one-way.
type ProfileImage struct {
	Data         []byte `json:"data,omitempty"`
	FullURL      string `json:"fullUrl,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// Remote reports whether the image has been uploaded.
func (p ProfileImage) Remote() bool {
	return p.FullURL != "" || p.ThumbnailURL != ""
}

// Validate rejects records carrying both representations.
func (p ProfileImage) Validate() error {
	if len(p.Data) > 0 && p.Remote() {
		return ErrProfileImageConflict
	}

	return nil
}
