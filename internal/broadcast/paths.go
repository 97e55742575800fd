package broadcast

import (
	"errors"
	"fmt"
	"strings"
)

// Root namespaces of the broadcast tree.
const (
	// FriendRequestsRoot holds friend_requests/{recipientID}/{requestID}.
	FriendRequestsRoot = "friend_requests"
	// NotificationsRoot holds notifications/{recipientID}/{notificationID}.
	NotificationsRoot = "notifications"
	// LocationsRoot holds locations/{userID}.
	LocationsRoot = "locations"
	// ConnectedPath is reserved for connectivity probing. No
	// application records are stored under it.
	ConnectedPath = "system/connected"
)

var ErrInvalidPath = errors.New("invalid broadcast path")

// JoinPath assembles a path from segments, rejecting empties and
// separators inside a segment.
func JoinPath(segments ...string) (string, error) {
	if len(segments) == 0 {
		return "", ErrInvalidPath
	}

	for _, s := range segments {
		if s == "" || strings.Contains(s, "/") {
			return "", fmt.Errorf("%w: segment %q", ErrInvalidPath, s)
		}
	}

	return strings.Join(segments, "/"), nil
}

// FriendRequestPath addresses one friend request record.
func FriendRequestPath(recipientID, requestID string) string {
	return FriendRequestsRoot + "/" + recipientID + "/" + requestID
}

// UserFriendRequests addresses the parent of a user's friend requests.
func UserFriendRequests(recipientID string) string {
	return FriendRequestsRoot + "/" + recipientID
}

// NotificationPath addresses one notification record.
func NotificationPath(recipientID, notificationID string) string {
	return NotificationsRoot + "/" + recipientID + "/" + notificationID
}

// UserNotifications addresses the parent of a user's notifications.
func UserNotifications(recipientID string) string {
	return NotificationsRoot + "/" + recipientID
}

// LocationPath addresses one user's live location record.
func LocationPath(userID string) string {
	return LocationsRoot + "/" + userID
}

// parentOf splits a path into its parent and leaf name. A single
// segment has no parent.
func parentOf(path string) (parent, name string) {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "", path
	}

	return path[:idx], path[idx+1:]
}
