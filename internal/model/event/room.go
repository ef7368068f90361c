package event

import (
	"fmt"
	"strings"
)

// Room is a named fan-out scope.
type Room string

const (
	orgRoomPrefix     = "org:"
	sessionRoomPrefix = "session:"
)

// OrgRoom is the tenant-wide room of an organization.
func OrgRoom(organizationID string) Room { return Room(orgRoomPrefix + organizationID) }

// SessionRoom is the room of one conversation.
func SessionRoom(sessionID string) Room { return Room(sessionRoomPrefix + sessionID) }

// ParseRoom validates a room name received from the wire.
func ParseRoom(raw string) (Room, error) {
	for _, prefix := range []string{orgRoomPrefix, sessionRoomPrefix} {
		if strings.HasPrefix(raw, prefix) && len(raw) > len(prefix) {
			return Room(raw), nil
		}
	}
	return "", fmt.Errorf("invalid room %q", raw)
}

func (r Room) String() string { return string(r) }

// SessionID returns the session of a session room.
func (r Room) SessionID() (string, bool) {
	id, ok := strings.CutPrefix(string(r), sessionRoomPrefix)
	return id, ok && id != ""
}

// OrganizationID returns the organization of an organization room.
func (r Room) OrganizationID() (string, bool) {
	id, ok := strings.CutPrefix(string(r), orgRoomPrefix)
	return id, ok && id != ""
}
