package core

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	// SupportRoomID is the room shared by a customer and the support team.
	SupportRoomID = "support"

	projectRoomPrefix = "project-"
)

// RoomContext describes the screen a chat is opened from.
// Exactly one of Support and ProjectID must be set.
type RoomContext struct {
	Support   bool
	ProjectID string
}

// ResolveRoomID maps a room context to its room id. It is the only place room
// ids are built; clients and the gateway must never format them by hand.
func ResolveRoomID(ctx RoomContext) (string, error) {
	switch {
	case ctx.Support && ctx.ProjectID != "":
		return "", fmt.Errorf("%w: both support and project %q set", ErrInvalidRoomContext, ctx.ProjectID)
	case ctx.Support:
		return SupportRoomID, nil
	case ctx.ProjectID != "":
		if !validProjectID(ctx.ProjectID) {
			return "", fmt.Errorf("%w: project id %q", ErrInvalidRoomContext, ctx.ProjectID)
		}
		return projectRoomPrefix + ctx.ProjectID, nil
	default:
		return "", fmt.Errorf("%w: neither support nor project set", ErrInvalidRoomContext)
	}
}

// ParseRoomID is the inverse of ResolveRoomID.
func ParseRoomID(roomID string) (RoomContext, error) {
	if roomID == SupportRoomID {
		return RoomContext{Support: true}, nil
	}
	projectID, ok := strings.CutPrefix(roomID, projectRoomPrefix)
	if !ok || !validProjectID(projectID) {
		return RoomContext{}, fmt.Errorf("%w: room id %q", ErrInvalidRoomContext, roomID)
	}
	return RoomContext{ProjectID: projectID}, nil
}

func validProjectID(id string) bool {
	if id == "" {
		return false
	}
	return strings.IndexFunc(id, unicode.IsSpace) == -1
}
