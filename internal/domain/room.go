package domain

import (
	"fmt"
	"strings"
)

// RoomKind classifies a room key by the audience it addresses.
type RoomKind string

const (
	RoomUser   RoomKind = "user"
	RoomRole   RoomKind = "role"
	RoomMatch  RoomKind = "match"
	RoomCasino RoomKind = "casino"
)

// RoomKey names a delivery scope, e.g. "user:42" or "match:1001".
type RoomKey string

func UserRoom(principalID string) RoomKey { return RoomKey("user:" + principalID) }
func RoleRoom(r Role) RoomKey             { return RoomKey("role:" + string(r)) }
func MatchRoom(matchID string) RoomKey    { return RoomKey("match:" + matchID) }
func CasinoRoom(gameID string) RoomKey    { return RoomKey("casino:" + gameID) }

// ParseRoomKey validates s and splits it into kind and id. Role ids come back
// in the canonical upper case the gateway enrolls sessions under.
func ParseRoomKey(s string) (RoomKey, RoomKind, string, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || id == "" || strings.ContainsAny(id, " \t\r\n*?[]") {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidRoom, s)
	}
	switch RoomKind(kind) {
	case RoomUser, RoomMatch, RoomCasino:
	case RoomRole:
		role, ok := ParseRole(id)
		if !ok {
			return "", "", "", fmt.Errorf("%w: unknown role in %q", ErrInvalidRoom, s)
		}
		id = string(role)
	default:
		return "", "", "", fmt.Errorf("%w: unknown kind in %q", ErrInvalidRoom, s)
	}
	return RoomKey(kind + ":" + id), RoomKind(kind), id, nil
}

// Kind returns the kind prefix of k without validating the remainder.
func (k RoomKey) Kind() RoomKind {
	kind, _, _ := strings.Cut(string(k), ":")
	return RoomKind(kind)
}

// ClientJoinable reports whether clients may join or leave rooms of kind k.
// Principal and role rooms are server-assigned only.
func (k RoomKind) ClientJoinable() bool {
	return k == RoomMatch || k == RoomCasino
}
