package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type RoomKind uint8

const (
	RoomPrivate RoomKind = iota + 1
	RoomGroup
)

// RoomID is a routing key. Rooms are never persisted, they exist only
// as long as at least one connection is subscribed.
type RoomID struct {
	Kind RoomKind
	ID   int64
}

func PrivateRoom(userID int64) RoomID {
	return RoomID{Kind: RoomPrivate, ID: userID}
}

func GroupRoom(groupID int64) RoomID {
	return RoomID{Kind: RoomGroup, ID: groupID}
}

func (r RoomID) String() string {
	switch r.Kind {
	case RoomPrivate:
		return "user_" + strconv.FormatInt(r.ID, 10)
	case RoomGroup:
		return "group_" + strconv.FormatInt(r.ID, 10)
	default:
		return "unknown_" + strconv.FormatInt(r.ID, 10)
	}
}

func (r RoomID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RoomID) UnmarshalText(b []byte) error {
	s := string(b)
	var kind RoomKind
	switch {
	case strings.HasPrefix(s, "user_"):
		kind, s = RoomPrivate, strings.TrimPrefix(s, "user_")
	case strings.HasPrefix(s, "group_"):
		kind, s = RoomGroup, strings.TrimPrefix(s, "group_")
	default:
		return fmt.Errorf("unknown room %q", string(b))
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("bad room id %q: %w", string(b), err)
	}
	r.Kind, r.ID = kind, id
	return nil
}

// Memberships is what the membership source knows about a user.
type Memberships struct {
	GroupIDs   []int64
	ContactIDs []int64
}

// Event is an outbound envelope delivered to client connections.
type Event struct {
	Type    Kind `json:"type"`
	Payload any  `json:"payload,omitempty"`
}

// UnmarshalJSON keeps the payload raw, events decoded from the bus are
// forwarded to clients without interpretation.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type    Kind            `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Type = raw.Type
	e.Payload = nil
	if len(raw.Payload) > 0 {
		e.Payload = raw.Payload
	}
	return nil
}

// BusMessage mirrors a local publish to other server processes.
// Room is nil for broadcasts to every connection.
type BusMessage struct {
	Origin  string  `json:"origin"`
	Room    *RoomID `json:"room,omitempty"`
	Exclude string  `json:"exclude,omitempty"`
	Event   Event   `json:"event"`
}
