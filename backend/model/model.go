package model

import (
	"sort"
	"time"

	"github.com/adwski/roomsync/protocol"
)

type Room struct {
	ID           string                 `json:"room_id"`
	Participants map[string]Participant `json:"participants"`
	Master       string                 `json:"master,omitempty"`
}

type Participant struct {
	ID       string    `json:"id"`
	JoinedAt time.Time `json:"joined_at"`
}

// Membership is the outcome of a join.
type Membership struct {
	Room *Room
	// Previous is the room the user was moved out of, if any.
	Previous *Room
	// Rejoined is set when the user already was in Room.
	Rejoined bool
}

// Clone returns a copy that does not share the participants map.
func (r *Room) Clone() *Room {
	c := &Room{
		ID:           r.ID,
		Master:       r.Master,
		Participants: make(map[string]Participant, len(r.Participants)),
	}
	for id, p := range r.Participants {
		c.Participants[id] = p
	}
	return c
}

// Members returns sorted participant ids, leaving out except.
func (r *Room) Members(except string) []string {
	ids := make([]string, 0, len(r.Participants))
	for id := range r.Participants {
		if id != except {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Wire connects a transport endpoint to the service. RX carries requests
// from the user, TX carries acks and pushes to the user.
type Wire struct {
	RX chan protocol.Envelope
	TX chan protocol.Envelope
}

func NewWire() Wire {
	return Wire{
		RX: make(chan protocol.Envelope),
		TX: make(chan protocol.Envelope),
	}
}
