package model

import (
	"fmt"
	"time"
)

type (
	UserID string
	RoomID string
)

// ConnectionState is the room connection lifecycle state.
type ConnectionState int

const (
	Idle ConnectionState = iota
	Connecting
	Established
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(b []byte) error {
	for c := Idle; c <= Disconnecting; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}

// Presence is the roster entry of one room member.
type Presence struct {
	UserID   UserID    `json:"uid"`
	RoomID   RoomID    `json:"rid"`
	JoinedAt time.Time `json:"joined_at"`
}

const DefaultSpeed = 1.0

// PlaybackState is the confirmed state of a media player. PositionAt is
// when Position was last confirmed, UpdatedAt covers any field.
type PlaybackState struct {
	Running    bool          `json:"running"`
	MediaRef   string        `json:"media,omitempty"`
	Speed      float64       `json:"speed"`
	Position   time.Duration `json:"position"`
	PositionAt time.Time     `json:"position_at"`
	Paused     bool          `json:"paused"`
	Audio      *int64        `json:"aid,omitempty"`
	Subtitles  *int64        `json:"sid,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

func NewPlaybackState() PlaybackState {
	return PlaybackState{Speed: DefaultSpeed, Paused: true}
}
