package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope kinds.
const (
	KindRequest = "req"
	KindAck     = "ack"
	KindPush    = "push"
)

// Request events sent by clients. Every request is acknowledged.
const (
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventPing           = "ping"
	EventPong           = "pong"
	EventPlaybackReport = "playback_report"
	EventSyncMaster     = "sync_master"
	EventSyncCorrection = "sync_correction"
)

// Push events sent by the server. ping, playback_report, sync_master and
// sync_correction are also pushed when relayed from a peer.
const (
	EventUserJoined  = "user_joined"
	EventUserLeft    = "user_left"
	EventRoomChanged = "room_changed"
)

type AckStatus int

// AckStatus is encoded as a number on the wire; Ok is the zero value.
const (
	StatusOk  AckStatus = 0
	StatusErr AckStatus = 1
)

func (s AckStatus) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusErr:
		return "err"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var ErrEmptyPayload = errors.New("ack has no payload")

// Envelope is the single frame type on the wire.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Kind    string          `json:"kind"`
	Event   string          `json:"event"`
	Status  AckStatus       `json:"status,omitempty"`
	Src     string          `json:"src,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Error is the Err branch of an acknowledgement: the request was understood
// and rejected by the server.
type Error struct {
	Event  string
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s rejected", e.Event)
	}
	return fmt.Sprintf("%s rejected: %s", e.Event, e.Reason)
}

// Ack is the result of a request: Ok with an optional payload or Err with a reason.
type Ack struct {
	Event   string
	Status  AckStatus
	Payload json.RawMessage
}

// Ok reports whether the ack carries the Ok status.
func (a Ack) Ok() bool { return a.Status == StatusOk }

// Err returns nil for Ok acks and a *Error otherwise.
func (a Ack) Err() error {
	if a.Status == StatusOk {
		return nil
	}
	var p ErrorPayload
	if len(a.Payload) > 0 {
		_ = json.Unmarshal(a.Payload, &p)
	}
	return &Error{Event: a.Event, Reason: p.Reason}
}

// Decode unmarshals the Ok payload into v.
func (a Ack) Decode(v any) error {
	if err := a.Err(); err != nil {
		return err
	}
	if len(a.Payload) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(a.Payload, v)
}

// Event is a server push as seen by the client.
type Event struct {
	Name    string
	Src     string
	Payload json.RawMessage
}

// NewRequest builds a request envelope with a marshalled payload.
func NewRequest(id, event string, payload any) (Envelope, error) {
	env := Envelope{ID: id, Kind: KindRequest, Event: event}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return env, err
		}
		env.Payload = b
	}
	return env, nil
}

// NewPush builds a push envelope with a marshalled payload.
func NewPush(event, src string, payload any) (Envelope, error) {
	env := Envelope{Kind: KindPush, Event: event, Src: src}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return env, err
		}
		env.Payload = b
	}
	return env, nil
}

// OkAck acknowledges req with an Ok status.
func OkAck(req Envelope, payload any) Envelope {
	env := Envelope{ID: req.ID, Kind: KindAck, Event: req.Event, Status: StatusOk}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			env.Payload = b
		}
	}
	return env
}

// ErrAck rejects req with a reason.
func ErrAck(req Envelope, reason string) Envelope {
	b, _ := json.Marshal(ErrorPayload{Reason: reason})
	return Envelope{ID: req.ID, Kind: KindAck, Event: req.Event, Status: StatusErr, Payload: b}
}

// AckOf converts an ack envelope into an Ack result.
func AckOf(env Envelope) Ack {
	return Ack{Event: env.Event, Status: env.Status, Payload: env.Payload}
}
