// Package room implements the room membership lifecycle and roster.
//
// Membership is not safe for concurrent use; it is owned by the session loop.
package room

import (
	"errors"
	"sort"
	"time"

	"github.com/adwski/roomsync/client/model"
)

var (
	ErrTransitionInProgress = errors.New("transition in progress")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrAlreadyInRoom        = errors.New("already in a room")
	ErrEmptyRoomID          = errors.New("empty room id")
	ErrStaleEvent           = errors.New("event does not match current room")
)

var validTransitions = map[model.ConnectionState][]model.ConnectionState{
	model.Idle:          {model.Connecting},
	model.Connecting:    {model.Established, model.Idle},
	model.Established:   {model.Disconnecting, model.Idle},
	model.Disconnecting: {model.Idle},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to model.ConnectionState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type (
	// Transition is reported to state observers after every state change.
	Transition struct {
		From   model.ConnectionState
		To     model.ConnectionState
		RoomID model.RoomID
	}

	// RosterChange is reported to roster observers. Roster holds the full
	// roster after the change, sorted by user id.
	RosterChange struct {
		RoomID model.RoomID
		Joined []model.UserID
		Left   []model.UserID
		Roster []model.Presence
	}

	Config struct {
		Self model.UserID
	}

	Membership struct {
		roster  map[model.UserID]model.Presence
		self    model.UserID
		roomID  model.RoomID
		state   model.ConnectionState
		nextObs int

		stateObs  map[int]func(Transition)
		rosterObs map[int]func(RosterChange)
	}
)

func NewMembership(cfg Config) *Membership {
	return &Membership{
		self:      cfg.Self,
		roster:    make(map[model.UserID]model.Presence),
		stateObs:  make(map[int]func(Transition)),
		rosterObs: make(map[int]func(RosterChange)),
	}
}

func (m *Membership) State() model.ConnectionState { return m.state }

// RoomID returns the current or target room; empty in Idle.
func (m *Membership) RoomID() model.RoomID { return m.roomID }

func (m *Membership) Self() model.UserID { return m.self }

func (m *Membership) Has(uid model.UserID) bool {
	_, ok := m.roster[uid]
	return ok
}

// Roster returns a copy of the roster sorted by user id.
func (m *Membership) Roster() []model.Presence {
	out := make([]model.Presence, 0, len(m.roster))
	for _, p := range m.roster {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Peers returns roster members other than self, sorted.
func (m *Membership) Peers() []model.UserID {
	out := make([]model.UserID, 0, len(m.roster))
	for uid := range m.roster {
		if uid != m.self {
			out = append(out, uid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OnStateChanged registers fn and returns a function removing it.
func (m *Membership) OnStateChanged(fn func(Transition)) func() {
	id := m.nextObs
	m.nextObs++
	m.stateObs[id] = fn
	return func() { delete(m.stateObs, id) }
}

// OnRosterChanged registers fn and returns a function removing it.
func (m *Membership) OnRosterChanged(fn func(RosterChange)) func() {
	id := m.nextObs
	m.nextObs++
	m.rosterObs[id] = fn
	return func() { delete(m.rosterObs, id) }
}

// BeginJoin moves Idle -> Connecting towards rid.
func (m *Membership) BeginJoin(rid model.RoomID) error {
	if rid == "" {
		return ErrEmptyRoomID
	}
	switch m.state {
	case model.Connecting, model.Disconnecting:
		return ErrTransitionInProgress
	case model.Established:
		return ErrAlreadyInRoom
	}
	m.roomID = rid
	m.transition(model.Connecting)
	return nil
}

// CompleteJoin moves Connecting -> Established with the server roster.
// Self is always part of the resulting roster.
func (m *Membership) CompleteJoin(roster []model.UserID, now time.Time) error {
	if m.state != model.Connecting {
		return ErrInvalidTransition
	}
	m.roster[m.self] = model.Presence{UserID: m.self, RoomID: m.roomID, JoinedAt: now}
	for _, uid := range roster {
		m.roster[uid] = model.Presence{UserID: uid, RoomID: m.roomID, JoinedAt: now}
	}
	m.transition(model.Established)
	m.notifyRoster(m.Peers(), nil)
	return nil
}

// FailJoin moves Connecting -> Idle.
func (m *Membership) FailJoin() error {
	if m.state != model.Connecting {
		return ErrInvalidTransition
	}
	m.reset()
	return nil
}

// BeginLeave moves Established -> Disconnecting. It returns false without
// error when already Idle.
func (m *Membership) BeginLeave() (bool, error) {
	switch m.state {
	case model.Idle:
		return false, nil
	case model.Connecting, model.Disconnecting:
		return false, ErrTransitionInProgress
	}
	m.transition(model.Disconnecting)
	return true, nil
}

// CompleteLeave moves Disconnecting -> Idle.
func (m *Membership) CompleteLeave() error {
	if m.state != model.Disconnecting {
		return ErrInvalidTransition
	}
	m.reset()
	return nil
}

// Lost moves any state to Idle; used on channel loss.
func (m *Membership) Lost() bool {
	if m.state == model.Idle {
		return false
	}
	m.reset()
	return true
}

// UserJoined adds uid to the roster of rid.
func (m *Membership) UserJoined(rid model.RoomID, uid model.UserID, now time.Time) error {
	if m.state != model.Established || rid != m.roomID {
		return ErrStaleEvent
	}
	if _, ok := m.roster[uid]; ok {
		return nil
	}
	m.roster[uid] = model.Presence{UserID: uid, RoomID: rid, JoinedAt: now}
	m.notifyRoster([]model.UserID{uid}, nil)
	return nil
}

// UserLeft removes uid from the roster of rid. It reports whether self left,
// in which case the membership is already Idle.
func (m *Membership) UserLeft(rid model.RoomID, uid model.UserID) (bool, error) {
	if m.state != model.Established || rid != m.roomID {
		return false, ErrStaleEvent
	}
	if uid == m.self {
		m.reset()
		return true, nil
	}
	if _, ok := m.roster[uid]; !ok {
		return false, nil
	}
	delete(m.roster, uid)
	m.notifyRoster(nil, []model.UserID{uid})
	return false, nil
}

// RoomChanged applies a user moving from oldRID to newRID. A move of self
// out of the current room ends the membership.
func (m *Membership) RoomChanged(oldRID, newRID model.RoomID, uid model.UserID, now time.Time) (bool, error) {
	if m.state != model.Established {
		return false, ErrStaleEvent
	}
	switch {
	case oldRID == m.roomID && newRID == m.roomID:
		return false, nil
	case oldRID == m.roomID:
		return m.UserLeft(oldRID, uid)
	case newRID == m.roomID:
		if uid == m.self {
			return false, nil
		}
		return false, m.UserJoined(newRID, uid, now)
	}
	return false, ErrStaleEvent
}

func (m *Membership) reset() {
	var left []model.UserID
	for uid := range m.roster {
		if uid != m.self {
			left = append(left, uid)
		}
	}
	rid := m.roomID
	clear(m.roster)
	m.roomID = ""
	m.transitionFrom(rid, model.Idle)
	if len(left) > 0 {
		sort.Slice(left, func(i, j int) bool { return left[i] < left[j] })
		for _, fn := range m.rosterObs {
			fn(RosterChange{RoomID: rid, Left: left, Roster: []model.Presence{}})
		}
	}
}

func (m *Membership) transition(to model.ConnectionState) {
	m.transitionFrom(m.roomID, to)
}

func (m *Membership) transitionFrom(rid model.RoomID, to model.ConnectionState) {
	from := m.state
	m.state = to
	for _, fn := range m.stateObs {
		fn(Transition{From: from, To: to, RoomID: rid})
	}
}

func (m *Membership) notifyRoster(joined, left []model.UserID) {
	if len(m.rosterObs) == 0 {
		return
	}
	ch := RosterChange{RoomID: m.roomID, Joined: joined, Left: left, Roster: m.Roster()}
	for _, fn := range m.rosterObs {
		fn(ch)
	}
}
