package memory

import (
	"errors"
	"sync"
	"time"

	"github.com/adwski/roomsync/backend/model"
)

var (
	ErrRoomIsFull   = errors.New("room is full")
	ErrRoomNotFound = errors.New("room is not found")
	ErrNotInRoom    = errors.New("user is not in a room")
)

// MemStore keeps rooms in memory. A user is in at most one room; empty rooms
// are dropped.
type MemStore struct {
	mx              *sync.Mutex
	db              map[string]*model.Room
	users           map[string]string
	maxParticipants int
}

// NewMemStore creates a store; maxParticipants <= 0 means unlimited.
func NewMemStore(maxParticipants int) *MemStore {
	return &MemStore{
		mx:              &sync.Mutex{},
		db:              make(map[string]*model.Room),
		users:           make(map[string]string),
		maxParticipants: maxParticipants,
	}
}

// JoinRoom puts userID into roomID, creating the room if needed and moving
// the user out of any other room. Rejoining the current room is a no-op.
func (ms *MemStore) JoinRoom(roomID, userID string, now time.Time) (model.Membership, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if ok {
		if _, member := room.Participants[userID]; member {
			return model.Membership{Room: room.Clone(), Rejoined: true}, nil
		}
		if ms.maxParticipants > 0 && len(room.Participants) >= ms.maxParticipants {
			return model.Membership{}, ErrRoomIsFull
		}
	} else {
		room = &model.Room{
			ID:           roomID,
			Participants: make(map[string]model.Participant),
		}
		ms.db[roomID] = room
	}

	var res model.Membership
	if prev, moved := ms.users[userID]; moved {
		res.Previous = ms.remove(prev, userID)
	}
	room.Participants[userID] = model.Participant{ID: userID, JoinedAt: now}
	ms.users[userID] = roomID
	res.Room = room.Clone()
	return res, nil
}

// LeaveRoom removes userID from its room and returns the room as it was
// after the removal.
func (ms *MemStore) LeaveRoom(userID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	roomID, ok := ms.users[userID]
	if !ok {
		return nil, ErrNotInRoom
	}
	return ms.remove(roomID, userID), nil
}

// remove returns the room after userID left; Master is cleared if it was
// the leaving user.
func (ms *MemStore) remove(roomID, userID string) *model.Room {
	delete(ms.users, userID)
	room, ok := ms.db[roomID]
	if !ok {
		return &model.Room{ID: roomID, Participants: map[string]model.Participant{}}
	}
	delete(room.Participants, userID)
	if room.Master == userID {
		room.Master = ""
	}
	res := room.Clone()
	if len(room.Participants) == 0 {
		delete(ms.db, roomID)
	}
	return res
}

// RoomOf returns the room userID is in.
func (ms *MemStore) RoomOf(userID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	roomID, ok := ms.users[userID]
	if !ok {
		return nil, ErrNotInRoom
	}
	return ms.db[roomID].Clone(), nil
}

func (ms *MemStore) GetRoom(roomID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room.Clone(), nil
}

// SetMaster makes userID the master of its room.
func (ms *MemStore) SetMaster(userID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	roomID, ok := ms.users[userID]
	if !ok {
		return nil, ErrNotInRoom
	}
	room := ms.db[roomID]
	room.Master = userID
	return room.Clone(), nil
}
