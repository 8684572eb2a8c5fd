package session

import (
	"reflect"
	"sync"
	"time"

	"github.com/adwski/roomsync/client/model"
)

const defaultSubscriptionQueueSize = 16

// Notice kinds.
const (
	NoticeJoinFailed    = "join_failed"
	NoticeForcedLeave   = "forced_leave"
	NoticeChannelLost   = "channel_lost"
	NoticeMasterChanged = "master_changed"
	NoticeMasterLost    = "master_lost"
	NoticePlayerError   = "player_error"
	NoticePlayerExited  = "player_exited"
	NoticeRejected      = "rejected"
)

type (
	// Snapshot is an immutable view of the session published after every
	// handled event. All fields are consistent with each other.
	Snapshot struct {
		State    model.ConnectionState          `json:"state"`
		RoomID   model.RoomID                   `json:"rid,omitempty"`
		Self     model.UserID                   `json:"uid"`
		Roster   []model.Presence               `json:"roster"`
		Pings    map[model.UserID]time.Duration `json:"pings"`
		Master   model.UserID                   `json:"master,omitempty"`
		Playback model.PlaybackState            `json:"playback"`
		Version  uint64                         `json:"version"`
	}

	// Notice is a user visible event that is not a state change.
	Notice struct {
		Kind   string       `json:"kind"`
		RoomID model.RoomID `json:"rid,omitempty"`
		UserID model.UserID `json:"uid,omitempty"`
		Error  string       `json:"error,omitempty"`
		At     time.Time    `json:"at"`
	}

	// Update carries either a Snapshot or a Notice.
	Update struct {
		Snapshot *Snapshot `json:"snapshot,omitempty"`
		Notice   *Notice   `json:"notice,omitempty"`
	}

	Subscription struct {
		c      chan Update
		remove func()
		once   sync.Once
	}

	subscribers struct {
		subs map[int]*Subscription
		next int
		mx   sync.Mutex
	}
)

// C delivers updates. Updates are dropped for a subscriber that falls behind.
func (s *Subscription) C() <-chan Update { return s.c }

// Close unsubscribes; C is closed afterwards.
func (s *Subscription) Close() {
	s.once.Do(s.remove)
}

func (ss *subscribers) add() *Subscription {
	ss.mx.Lock()
	defer ss.mx.Unlock()
	if ss.subs == nil {
		ss.subs = make(map[int]*Subscription)
	}
	id := ss.next
	ss.next++
	sub := &Subscription{c: make(chan Update, defaultSubscriptionQueueSize)}
	sub.remove = func() {
		ss.mx.Lock()
		defer ss.mx.Unlock()
		if _, ok := ss.subs[id]; ok {
			delete(ss.subs, id)
			close(sub.c)
		}
	}
	ss.subs[id] = sub
	return sub
}

func (ss *subscribers) broadcast(u Update) {
	ss.mx.Lock()
	defer ss.mx.Unlock()
	for _, sub := range ss.subs {
		select {
		case sub.c <- u:
		default:
		}
	}
}

func (ss *subscribers) closeAll() {
	ss.mx.Lock()
	defer ss.mx.Unlock()
	for id, sub := range ss.subs {
		delete(ss.subs, id)
		close(sub.c)
	}
}

// sameView reports whether two snapshots differ only by playback progress.
func sameView(a, b *Snapshot) bool {
	if a == nil || b == nil {
		return a == b
	}
	x, y := *a, *b
	x.Version, y.Version = 0, 0
	x.Playback.Position, y.Playback.Position = 0, 0
	x.Playback.UpdatedAt, y.Playback.UpdatedAt = time.Time{}, time.Time{}
	x.Playback.PositionAt, y.Playback.PositionAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(x, y)
}
