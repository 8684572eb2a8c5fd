// Package session runs the room synchronization client.
//
// A Session owns the room membership, the latency tracker, the sync
// coordinator and the player bridge. They are only touched by the Run loop;
// public operations are posted to it and wait for their outcome.
package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/roomsync/client/channel"
	"github.com/adwski/roomsync/client/coordinator"
	"github.com/adwski/roomsync/client/latency"
	"github.com/adwski/roomsync/client/model"
	"github.com/adwski/roomsync/client/player"
	"github.com/adwski/roomsync/client/room"
	"github.com/adwski/roomsync/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultJoinTimeout    = 5 * time.Second
	DefaultLeaveTimeout   = 5 * time.Second
	DefaultRequestTimeout = 5 * time.Second
	DefaultProbeInterval  = 3 * time.Second
	DefaultProbeTimeout   = 2 * time.Second
	DefaultReportInterval = time.Second
	DefaultRetryBackoff   = 500 * time.Millisecond
)

var (
	ErrClosed         = errors.New("session is closed")
	ErrTimeout        = errors.New("request timed out")
	ErrNotEstablished = errors.New("not in a room")
	ErrUnreachable    = errors.New("room server unreachable")
	ErrChannelLost    = errors.New("channel lost")
)

type (
	Config struct {
		Logger  *zerolog.Logger
		Clock   clockwork.Clock
		Self    model.UserID
		Channel channel.Channel
		Bridge  *player.Bridge
		Sync    coordinator.Config

		JoinTimeout    time.Duration
		LeaveTimeout   time.Duration
		RequestTimeout time.Duration
		ProbeInterval  time.Duration
		ProbeTimeout   time.Duration
		ReportInterval time.Duration
		RetryBackoff   time.Duration
	}

	Session struct {
		ch         channel.Channel
		clock      clockwork.Clock
		membership *room.Membership
		tracker    *latency.Tracker
		coord      *coordinator.Coordinator
		bridge     *player.Bridge
		self       model.UserID
		cfg        Config

		inbox     chan func()
		closing   chan struct{}
		done      chan struct{}
		closeOnce sync.Once
		running   atomic.Bool

		snapshot atomic.Pointer[Snapshot]
		version  uint64
		subs     subscribers

		// room scope, replaced on every join
		roomCtx    context.Context
		roomCancel context.CancelFunc
		roomGen    uint64

		probeTicker  clockwork.Ticker
		reportTicker clockwork.Ticker
		leaveReply   chan<- error
		replies      []func()

		logger zerolog.Logger
	}
)

func New(cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	setDefault(&cfg.JoinTimeout, DefaultJoinTimeout)
	setDefault(&cfg.LeaveTimeout, DefaultLeaveTimeout)
	setDefault(&cfg.RequestTimeout, DefaultRequestTimeout)
	setDefault(&cfg.ProbeInterval, DefaultProbeInterval)
	setDefault(&cfg.ProbeTimeout, DefaultProbeTimeout)
	setDefault(&cfg.ReportInterval, DefaultReportInterval)
	setDefault(&cfg.RetryBackoff, DefaultRetryBackoff)

	s := &Session{
		cfg:        cfg,
		ch:         cfg.Channel,
		clock:      cfg.Clock,
		self:       cfg.Self,
		bridge:     cfg.Bridge,
		membership: room.NewMembership(room.Config{Self: cfg.Self}),
		tracker:    latency.NewTracker(),
		coord:      coordinator.New(cfg.Self, cfg.Sync),
		inbox:      make(chan func()),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		roomCtx:    context.Background(),
		roomCancel: func() {},
		logger: cfg.Logger.With().
			Str("component", "session").
			Str("userID", string(cfg.Self)).
			Logger(),
	}
	s.membership.OnStateChanged(s.logTransition)
	s.publish()
	return s
}

func (s *Session) logTransition(tr room.Transition) {
	s.logger.Debug().
		Str("from", tr.From.String()).
		Str("to", tr.To.String()).
		Str("roomID", string(tr.RoomID)).
		Msg("connection state changed")
}

func setDefault(d *time.Duration, v time.Duration) {
	if *d <= 0 {
		*d = v
	}
}

// Run processes events until ctx is cancelled or Close is called.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session is already running")
	}
	defer s.teardown()

	chDone := s.ch.Done()
	s.logger.Debug().Msg("session started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closing:
			return nil
		case fn := <-s.inbox:
			fn()
		case ev := <-s.ch.Events():
			s.handleEvent(ev)
		case <-chDone:
			chDone = nil
			s.channelLost()
		case pev := <-s.bridge.Events():
			s.handlePlayerEvent(pev)
		case <-tickerChan(s.probeTicker):
			s.probe()
		case <-tickerChan(s.reportTicker):
			s.report()
		}
		s.publish()
		s.flushReplies()
	}
}

// respond queues an operation outcome. Outcomes are sent after the step's
// snapshot is published, so a caller never observes a stale state.
func (s *Session) respond(reply chan<- error, err error) {
	s.replies = append(s.replies, func() { reply <- err })
}

func (s *Session) flushReplies() {
	for _, r := range s.replies {
		r()
	}
	s.replies = s.replies[:0]
}

func tickerChan(t clockwork.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

func (s *Session) teardown() {
	s.membership.Lost()
	s.toIdle()
	if err := s.ch.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("channel close")
	}
	if s.leaveReply != nil {
		s.respond(s.leaveReply, ErrClosed)
		s.leaveReply = nil
	}
	s.publish()
	s.flushReplies()
	s.bridge.Wait()
	close(s.done)
	s.subs.closeAll()
	s.logger.Debug().Msg("session stopped")
}

// Close stops Run, quits the player and closes the channel.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	if s.running.Load() {
		<-s.done
	}
	return nil
}

// post runs fn on the loop.
func (s *Session) post(ctx context.Context, fn func()) error {
	select {
	case s.inbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	case <-s.closing:
		return ErrClosed
	}
}

// deliver hands a completion from a helper goroutine back to the loop. It
// returns false when the loop is gone and fn will never run.
func (s *Session) deliver(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call posts fn and waits for the error it sends to its reply channel.
func (s *Session) call(ctx context.Context, fn func(reply chan<- error)) error {
	reply := make(chan error, 1)
	if err := s.post(ctx, func() { fn(reply) }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// JoinRoom joins rid and returns once the join is acknowledged, rejected,
// or timed out.
func (s *Session) JoinRoom(ctx context.Context, rid model.RoomID) error {
	return s.call(ctx, func(reply chan<- error) { s.beginJoin(rid, reply) })
}

// LeaveRoom leaves the current room. It is a no-op when not in a room.
func (s *Session) LeaveRoom(ctx context.Context) error {
	return s.call(ctx, func(reply chan<- error) { s.beginLeave(reply) })
}

// SyncToMaster designates the local user as sync master of the room.
func (s *Session) SyncToMaster(ctx context.Context) error {
	return s.call(ctx, func(reply chan<- error) { s.beginSyncMaster(reply) })
}

// Play starts the local player on mediaRef.
func (s *Session) Play(ctx context.Context, mediaRef string) error {
	return s.call(ctx, func(reply chan<- error) { s.beginPlay(ctx, mediaRef, reply) })
}

// SetTracks forwards a track selection to the local player.
func (s *Session) SetTracks(ctx context.Context, audio, subtitles *int64) error {
	return s.call(ctx, func(reply chan<- error) {
		s.respond(reply, s.bridge.SetTracks(audio, subtitles))
	})
}

// Tune replaces the sync tolerances.
func (s *Session) Tune(ctx context.Context, cfg coordinator.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.call(ctx, func(reply chan<- error) {
		s.coord.Tune(cfg)
		s.logger.Info().
			Dur("tolerance", cfg.Tolerance).
			Dur("majorDesync", cfg.MajorDesync).
			Float64("minorSpeedStep", cfg.MinorSpeedStep).
			Bool("syncPause", cfg.SyncPause).
			Bool("syncTracks", cfg.SyncTracks).
			Msg("sync tuning updated")
		s.respond(reply, nil)
	})
}

// OnRosterChanged registers fn for roster changes. fn runs on the session
// loop and must not call back into the Session. The returned function
// removes the observer.
func (s *Session) OnRosterChanged(fn func(room.RosterChange)) (func(), error) {
	var remove func()
	err := s.call(context.Background(), func(reply chan<- error) {
		remove = s.membership.OnRosterChanged(fn)
		s.respond(reply, nil)
	})
	if err != nil {
		return nil, err
	}
	return func() {
		_ = s.post(context.Background(), remove)
	}, nil
}

// State returns the connection state of the last published snapshot.
func (s *Session) State() model.ConnectionState {
	return s.snapshot.Load().State
}

// Snapshot returns the last published snapshot. It must not be modified.
func (s *Session) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Subscribe returns a feed of snapshots and notices, starting with the
// current snapshot.
func (s *Session) Subscribe() *Subscription {
	sub := s.subs.add()
	sub.c <- Update{Snapshot: s.snapshot.Load()}
	return sub
}

func (s *Session) publish() {
	pings := make(map[model.UserID]time.Duration)
	for uid, d := range s.tracker.Table() {
		pings[uid] = d
	}
	master, _ := s.coord.Master()
	snap := &Snapshot{
		State:    s.membership.State(),
		RoomID:   s.membership.RoomID(),
		Self:     s.self,
		Roster:   s.membership.Roster(),
		Pings:    pings,
		Master:   master,
		Playback: s.bridge.State(),
	}
	prev := s.snapshot.Load()
	if prev != nil {
		snap.Version = prev.Version
		if reflect.DeepEqual(prev, snap) {
			return
		}
	}
	s.version++
	snap.Version = s.version
	s.snapshot.Store(snap)
	if !sameView(prev, snap) {
		s.subs.broadcast(Update{Snapshot: snap})
	}
}

func (s *Session) notify(kind string, err error) {
	s.notifyRoom(kind, s.membership.RoomID(), "", err)
}

func (s *Session) notifyRoom(kind string, rid model.RoomID, uid model.UserID, err error) {
	n := &Notice{
		Kind:   kind,
		RoomID: rid,
		UserID: uid,
		At:     s.clock.Now(),
	}
	if err != nil {
		n.Error = err.Error()
	}
	s.subs.broadcast(Update{Notice: n})
}

// openRoomScope starts a new room generation; completions of the previous
// one are discarded.
func (s *Session) openRoomScope() {
	s.roomCancel()
	s.roomGen++
	s.roomCtx, s.roomCancel = context.WithCancel(context.Background())
}

func (s *Session) closeRoomScope() {
	s.roomCancel()
	s.roomGen++
	s.roomCtx, s.roomCancel = context.Background(), func() {}
	s.stopTickers()
}

func (s *Session) startTickers() {
	s.stopTickers()
	s.probeTicker = s.clock.NewTicker(s.cfg.ProbeInterval)
	s.reportTicker = s.clock.NewTicker(s.cfg.ReportInterval)
}

func (s *Session) stopTickers() {
	if s.probeTicker != nil {
		s.probeTicker.Stop()
		s.probeTicker = nil
	}
	if s.reportTicker != nil {
		s.reportTicker.Stop()
		s.reportTicker = nil
	}
}

// toIdle clears every room scoped table at once; observers see either the
// full room state or none of it.
func (s *Session) toIdle() {
	s.closeRoomScope()
	s.tracker.Stop()
	s.coord.Reset()
	_ = s.bridge.Quit()
}

// request sends one request bounded by timeout.
func (s *Session) request(
	ctx context.Context,
	event string,
	payload any,
	timeout time.Duration,
) (protocol.Ack, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		ack protocol.Ack
		err error
	}
	out := make(chan result, 1)
	go func() {
		ack, err := s.ch.Request(ctx, event, payload)
		out <- result{ack, err}
	}()

	timer := s.clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-out:
		return r.ack, r.err
	case <-timer.Chan():
		return protocol.Ack{}, ErrTimeout
	case <-ctx.Done():
		return protocol.Ack{}, ctx.Err()
	}
}

// sendWithRetry retries a transport failure once after the backoff. An Err
// ack is a final answer and is returned as *protocol.Error.
func (s *Session) sendWithRetry(ctx context.Context, event string, payload any) error {
	ack, err := s.request(ctx, event, payload, s.cfg.RequestTimeout)
	if err == nil {
		return ack.Err()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.Debug().Err(err).Str("event", event).Msg("request failed, retrying")

	backoff := s.clock.NewTimer(s.cfg.RetryBackoff)
	defer backoff.Stop()
	select {
	case <-backoff.Chan():
	case <-ctx.Done():
		return ctx.Err()
	}

	ack, err = s.request(ctx, event, payload, s.cfg.RequestTimeout)
	if err != nil {
		return errors.Join(ErrUnreachable, err)
	}
	return ack.Err()
}
