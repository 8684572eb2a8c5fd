package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/adwski/roomsync/client/coordinator"
	"github.com/adwski/roomsync/client/model"
	"github.com/adwski/roomsync/client/player"
	"github.com/adwski/roomsync/protocol"
)

func (s *Session) beginJoin(rid model.RoomID, reply chan<- error) {
	if err := s.membership.BeginJoin(rid); err != nil {
		s.respond(reply, err)
		return
	}
	s.openRoomScope()
	gen, ctx := s.roomGen, s.roomCtx
	s.logger.Info().Str("roomID", string(rid)).Msg("joining room")

	go func() {
		ack, err := s.request(ctx, protocol.EventJoinRoom,
			protocol.JoinRoomRequest{RoomID: string(rid)}, s.cfg.JoinTimeout)
		if !s.deliver(func() { s.completeJoin(gen, rid, ack, err, reply) }) {
			reply <- ErrClosed
		}
	}()
}

func (s *Session) completeJoin(gen uint64, rid model.RoomID, ack protocol.Ack, err error, reply chan<- error) {
	if gen != s.roomGen {
		s.respond(reply, errors.Join(ErrChannelLost, err))
		return
	}

	var payload protocol.JoinRoomAck
	if err == nil {
		err = ack.Decode(&payload)
	}
	if err != nil {
		_ = s.membership.FailJoin()
		s.closeRoomScope()
		s.logger.Warn().Err(err).Str("roomID", string(rid)).Msg("join failed")
		s.notifyRoom(NoticeJoinFailed, rid, "", err)
		s.respond(reply, err)
		return
	}

	roster := make([]model.UserID, 0, len(payload.Roster))
	for _, uid := range payload.Roster {
		roster = append(roster, model.UserID(uid))
	}
	if err = s.membership.CompleteJoin(roster, s.clock.Now()); err != nil {
		s.respond(reply, err)
		return
	}
	s.tracker.Start(s.membership.Peers())
	if master := model.UserID(payload.Master); master != "" && s.membership.Has(master) {
		s.coord.Designate(master)
	}
	s.startTickers()
	s.logger.Info().
		Str("roomID", string(rid)).
		Int("peers", len(roster)).
		Str("master", payload.Master).
		Msg("room joined")
	s.respond(reply, nil)
}

func (s *Session) beginLeave(reply chan<- error) {
	ok, err := s.membership.BeginLeave()
	if err != nil {
		s.respond(reply, err)
		return
	}
	if !ok {
		s.respond(reply, nil)
		return
	}
	s.startLeave(reply)
}

// forceLeave leaves an Established room on a fatal condition.
func (s *Session) forceLeave(reason error) {
	if s.membership.State() != model.Established {
		return
	}
	if _, err := s.membership.BeginLeave(); err != nil {
		return
	}
	s.logger.Warn().Err(reason).Str("roomID", string(s.membership.RoomID())).Msg("forcing room leave")
	s.notify(NoticeForcedLeave, reason)
	s.startLeave(nil)
}

// startLeave cancels everything scoped to the room and sends leave_room
// bounded by the leave timeout.
func (s *Session) startLeave(reply chan<- error) {
	s.stopTickers()
	s.roomCancel()
	s.leaveReply = reply
	gen := s.roomGen

	go func() {
		ack, err := s.request(context.Background(), protocol.EventLeaveRoom, nil, s.cfg.LeaveTimeout)
		s.deliver(func() { s.completeLeave(gen, ack, err) })
	}()
}

func (s *Session) completeLeave(gen uint64, ack protocol.Ack, err error) {
	if gen != s.roomGen {
		return
	}
	rid := s.membership.RoomID()
	_ = s.membership.CompleteLeave()
	s.toIdle()

	if err == nil {
		err = ack.Err()
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("roomID", string(rid)).Msg("leave not acknowledged")
	} else {
		s.logger.Info().Str("roomID", string(rid)).Msg("room left")
	}
	if s.leaveReply != nil {
		s.respond(s.leaveReply, err)
		s.leaveReply = nil
	}
}

func (s *Session) channelLost() {
	rid := s.membership.RoomID()
	if s.membership.Lost() {
		s.toIdle()
		s.logger.Warn().Str("roomID", string(rid)).Msg("channel lost, room state cleared")
	} else {
		s.logger.Warn().Msg("channel lost")
	}
	if s.leaveReply != nil {
		s.respond(s.leaveReply, nil)
		s.leaveReply = nil
	}
	s.notifyRoom(NoticeChannelLost, rid, "", nil)
}

func (s *Session) beginSyncMaster(reply chan<- error) {
	if s.membership.State() != model.Established {
		s.respond(reply, ErrNotEstablished)
		return
	}
	s.sendSync(protocol.EventSyncMaster, protocol.SyncMaster{}, func(err error, stale bool) {
		switch {
		case stale:
			s.respond(reply, ErrNotEstablished)
		case err != nil:
			s.respond(reply, err)
		default:
			s.coord.Designate(s.self)
			s.logger.Info().Msg("designated self as sync master")
			s.notifyRoom(NoticeMasterChanged, s.membership.RoomID(), s.self, nil)
			s.respond(reply, nil)
		}
	})
}

func (s *Session) beginPlay(ctx context.Context, mediaRef string, reply chan<- error) {
	go func() {
		proc, err := s.bridge.Spawn(ctx, mediaRef)
		ok := s.deliver(func() {
			if err != nil {
				s.logger.Warn().Err(err).Msg("player start failed")
				s.notify(NoticePlayerError, err)
				s.respond(reply, err)
				return
			}
			s.bridge.Attach(proc, mediaRef)
			s.respond(reply, nil)
		})
		if !ok {
			if proc != nil {
				_ = proc.Quit()
			}
			reply <- ErrClosed
		}
	}()
}

// sendSync sends an outgoing sync event with one retry. A second transport
// failure forces a leave. done, when set, runs on the loop; stale reports
// that the room scope ended meanwhile.
func (s *Session) sendSync(event string, payload any, done func(err error, stale bool)) {
	gen, ctx := s.roomGen, s.roomCtx
	go func() {
		err := s.sendWithRetry(ctx, event, payload)
		s.deliver(func() {
			stale := gen != s.roomGen || ctx.Err() != nil
			if !stale {
				s.checkSyncResult(event, err)
			}
			if done != nil {
				done(err, stale)
			}
		})
	}()
}

func (s *Session) checkSyncResult(event string, err error) {
	if err == nil {
		return
	}
	var perr *protocol.Error
	switch {
	case errors.As(err, &perr):
		s.logger.Warn().Err(err).Str("event", event).Msg("sync event rejected")
		s.notify(NoticeRejected, err)
	case errors.Is(err, ErrUnreachable):
		s.forceLeave(err)
	default:
		s.logger.Debug().Err(err).Str("event", event).Msg("sync event failed")
	}
}

func (s *Session) probe() {
	if s.membership.State() != model.Established {
		return
	}
	gen, ctx := s.roomGen, s.roomCtx
	due := s.tracker.Due()
	if len(due) > 0 {
		s.logger.Trace().
			Int("sent", len(due)).
			Int("outstanding", s.tracker.Outstanding()).
			Msg("latency probes sent")
	}
	for _, p := range due {
		sent := s.clock.Now()
		go func() {
			ack, err := s.request(ctx, protocol.EventPing,
				protocol.PingRequest{Nonce: p.Nonce, UserID: string(p.Peer)}, s.cfg.ProbeTimeout)
			rtt := s.clock.Since(sent)
			s.deliver(func() { s.completeProbe(gen, p.Peer, p.Nonce, rtt, ack, err) })
		}()
	}
}

func (s *Session) completeProbe(
	gen uint64,
	peer model.UserID,
	nonce string,
	rtt time.Duration,
	ack protocol.Ack,
	err error,
) {
	if gen != s.roomGen {
		return
	}
	var pa protocol.PingAck
	if err == nil {
		err = ack.Decode(&pa)
	}
	if err == nil && pa.Nonce != nonce {
		err = errors.New("nonce mismatch")
	}
	if err != nil {
		s.tracker.Drop(peer, nonce)
		s.logger.Trace().Err(err).Str("peer", string(peer)).Msg("probe dropped")
		return
	}
	prev, _ := s.tracker.Latency(peer)
	if s.tracker.Complete(peer, nonce, rtt) {
		s.logger.Trace().
			Str("peer", string(peer)).
			Dur("rtt", rtt).
			Dur("previous", prev).
			Msg("latency sampled")
		s.coord.SetLatencies(s.tracker.Table())
	}
}

func (s *Session) report() {
	st := s.bridge.State()
	if s.membership.State() != model.Established || !st.Running {
		return
	}
	now := s.clock.Now()
	r := coordinator.Report{
		Speed:     st.Speed,
		Position:  st.Position,
		Paused:    st.Paused,
		Audio:     st.Audio,
		Subtitles: st.Subtitles,
		At:        st.PositionAt,
	}
	s.applyCorrections(s.coord.Observe(s.self, r, now))

	s.sendSync(protocol.EventPlaybackReport, protocol.PlaybackReport{
		PositionMS: r.Extrapolate(now).Milliseconds(),
		Speed:      st.Speed,
		Paused:     st.Paused,
		Audio:      st.Audio,
		Subtitles:  st.Subtitles,
	}, nil)
}

func (s *Session) applyCorrections(corrs []coordinator.Correction) {
	for _, c := range corrs {
		if c.Target == s.self {
			s.applyLocal(c)
			continue
		}
		msg := protocol.SyncCorrection{UserID: string(c.Target), Speed: c.Speed, Pause: c.Pause}
		if c.Seek != nil {
			ms := c.Seek.Milliseconds()
			msg.PositionMS = &ms
		}
		if c.Tracks != nil {
			msg.Tracks = &protocol.Tracks{Audio: c.Tracks.Audio, Subtitles: c.Tracks.Subtitles}
		}
		ev := s.logger.Info().Str("target", string(c.Target))
		if c.Speed != nil {
			ev = ev.Float64("speed", *c.Speed)
		}
		if c.Seek != nil {
			ev = ev.Dur("seek", *c.Seek)
		}
		if c.Pause != nil {
			ev = ev.Bool("pause", *c.Pause)
		}
		if c.Tracks != nil {
			ev = ev.Bool("tracks", true)
		}
		ev.Msg("sending correction")
		s.sendSync(protocol.EventSyncCorrection, msg, nil)
	}
}

// applyLocal drives the local player; failures are reported, never fatal.
func (s *Session) applyLocal(c coordinator.Correction) {
	if c.Seek != nil {
		if err := s.bridge.Seek(*c.Seek); err != nil {
			s.playerError(err)
		}
	}
	if c.Speed != nil {
		if err := s.bridge.SetSpeed(*c.Speed); err != nil {
			s.playerError(err)
		}
	}
	if c.Pause != nil {
		if err := s.bridge.SetPause(*c.Pause); err != nil {
			s.playerError(err)
		}
	}
	if c.Tracks != nil {
		if err := s.bridge.SetTracks(c.Tracks.Audio, c.Tracks.Subtitles); err != nil {
			s.playerError(err)
		}
	}
}

func (s *Session) playerError(err error) {
	s.logger.Warn().Err(err).Msg("player command failed")
	s.notify(NoticePlayerError, err)
}

func (s *Session) handlePlayerEvent(ev player.Event) {
	if ev.Kind == player.EventError {
		s.playerError(errors.Join(player.ErrCommand, ev.Err))
		return
	}
	if !s.bridge.Apply(ev) {
		return
	}
	s.notify(NoticePlayerExited, ev.Err)
	s.forceLeave(errors.Join(errors.New("player exited"), ev.Err))
}

func (s *Session) handleEvent(ev protocol.Event) {
	var err error
	switch ev.Name {
	case protocol.EventUserJoined:
		err = s.onUserJoined(ev)
	case protocol.EventUserLeft:
		err = s.onUserLeft(ev)
	case protocol.EventRoomChanged:
		err = s.onRoomChanged(ev)
	case protocol.EventPing:
		err = s.onPing(ev)
	case protocol.EventPlaybackReport:
		err = s.onPlaybackReport(ev)
	case protocol.EventSyncMaster:
		err = s.onSyncMaster(ev)
	case protocol.EventSyncCorrection:
		err = s.onSyncCorrection(ev)
	default:
		err = errUnknownEvent
	}
	if err != nil {
		s.logger.Debug().
			Err(err).
			Str("event", ev.Name).
			Str("src", ev.Src).
			Str("state", s.membership.State().String()).
			Msg("event discarded")
	}
}

var (
	errUnknownEvent = errors.New("unknown event")
	errStale        = errors.New("stale event")
)

func decode(ev protocol.Event, v any) error {
	if len(ev.Payload) == 0 {
		return protocol.ErrEmptyPayload
	}
	return json.Unmarshal(ev.Payload, v)
}

func (s *Session) onUserJoined(ev protocol.Event) error {
	var p protocol.UserRoom
	if err := decode(ev, &p); err != nil {
		return err
	}
	uid := model.UserID(p.UserID)
	if err := s.membership.UserJoined(model.RoomID(p.RoomID), uid, s.clock.Now()); err != nil {
		return err
	}
	s.tracker.AddPeer(uid)
	return nil
}

func (s *Session) onUserLeft(ev protocol.Event) error {
	var p protocol.UserRoom
	if err := decode(ev, &p); err != nil {
		return err
	}
	rid, uid := model.RoomID(p.RoomID), model.UserID(p.UserID)
	self, err := s.membership.UserLeft(rid, uid)
	if err != nil {
		return err
	}
	if self {
		s.removed(rid)
		return nil
	}
	s.peerGone(uid)
	return nil
}

func (s *Session) onRoomChanged(ev protocol.Event) error {
	var p protocol.RoomChange
	if err := decode(ev, &p); err != nil {
		return err
	}
	cur := s.membership.RoomID()
	oldRID, newRID, uid := model.RoomID(p.OldRoomID), model.RoomID(p.NewRoomID), model.UserID(p.UserID)
	self, err := s.membership.RoomChanged(oldRID, newRID, uid, s.clock.Now())
	if err != nil {
		return err
	}
	switch {
	case self:
		s.removed(cur)
	case oldRID == cur && newRID != cur:
		s.peerGone(uid)
	case newRID == cur && oldRID != cur && uid != s.self:
		s.tracker.AddPeer(uid)
	}
	return nil
}

// removed handles the server moving the local user out of the room.
func (s *Session) removed(rid model.RoomID) {
	s.toIdle()
	s.logger.Warn().Str("roomID", string(rid)).Msg("removed from room")
	s.notifyRoom(NoticeForcedLeave, rid, s.self, nil)
}

func (s *Session) peerGone(uid model.UserID) {
	s.tracker.RemovePeer(uid)
	if s.coord.Forget(uid) {
		s.logger.Info().Str("master", string(uid)).Msg("sync master left, corrections stopped")
		s.notifyRoom(NoticeMasterLost, s.membership.RoomID(), uid, nil)
	}
}

func (s *Session) onPing(ev protocol.Event) error {
	if s.membership.State() != model.Established || !s.membership.Has(model.UserID(ev.Src)) {
		return errStale
	}
	var p protocol.PingPush
	if err := decode(ev, &p); err != nil {
		return err
	}
	ctx := s.roomCtx
	go func() {
		ack, err := s.request(ctx, protocol.EventPong,
			protocol.PongRequest{Nonce: p.Nonce, UserID: ev.Src}, s.cfg.ProbeTimeout)
		if err == nil {
			err = ack.Err()
		}
		if err != nil {
			s.logger.Trace().Err(err).Str("peer", ev.Src).Msg("pong failed")
		}
	}()
	return nil
}

func (s *Session) inRoom(rid string, src string) error {
	if s.membership.State() != model.Established ||
		model.RoomID(rid) != s.membership.RoomID() ||
		!s.membership.Has(model.UserID(src)) {
		return errStale
	}
	return nil
}

func (s *Session) onPlaybackReport(ev protocol.Event) error {
	var p protocol.PlaybackReport
	if err := decode(ev, &p); err != nil {
		return err
	}
	if err := s.inRoom(p.RoomID, ev.Src); err != nil || model.UserID(ev.Src) == s.self {
		return errStale
	}
	now := s.clock.Now()
	r := coordinator.Report{
		Speed:     p.Speed,
		Position:  time.Duration(p.PositionMS) * time.Millisecond,
		Paused:    p.Paused,
		Audio:     p.Audio,
		Subtitles: p.Subtitles,
		At:        now,
	}
	s.applyCorrections(s.coord.Observe(model.UserID(ev.Src), r, now))
	return nil
}

func (s *Session) onSyncMaster(ev protocol.Event) error {
	var p protocol.SyncMaster
	if err := decode(ev, &p); err != nil {
		return err
	}
	if err := s.inRoom(p.RoomID, p.UserID); err != nil {
		return err
	}
	uid := model.UserID(p.UserID)
	if cur, _ := s.coord.Master(); cur == uid {
		return nil
	}
	s.coord.Designate(uid)
	s.logger.Info().Str("master", p.UserID).Msg("sync master changed")
	s.notifyRoom(NoticeMasterChanged, s.membership.RoomID(), uid, nil)
	return nil
}

func (s *Session) onSyncCorrection(ev protocol.Event) error {
	var p protocol.SyncCorrection
	if err := decode(ev, &p); err != nil {
		return err
	}
	if err := s.inRoom(p.RoomID, ev.Src); err != nil {
		return err
	}
	master, ok := s.coord.Master()
	if !ok || model.UserID(ev.Src) != master || master == s.self {
		return errStale
	}
	c := coordinator.Correction{Target: s.self, Speed: p.Speed, Pause: p.Pause}
	if p.PositionMS != nil {
		d := time.Duration(*p.PositionMS) * time.Millisecond
		c.Seek = &d
	}
	if p.Tracks != nil {
		c.Tracks = &coordinator.Tracks{Audio: p.Tracks.Audio, Subtitles: p.Tracks.Subtitles}
	}
	s.logger.Debug().Str("master", ev.Src).Msg("applying correction")
	s.applyLocal(c)
	return nil
}
