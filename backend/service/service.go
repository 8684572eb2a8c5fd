package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/roomsync/backend/model"
	"github.com/adwski/roomsync/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultProbeTimeout = 2 * time.Second
)

var (
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
	ErrGet        = errors.New("unable to get room")
)

// Rejection reasons carried by Err acks.
const (
	ReasonMalformed      = "malformed payload"
	ReasonEmptyRoomID    = "empty room id"
	ReasonNotInRoom      = "not in room"
	ReasonPeerNotInRoom  = "peer not in room"
	ReasonPeerGone       = "peer unreachable"
	ReasonProbeTimeout   = "probe timed out"
	ReasonUnknownProbe   = "unknown probe"
	ReasonNotMaster      = "not the sync master"
	ReasonUnknownEvent   = "unknown event"
	ReasonUnexpectedKind = "unexpected frame kind"
)

type (
	RoomStore interface {
		JoinRoom(roomID, userID string, now time.Time) (model.Membership, error)
		LeaveRoom(userID string) (*model.Room, error)
		RoomOf(userID string) (*model.Room, error)
		GetRoom(roomID string) (*model.Room, error)
		SetMaster(userID string) (*model.Room, error)
	}

	Switch interface {
		Connect(userID, sessionID string, wire model.Wire) error
		Disconnect(userID, sessionID string) bool
		Send(ctx context.Context, userID string, env protocol.Envelope) bool
		Multicast(ctx context.Context, dst []string, env protocol.Envelope) int
	}

	// probe is a ping forwarded to a peer and waiting for its pong.
	probe struct {
		prober string
		target string
		req    protocol.Envelope
		timer  clockwork.Timer
	}

	Service struct {
		store        RoomStore
		sw           Switch
		clock        clockwork.Clock
		probeTimeout time.Duration

		mx     sync.Mutex
		probes map[string]*probe

		logger zerolog.Logger
	}

	Config struct {
		RoomStore    RoomStore
		Switch       Switch
		Logger       *zerolog.Logger
		Clock        clockwork.Clock
		ProbeTimeout time.Duration
	}
)

func NewService(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	return &Service{
		store:        cfg.RoomStore,
		sw:           cfg.Switch,
		clock:        cfg.Clock,
		probeTimeout: cfg.ProbeTimeout,
		probes:       make(map[string]*probe),
		logger:       cfg.Logger.With().Str("component", "service").Logger(),
	}
}

// CreateSession attaches the channel of userID and serves its requests
// until ctx is done.
func (svc *Service) CreateSession(ctx context.Context, userID, sessionID string, wire model.Wire) error {
	if err := svc.sw.Connect(userID, sessionID, wire); err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("userID", userID).
		Str("session", sessionID).
		Msg("channel session connected")

	go svc.serve(ctx, userID, wire.RX)
	return nil
}

// DeleteSession detaches the channel of userID. A user that loses its
// channel leaves its room.
func (svc *Service) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if !svc.sw.Disconnect(userID, sessionID) {
		return ErrDisconnect
	}
	svc.dropProbes(ctx, userID)
	if _, err := svc.leave(ctx, userID); err == nil {
		svc.logger.Debug().Str("userID", userID).Msg("user left room on disconnect")
	}
	svc.logger.Debug().
		Str("userID", userID).
		Str("session", sessionID).
		Msg("channel session deleted")
	return nil
}

func (svc *Service) GetRoom(roomID string) (*model.Room, error) {
	room, err := svc.store.GetRoom(roomID)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	return room, nil
}

func (svc *Service) serve(ctx context.Context, userID string, rx <-chan protocol.Envelope) {
	logger := svc.logger.With().Str("userID", userID).Logger()
ServeLoop:
	for {
		select {
		case <-ctx.Done():
			break ServeLoop
		case req, ok := <-rx:
			if !ok {
				break ServeLoop
			}
			ack, deferred := svc.handle(ctx, userID, req)
			if deferred {
				continue
			}
			if !svc.sw.Send(ctx, userID, ack) {
				logger.Debug().Str("event", req.Event).Msg("ack was not delivered")
			}
		}
	}
}

// handle processes one request of userID. A deferred ack is sent later by
// whoever completes the request.
func (svc *Service) handle(ctx context.Context, userID string, req protocol.Envelope) (protocol.Envelope, bool) {
	if req.Kind != protocol.KindRequest {
		return protocol.ErrAck(req, ReasonUnexpectedKind), false
	}
	svc.logger.Trace().
		Str("userID", userID).
		Str("event", req.Event).
		Str("id", req.ID).
		Msg("request")

	switch req.Event {
	case protocol.EventJoinRoom:
		return svc.joinRoom(ctx, userID, req), false
	case protocol.EventLeaveRoom:
		if _, err := svc.leave(ctx, userID); err != nil {
			return protocol.ErrAck(req, ReasonNotInRoom), false
		}
		return protocol.OkAck(req, nil), false
	case protocol.EventPing:
		return svc.ping(ctx, userID, req)
	case protocol.EventPong:
		return svc.pong(ctx, userID, req), false
	case protocol.EventPlaybackReport:
		return svc.playbackReport(ctx, userID, req), false
	case protocol.EventSyncMaster:
		return svc.syncMaster(ctx, userID, req), false
	case protocol.EventSyncCorrection:
		return svc.syncCorrection(ctx, userID, req), false
	default:
		return protocol.ErrAck(req, ReasonUnknownEvent), false
	}
}

func (svc *Service) joinRoom(ctx context.Context, userID string, req protocol.Envelope) protocol.Envelope {
	var p protocol.JoinRoomRequest
	if err := decode(req, &p); err != nil {
		return protocol.ErrAck(req, ReasonMalformed)
	}
	if p.RoomID == "" {
		return protocol.ErrAck(req, ReasonEmptyRoomID)
	}
	m, err := svc.store.JoinRoom(p.RoomID, userID, svc.clock.Now())
	if err != nil {
		return protocol.ErrAck(req, err.Error())
	}

	switch {
	case m.Previous != nil:
		push, _ := protocol.NewPush(protocol.EventRoomChanged, "", protocol.RoomChange{
			OldRoomID: m.Previous.ID,
			NewRoomID: p.RoomID,
			UserID:    userID,
		})
		svc.sw.Multicast(ctx, append(m.Previous.Members(userID), m.Room.Members(userID)...), push)
	case !m.Rejoined:
		push, _ := protocol.NewPush(protocol.EventUserJoined, "", protocol.UserRoom{RoomID: p.RoomID, UserID: userID})
		svc.sw.Multicast(ctx, m.Room.Members(userID), push)
	}

	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", p.RoomID).
		Bool("moved", m.Previous != nil).
		Msg("user joined room")
	return protocol.OkAck(req, protocol.JoinRoomAck{
		RoomID: p.RoomID,
		Roster: m.Room.Members(userID),
		Master: m.Room.Master,
	})
}

func (svc *Service) leave(ctx context.Context, userID string) (*model.Room, error) {
	room, err := svc.store.LeaveRoom(userID)
	if err != nil {
		return nil, err
	}
	push, _ := protocol.NewPush(protocol.EventUserLeft, "", protocol.UserRoom{RoomID: room.ID, UserID: userID})
	svc.sw.Multicast(ctx, room.Members(""), push)
	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", room.ID).
		Msg("user left room")
	return room, nil
}

func (svc *Service) ping(ctx context.Context, userID string, req protocol.Envelope) (protocol.Envelope, bool) {
	var p protocol.PingRequest
	if err := decode(req, &p); err != nil || p.Nonce == "" {
		return protocol.ErrAck(req, ReasonMalformed), false
	}
	if p.UserID == "" || p.UserID == userID {
		return protocol.OkAck(req, protocol.PingAck{Nonce: p.Nonce}), false
	}
	room, err := svc.store.RoomOf(userID)
	if err != nil {
		return protocol.ErrAck(req, ReasonNotInRoom), false
	}
	if _, ok := room.Participants[p.UserID]; !ok {
		return protocol.ErrAck(req, ReasonPeerNotInRoom), false
	}

	key := probeKey(userID, p.Nonce)
	pr := &probe{prober: userID, target: p.UserID, req: req}
	svc.mx.Lock()
	svc.probes[key] = pr
	pr.timer = svc.clock.AfterFunc(svc.probeTimeout, func() {
		if svc.takeProbe(key, "") != nil {
			svc.sw.Send(context.Background(), userID, protocol.ErrAck(req, ReasonProbeTimeout))
		}
	})
	svc.mx.Unlock()

	push, _ := protocol.NewPush(protocol.EventPing, userID, protocol.PingPush{Nonce: p.Nonce})
	if !svc.sw.Send(ctx, p.UserID, push) && svc.takeProbe(key, "") != nil {
		return protocol.ErrAck(req, ReasonPeerGone), false
	}
	return protocol.Envelope{}, true
}

func (svc *Service) pong(ctx context.Context, userID string, req protocol.Envelope) protocol.Envelope {
	var p protocol.PongRequest
	if err := decode(req, &p); err != nil || p.Nonce == "" {
		return protocol.ErrAck(req, ReasonMalformed)
	}
	pr := svc.takeProbe(probeKey(p.UserID, p.Nonce), userID)
	if pr == nil {
		return protocol.ErrAck(req, ReasonUnknownProbe)
	}
	if !svc.sw.Send(ctx, pr.prober, protocol.OkAck(pr.req, protocol.PingAck{Nonce: p.Nonce})) {
		svc.logger.Debug().Str("userID", pr.prober).Msg("probe answer was not delivered")
	}
	return protocol.OkAck(req, nil)
}

func probeKey(prober, nonce string) string {
	return prober + "/" + nonce
}

// takeProbe removes and returns the pending probe under key. When target is
// set the probe must be addressed to it.
func (svc *Service) takeProbe(key, target string) *probe {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	pr, ok := svc.probes[key]
	if !ok || (target != "" && pr.target != target) {
		return nil
	}
	delete(svc.probes, key)
	pr.timer.Stop()
	return pr
}

// dropProbes discards probes sent by userID and fails those addressed to it.
func (svc *Service) dropProbes(ctx context.Context, userID string) {
	var failed []*probe
	svc.mx.Lock()
	for key, pr := range svc.probes {
		if pr.prober == userID || pr.target == userID {
			delete(svc.probes, key)
			pr.timer.Stop()
			if pr.prober != userID {
				failed = append(failed, pr)
			}
		}
	}
	svc.mx.Unlock()

	for _, pr := range failed {
		svc.sw.Send(ctx, pr.prober, protocol.ErrAck(pr.req, ReasonPeerGone))
	}
}

func (svc *Service) playbackReport(ctx context.Context, userID string, req protocol.Envelope) protocol.Envelope {
	var p protocol.PlaybackReport
	if err := decode(req, &p); err != nil {
		return protocol.ErrAck(req, ReasonMalformed)
	}
	room, err := svc.store.RoomOf(userID)
	if err != nil {
		return protocol.ErrAck(req, ReasonNotInRoom)
	}
	p.RoomID = room.ID
	push, _ := protocol.NewPush(protocol.EventPlaybackReport, userID, p)
	svc.sw.Multicast(ctx, room.Members(userID), push)
	return protocol.OkAck(req, nil)
}

func (svc *Service) syncMaster(ctx context.Context, userID string, req protocol.Envelope) protocol.Envelope {
	room, err := svc.store.SetMaster(userID)
	if err != nil {
		return protocol.ErrAck(req, ReasonNotInRoom)
	}
	push, _ := protocol.NewPush(protocol.EventSyncMaster, userID, protocol.SyncMaster{RoomID: room.ID, UserID: userID})
	svc.sw.Multicast(ctx, room.Members(userID), push)
	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", room.ID).
		Msg("sync master designated")
	return protocol.OkAck(req, nil)
}

func (svc *Service) syncCorrection(ctx context.Context, userID string, req protocol.Envelope) protocol.Envelope {
	var p protocol.SyncCorrection
	if err := decode(req, &p); err != nil || p.UserID == "" {
		return protocol.ErrAck(req, ReasonMalformed)
	}
	room, err := svc.store.RoomOf(userID)
	if err != nil {
		return protocol.ErrAck(req, ReasonNotInRoom)
	}
	if room.Master != userID {
		return protocol.ErrAck(req, ReasonNotMaster)
	}
	if _, ok := room.Participants[p.UserID]; !ok {
		return protocol.ErrAck(req, ReasonPeerNotInRoom)
	}
	target := p.UserID
	p.RoomID, p.UserID = room.ID, ""
	push, _ := protocol.NewPush(protocol.EventSyncCorrection, userID, p)
	if !svc.sw.Send(ctx, target, push) {
		return protocol.ErrAck(req, ReasonPeerGone)
	}
	return protocol.OkAck(req, nil)
}

func decode(req protocol.Envelope, v any) error {
	if len(req.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(req.Payload, v)
}
