// Package nats serves channel sessions over NATS request/reply.
//
// A user sends requests to <prefix>.rpc.<uid> and gets acks as replies;
// pushes are published to <prefix>.push.<uid>. NATS has no notion of a
// connected peer, so a session starts with the first request of a user and
// is reaped after it has been idle for IdleTimeout.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/adwski/roomsync/backend/model"
	"github.com/adwski/roomsync/protocol"
	"github.com/jonboulle/clockwork"
	natsio "github.com/nats-io/nats.go"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

const (
	DefaultIdleTimeout = 5 * time.Minute

	defaultInboxSize           = 64
	defaultSessionCloseTimeout = 2 * time.Second
	defaultDrainTimeout        = 5 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
	ErrConnect    = errors.New("unable to connect to nats")
)

// Reasons for requests rejected before they reach the service.
const (
	ReasonBusy      = "too many requests in flight"
	ReasonNoSession = "channel session rejected"
	ReasonNoID      = "request id is required"
)

type (
	ChannelService interface {
		CreateSession(ctx context.Context, userID, sessionID string, wire model.Wire) error
		DeleteSession(ctx context.Context, userID, sessionID string) error
	}

	// Publisher is the part of *nats.Conn the server writes with.
	Publisher interface {
		Publish(subject string, data []byte) error
	}

	Config struct {
		Logger         *zerolog.Logger
		ChannelService ChannelService
		URL            string
		// SubjectPrefix defaults to protocol.DefaultSubjectPrefix.
		SubjectPrefix string
		IdleTimeout   time.Duration
		Clock         clockwork.Clock
		Options       []natsio.Option
	}

	session struct {
		id       string
		userID   string
		wire     model.Wire
		inbox    chan protocol.Envelope
		cancel   context.CancelFunc
		lastSeen time.Time

		mx      sync.Mutex
		replies map[string]string
	}

	Server struct {
		svc    ChannelService
		clock  clockwork.Clock
		url    string
		prefix string
		idle   time.Duration
		opts   []natsio.Option
		pub    Publisher

		mx       sync.Mutex
		sessions map[string]*session

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = protocol.DefaultSubjectPrefix
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.URL == "" {
		cfg.URL = natsio.DefaultURL
	}
	return &Server{
		svc:      cfg.ChannelService,
		clock:    cfg.Clock,
		url:      cfg.URL,
		prefix:   cfg.SubjectPrefix,
		idle:     cfg.IdleTimeout,
		opts:     cfg.Options,
		sessions: make(map[string]*session),
		logger:   cfg.Logger.With().Str("component", "nats-server").Logger(),
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	closed := make(chan struct{})
	opts := append([]natsio.Option{
		natsio.Name("roomsync-backend"),
		natsio.MaxReconnects(-1),
		natsio.DisconnectErrHandler(func(_ *natsio.Conn, err error) {
			srv.logger.Warn().Err(err).Msg("nats disconnected")
		}),
		natsio.ReconnectHandler(func(nc *natsio.Conn) {
			srv.logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		natsio.ClosedHandler(func(_ *natsio.Conn) {
			close(closed)
		}),
		natsio.ErrorHandler(func(_ *natsio.Conn, _ *natsio.Subscription, err error) {
			srv.logger.Error().Err(err).Msg("nats async error")
		}),
	}, srv.opts...)

	nc, err := natsio.Connect(srv.url, opts...)
	if err != nil {
		errc <- errors.Join(ErrConnect, err)
		return
	}
	srv.pub = nc

	sub, err := nc.Subscribe(protocol.RPCSubject(srv.prefix, "*"), func(msg *natsio.Msg) {
		srv.onRequest(ctx, msg.Subject, msg.Reply, msg.Data)
	})
	if err != nil {
		nc.Close()
		errc <- errors.Join(ErrConnect, err)
		return
	}
	srv.logger.Info().
		Str("url", srv.url).
		Str("subject", sub.Subject).
		Msg("server started")

	reaper := srv.clock.NewTicker(srv.idle / 2)
	defer reaper.Stop()

RunLoop:
	for {
		select {
		case <-ctx.Done():
			break RunLoop
		case <-closed:
			errc <- errors.Join(ErrUnexpected, natsio.ErrConnectionClosed)
			break RunLoop
		case <-reaper.Chan():
			srv.reap()
		}
	}

	_ = sub.Unsubscribe()
	srv.closeAll()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}()
	select {
	case <-drained:
	case <-time.After(defaultDrainTimeout):
		nc.Close()
	}
}

// onRequest admits one request frame. Frames of a user are queued in order;
// a full queue is rejected right away.
func (srv *Server) onRequest(ctx context.Context, subject, reply string, data []byte) {
	userID := subject[strings.LastIndexByte(subject, '.')+1:]
	if !protocol.ValidSubjectToken(userID) {
		return
	}
	logger := srv.logger.With().Str("userID", userID).Logger()

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warn().Err(err).Msg("failed to unmarshall incoming envelope")
		return
	}
	env.Src = userID
	if env.ID == "" || reply == "" {
		srv.replyDirect(reply, protocol.ErrAck(env, ReasonNoID), &logger)
		return
	}

	sess, err := srv.session(ctx, userID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to create channel session")
		srv.replyDirect(reply, protocol.ErrAck(env, ReasonNoSession), &logger)
		return
	}

	sess.mx.Lock()
	sess.lastSeen = srv.clock.Now()
	sess.replies[env.ID] = reply
	sess.mx.Unlock()

	select {
	case sess.inbox <- env:
	default:
		sess.takeReply(env.ID)
		srv.replyDirect(reply, protocol.ErrAck(env, ReasonBusy), &logger)
	}
}

// session returns the live session of userID, creating one if needed.
func (srv *Server) session(ctx context.Context, userID string) (*session, error) {
	srv.mx.Lock()
	defer srv.mx.Unlock()

	if sess, ok := srv.sessions[userID]; ok {
		return sess, nil
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		id:       xid.New().String(),
		userID:   userID,
		wire:     model.NewWire(),
		inbox:    make(chan protocol.Envelope, defaultInboxSize),
		cancel:   cancel,
		lastSeen: srv.clock.Now(),
		replies:  make(map[string]string),
	}
	if err := srv.svc.CreateSession(sessCtx, userID, sess.id, sess.wire); err != nil {
		cancel()
		return nil, err
	}
	srv.sessions[userID] = sess

	logger := srv.logger.With().
		Str("userID", userID).
		Str("session", sess.id).
		Logger()
	logger.Debug().Msg("channel session created")

	go sess.forward(sessCtx)
	go srv.deliver(sessCtx, sess, &logger)
	return sess, nil
}

// forward feeds queued requests to the service one at a time.
func (sess *session) forward(ctx context.Context) {
ForwardLoop:
	for {
		select {
		case <-ctx.Done():
			break ForwardLoop
		case env := <-sess.inbox:
			select {
			case sess.wire.RX <- env:
			case <-ctx.Done():
				break ForwardLoop
			}
		}
	}
}

// deliver publishes acks to their reply subjects and pushes to the user's
// push subject.
func (srv *Server) deliver(ctx context.Context, sess *session, logger *zerolog.Logger) {
	push := protocol.PushSubject(srv.prefix, sess.userID)
DeliverLoop:
	for {
		select {
		case <-ctx.Done():
			break DeliverLoop
		case env := <-sess.wire.TX:
			subject := push
			if env.Kind == protocol.KindAck {
				if subject = sess.takeReply(env.ID); subject == "" {
					logger.Debug().Str("id", env.ID).Msg("ack has no pending reply")
					continue
				}
			}
			b, err := json.Marshal(&env)
			if err != nil {
				logger.Error().Err(err).Str("event", env.Event).Msg("failed to marshall outgoing envelope")
				continue
			}
			if err = srv.pub.Publish(subject, b); err != nil {
				logger.Error().Err(err).Str("event", env.Event).Msg("failed to publish outgoing envelope")
			}
		}
	}
}

func (sess *session) takeReply(id string) string {
	sess.mx.Lock()
	defer sess.mx.Unlock()
	reply := sess.replies[id]
	delete(sess.replies, id)
	return reply
}

func (srv *Server) replyDirect(reply string, env protocol.Envelope, logger *zerolog.Logger) {
	if reply == "" {
		return
	}
	b, err := json.Marshal(&env)
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshall reply")
		return
	}
	if err = srv.pub.Publish(reply, b); err != nil {
		logger.Error().Err(err).Msg("failed to publish reply")
	}
}

// reap ends sessions that received nothing for the idle timeout.
func (srv *Server) reap() {
	now := srv.clock.Now()
	var idle []*session

	srv.mx.Lock()
	for uid, sess := range srv.sessions {
		sess.mx.Lock()
		expired := now.Sub(sess.lastSeen) >= srv.idle
		sess.mx.Unlock()
		if expired {
			delete(srv.sessions, uid)
			idle = append(idle, sess)
		}
	}
	srv.mx.Unlock()

	for _, sess := range idle {
		srv.destroySession(sess)
	}
}

func (srv *Server) closeAll() {
	srv.mx.Lock()
	all := make([]*session, 0, len(srv.sessions))
	for uid, sess := range srv.sessions {
		delete(srv.sessions, uid)
		all = append(all, sess)
	}
	srv.mx.Unlock()

	for _, sess := range all {
		srv.destroySession(sess)
	}
}

func (srv *Server) destroySession(sess *session) {
	logger := srv.logger.With().
		Str("userID", sess.userID).
		Str("session", sess.id).
		Logger()

	ctx, cancel := context.WithTimeout(context.Background(), defaultSessionCloseTimeout)
	defer cancel()
	if err := srv.svc.DeleteSession(ctx, sess.userID, sess.id); err != nil {
		logger.Error().Err(err).Msg("failed to delete channel session")
	}
	sess.cancel()
	logger.Debug().Msg("channel session ended")
}
