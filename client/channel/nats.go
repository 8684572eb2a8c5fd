package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/roomsync/protocol"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	defaultNATSConnectTimeout = 3 * time.Second
)

type (
	NATSConfig struct {
		Logger *zerolog.Logger
		URL    string
		UserID string
		// SubjectPrefix defaults to protocol.DefaultSubjectPrefix.
		SubjectPrefix string
		Options       []nats.Option
	}

	// NATS is a Channel over request/reply on a NATS server. Requests go to
	// <prefix>.rpc.<uid>, pushes arrive on <prefix>.push.<uid>.
	NATS struct {
		nc     *nats.Conn
		sub    *nats.Subscription
		rpc    string
		events chan protocol.Event
		done   chan struct{}

		finishOnce sync.Once

		logger zerolog.Logger
	}
)

// DialNATS connects to NATS and subscribes to the user's push subject.
// Reconnects are disabled: a lost connection is a lost channel.
func DialNATS(ctx context.Context, cfg NATSConfig) (*NATS, error) {
	if !protocol.ValidSubjectToken(cfg.UserID) {
		return nil, ErrInvalidUserID
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = protocol.DefaultSubjectPrefix
	}
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	ch := &NATS{
		rpc:    protocol.RPCSubject(prefix, cfg.UserID),
		events: make(chan protocol.Event, defaultEventsQueueSize),
		done:   make(chan struct{}),
		logger: cfg.Logger.With().
			Str("component", "nats-channel").
			Str("userID", cfg.UserID).
			Logger(),
	}

	opts := []nats.Option{
		nats.Name("roomsync-client-" + cfg.UserID),
		nats.Timeout(defaultNATSConnectTimeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			ch.logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			ch.finish()
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			ch.logger.Error().Err(err).Msg("nats async error")
		}),
	}
	opts = append(opts, cfg.Options...)

	type dialResult struct {
		nc  *nats.Conn
		err error
	}
	res := make(chan dialResult, 1)
	go func() {
		nc, err := nats.Connect(url, opts...)
		res <- dialResult{nc, err}
	}()
	var r dialResult
	select {
	case r = <-res:
	case <-ctx.Done():
		go func() {
			if late := <-res; late.nc != nil {
				late.nc.Close()
			}
		}()
		return nil, errors.Join(ErrSend, ctx.Err())
	}
	if r.err != nil {
		return nil, errors.Join(ErrSend, r.err)
	}
	ch.nc = r.nc

	sub, err := ch.nc.Subscribe(protocol.PushSubject(prefix, cfg.UserID), ch.onPush)
	if err != nil {
		ch.nc.Close()
		return nil, errors.Join(ErrSend, err)
	}
	ch.sub = sub
	if err = ch.nc.FlushWithContext(ctx); err != nil {
		ch.nc.Close()
		return nil, errors.Join(ErrSend, err)
	}
	ch.logger.Debug().Str("url", url).Msg("channel connected")
	return ch, nil
}

func (ch *NATS) Events() <-chan protocol.Event { return ch.events }

func (ch *NATS) Done() <-chan struct{} { return ch.done }

func (ch *NATS) Close() error {
	if ch.sub != nil {
		_ = ch.sub.Unsubscribe()
	}
	ch.nc.Close()
	<-ch.done
	return nil
}

func (ch *NATS) Request(ctx context.Context, event string, payload any) (protocol.Ack, error) {
	select {
	case <-ch.done:
		return protocol.Ack{}, ErrClosed
	default:
	}
	env, err := protocol.NewRequest(uuid.NewString(), event, payload)
	if err != nil {
		return protocol.Ack{}, errors.Join(ErrSend, err)
	}
	b, err := json.Marshal(&env)
	if err != nil {
		return protocol.Ack{}, errors.Join(ErrSend, err)
	}
	msg, err := ch.nc.RequestWithContext(ctx, ch.rpc, b)
	if err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return protocol.Ack{}, ErrClosed
		}
		return protocol.Ack{}, errors.Join(ErrSend, err)
	}
	var ack protocol.Envelope
	if err = json.Unmarshal(msg.Data, &ack); err != nil || ack.Kind != protocol.KindAck || ack.ID != env.ID {
		return protocol.Ack{}, errors.Join(ErrBadAck, err)
	}
	return protocol.AckOf(ack), nil
}

func (ch *NATS) onPush(msg *nats.Msg) {
	var env protocol.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		ch.logger.Error().Err(err).Msg("failed to unmarshall incoming message")
		return
	}
	if env.Kind != protocol.KindPush {
		ch.logger.Debug().Str("kind", env.Kind).Msg("unexpected frame kind")
		return
	}
	// nats delivers one subscription's messages sequentially, so blocking
	// here keeps push order intact.
	select {
	case ch.events <- protocol.Event{Name: env.Event, Src: env.Src, Payload: env.Payload}:
	case <-ch.done:
	}
}

func (ch *NATS) finish() {
	ch.finishOnce.Do(func() {
		close(ch.done)
		ch.logger.Debug().Msg("channel closed")
	})
}
