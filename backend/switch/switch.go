package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/roomsync/backend/model"
	"github.com/adwski/roomsync/protocol"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

var ErrAlreadyConnected = errors.New("user already has a connected channel")

type endpoint struct {
	session string
	wire    model.Wire
}

// Switch forwards envelopes to connected user endpoints.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]endpoint
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]endpoint),
	}
}

// Connect registers the endpoint of userID. A user has one endpoint at a time.
func (sw *Switch) Connect(userID, sessionID string, wire model.Wire) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if ep, ok := sw.fwd[userID]; ok && ep.session != sessionID {
		return ErrAlreadyConnected
	}
	sw.fwd[userID] = endpoint{session: sessionID, wire: wire}
	sw.logger.Debug().
		Str("userID", userID).
		Str("session", sessionID).
		Msg("endpoint connected")
	return nil
}

// Disconnect removes the endpoint of userID if it still belongs to sessionID.
func (sw *Switch) Disconnect(userID, sessionID string) bool {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	ep, ok := sw.fwd[userID]
	if !ok || ep.session != sessionID {
		return false
	}
	delete(sw.fwd, userID)
	sw.logger.Debug().
		Str("userID", userID).
		Str("session", sessionID).
		Msg("endpoint disconnected")
	return true
}

// Connected reports whether userID has an endpoint.
func (sw *Switch) Connected(userID string) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	_, ok := sw.fwd[userID]
	return ok
}

// Send forwards env to userID and reports whether it was handed over.
func (sw *Switch) Send(ctx context.Context, userID string, env protocol.Envelope) bool {
	sw.mx.RLock()
	ep, ok := sw.fwd[userID]
	sw.mx.RUnlock()

	logger := sw.logger.With().
		Str("dst", userID).
		Str("kind", env.Kind).
		Str("event", env.Event).
		Str("src", env.Src).Logger()
	if !ok {
		logger.Debug().Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, env, ep.wire.TX, &logger)
	return sent
}

// Multicast forwards env to every user in dst and returns how many were reached.
func (sw *Switch) Multicast(ctx context.Context, dst []string, env protocol.Envelope) int {
	var n int
	for _, uid := range dst {
		if ctx.Err() != nil {
			break
		}
		if sw.Send(ctx, uid, env) {
			n++
		}
	}
	if n == 0 && len(dst) > 0 {
		sw.logger.Debug().
			Str("event", env.Event).
			Str("src", env.Src).
			Msg("multicast did not reach anyone")
	}
	return n
}

func send(ctx context.Context, env protocol.Envelope, tx chan<- protocol.Envelope, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Msg("dead endpoint")
	case tx <- env:
		logger.Trace().Msg("envelope is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
