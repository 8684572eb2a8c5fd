package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/roomsync/backend/model"
	"github.com/adwski/roomsync/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultChannelSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	ChannelService interface {
		CreateSession(ctx context.Context, userID, sessionID string, wire model.Wire) error
		DeleteSession(ctx context.Context, userID, sessionID string) error
	}

	Config struct {
		Logger         *zerolog.Logger
		ChannelService ChannelService
		ListenAddr     string
	}

	Server struct {
		svc ChannelService
		ws  *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.ChannelService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/channel/user/{userID}", srv.channel)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) channel(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if userID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	wire := model.NewWire()
	sessionID := xid.New().String()

	ctx, cancel := context.WithCancel(context.Background()) // long-living wire context

	err = srv.svc.CreateSession(ctx, userID, sessionID, wire)
	if err != nil {
		srv.logger.Warn().Err(err).Str("userID", userID).Msg("failed to create channel session")
		cancel()
		closeWithReason(conn, websocket.ClosePolicyViolation, err.Error(), &srv.logger)
		return
	}
	srv.logger.Debug().
		Str("userID", userID).
		Str("session", sessionID).
		Msg("channel session created")

	go srv.handleWSConn(ctx, cancel, conn, userID, sessionID, wire)
}

func (srv *Server) destroySession(userID, sessionID string, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultChannelSessionCloseTimeout)
	defer cancel()
	err := srv.svc.DeleteSession(ctx, userID, sessionID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to delete channel session")
		return
	}
	logger.Debug().Msg("channel session ended")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	userID string,
	sessionID string,
	wire model.Wire,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("userID", userID).
		Str("session", sessionID).
		Logger()

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, userID, wire.RX, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, wire.TX, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.destroySession(userID, sessionID, &logger)
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan protocol.Envelope,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			if err := writeFrame(conn, websocket.PingMessage, nil); err != nil {
				logger.Debug().Err(err).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case env, ok := <-tx:
			if !ok {
				break SendLoop
			}
			b, err := json.Marshal(&env)
			if err != nil {
				logger.Error().Err(err).Str("event", env.Event).Msg("failed to marshall outgoing envelope")
				continue
			}
			if err = writeFrame(conn, websocket.TextMessage, b); err != nil {
				logger.Error().Err(err).Str("event", env.Event).Msg("failed to write outgoing envelope")
				break SendLoop
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, messageType int, b []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, b)
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	userID string,
	rx chan<- protocol.Envelope,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}
	// a dead sender ends the session too
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

RecvLoop:
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Debug().Err(err).Msg("connection closed")
			default:
				logger.Warn().Err(err).Msg("unexpected error during receive")
			}
			break RecvLoop
		}
		if err = readDeadLineFunc(defaultPongWait); err != nil {
			break RecvLoop
		}

		var env protocol.Envelope
		if err = json.Unmarshal(msg, &env); err != nil {
			logger.Warn().Err(err).Msg("failed to unmarshall incoming envelope")
			continue
		}
		// the session owner is the only valid source
		env.Src = userID
		select {
		case rx <- env:
		case <-ctx.Done():
			break RecvLoop
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	closeWithReason(conn, websocket.CloseNormalClosure, "", logger)
}

func closeWithReason(conn *websocket.Conn, code int, reason string, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		if wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to close websocket connection")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
