package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/roomsync/client/model"
	"github.com/adwski/roomsync/client/player"
	"github.com/adwski/roomsync/client/room"
	"github.com/adwski/roomsync/client/session"
	"github.com/adwski/roomsync/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultMaxBodySize      = 4096

	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultPingInterval                = 5 * time.Second
	defaultPongWait                    = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// Session is the part of session.Session served over the API.
	Session interface {
		JoinRoom(ctx context.Context, rid model.RoomID) error
		LeaveRoom(ctx context.Context) error
		SyncToMaster(ctx context.Context) error
		Play(ctx context.Context, mediaRef string) error
		SetTracks(ctx context.Context, audio, subtitles *int64) error
		Snapshot() *session.Snapshot
		Subscribe() *session.Subscription
	}

	PlayRequest struct {
		Media string `json:"media"`
	}

	TracksRequest struct {
		Audio     *int64 `json:"aid"`
		Subtitles *int64 `json:"sid"`
	}

	GenericResponse struct {
		Message string `json:"message,omitempty"`
		Error   string `json:"error,omitempty"`
	}

	Config struct {
		Logger         *zerolog.Logger
		Session        Session
		ListenAddr     string
		AllowedOrigins []string
	}

	Server struct {
		svc Session
		ws  *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.Session,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", srv.state)
	mux.HandleFunc("GET /api/events", srv.events)
	mux.HandleFunc("POST /api/room/{roomID}/join", srv.joinRoom)
	mux.HandleFunc("POST /api/room/leave", srv.leaveRoom)
	mux.HandleFunc("POST /api/sync/master", srv.syncMaster)
	mux.HandleFunc("POST /api/player/play", srv.play)
	mux.HandleFunc("POST /api/player/tracks", srv.tracks)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: true,
		MaxAge:           86400,
	})

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: c.Handler(mux),
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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

func (srv *Server) state(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, srv.svc.Snapshot())
}

func (srv *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	if roomID == "" {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: room.ErrEmptyRoomID.Error()})
		return
	}
	srv.logger.Debug().Str("roomID", roomID).Msg("join requested")
	srv.result(w, srv.svc.JoinRoom(r.Context(), model.RoomID(roomID)))
}

func (srv *Server) leaveRoom(w http.ResponseWriter, r *http.Request) {
	srv.result(w, srv.svc.LeaveRoom(r.Context()))
}

func (srv *Server) syncMaster(w http.ResponseWriter, r *http.Request) {
	srv.result(w, srv.svc.SyncToMaster(r.Context()))
}

func (srv *Server) play(w http.ResponseWriter, r *http.Request) {
	var req PlayRequest
	if !srv.readJSON(w, r, &req) {
		return
	}
	if req.Media == "" {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "media is required"})
		return
	}
	srv.result(w, srv.svc.Play(r.Context(), req.Media))
}

func (srv *Server) tracks(w http.ResponseWriter, r *http.Request) {
	var req TracksRequest
	if !srv.readJSON(w, r, &req) {
		return
	}
	srv.result(w, srv.svc.SetTracks(r.Context(), req.Audio, req.Subtitles))
}

func (srv *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "malformed request body"})
		return false
	}
	return true
}

func (srv *Server) result(w http.ResponseWriter, err error) {
	if err != nil {
		srv.logger.Debug().Err(err).Msg("operation failed")
		srv.writeJSON(w, StatusOf(err), &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

// StatusOf maps an operation error to its HTTP status code.
func StatusOf(err error) int {
	var perr *protocol.Error
	switch {
	case errors.Is(err, room.ErrTransitionInProgress),
		errors.Is(err, room.ErrAlreadyInRoom),
		errors.Is(err, room.ErrInvalidTransition),
		errors.Is(err, session.ErrNotEstablished):
		return http.StatusConflict
	case errors.As(err, &perr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, player.ErrStart),
		errors.Is(err, player.ErrCommand),
		errors.Is(err, player.ErrNotRunning):
		return http.StatusFailedDependency
	case errors.Is(err, room.ErrEmptyRoomID),
		errors.Is(err, player.ErrBadSpeed),
		errors.Is(err, player.ErrBadSeek):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrUnreachable),
		errors.Is(err, session.ErrChannelLost):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

// events streams session updates to a websocket until either side goes away.
func (srv *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	logger := srv.logger.With().Str("remote", r.RemoteAddr).Logger()
	logger.Debug().Msg("event feed opened")

	sub := srv.svc.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		feedReceiver(ctx, wg, conn, &logger)
		cancel()
	}()
	go func() {
		feedSender(ctx, wg, conn, sub.C(), &logger)
		cancel()
	}()

	wg.Wait()
	sub.Close()
	webSocketCloser(conn, &logger)
	logger.Debug().Msg("event feed closed")
}

func feedSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	updates <-chan session.Update,
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
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				logger.Debug().Err(err).Msg("failed to send ping")
				break SendLoop
			}
		case u, ok := <-updates:
			if !ok {
				break SendLoop
			}
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if err := conn.WriteJSON(&u); err != nil {
				logger.Debug().Err(err).Msg("failed to write update")
				break SendLoop
			}
		}
	}
}

// feedReceiver only drains control frames; the feed is one way.
func feedReceiver(ctx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, logger *zerolog.Logger) {
	defer wg.Done()

	conn.SetReadLimit(512)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})
	if err := conn.SetReadDeadline(time.Now().Add(defaultPongWait)); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()
	for ctx.Err() == nil {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("event feed receive failed")
			}
			return
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if err == nil {
		err = conn.WriteMessage(websocket.CloseMessage, []byte{})
	}
	if err != nil {
		logger.Debug().Err(err).Msg("failed to send close message")
	}
	if err = conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
}
