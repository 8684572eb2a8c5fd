package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/adwski/roomsync/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval is how long the server has to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	channelPath = "/channel/user/"
)

type (
	WebsocketConfig struct {
		Logger *zerolog.Logger
		// URL is the server base url, e.g. ws://127.0.0.1:8888
		URL    string
		UserID string
		Dialer *websocket.Dialer
	}

	// Websocket is a Channel over a single gorilla websocket connection.
	Websocket struct {
		conn   *websocket.Conn
		tx     chan protocol.Envelope
		events chan protocol.Event
		done   chan struct{}
		cancel context.CancelFunc
		wg     *sync.WaitGroup

		mx      sync.Mutex
		pending map[string]chan protocol.Envelope
		closed  bool

		closeOnce sync.Once
		logger    zerolog.Logger
	}
)

// ChannelURL builds the server channel endpoint url for userID.
func ChannelURL(base, userID string) (string, error) {
	if userID == "" {
		return "", ErrInvalidUserID
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + channelPath + url.PathEscape(userID)
	return u.String(), nil
}

// DialWebsocket connects to the server and starts the sender and receiver loops.
func DialWebsocket(ctx context.Context, cfg WebsocketConfig) (*Websocket, error) {
	target, err := ChannelURL(cfg.URL, cfg.UserID)
	if err != nil {
		return nil, err
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultWebSocketHandshakeTimeout}
	}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Join(ErrSend, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ch := &Websocket{
		conn:    conn,
		tx:      make(chan protocol.Envelope),
		events:  make(chan protocol.Event, defaultEventsQueueSize),
		done:    make(chan struct{}),
		cancel:  cancel,
		wg:      &sync.WaitGroup{},
		pending: make(map[string]chan protocol.Envelope),
		logger: cfg.Logger.With().
			Str("component", "websocket-channel").
			Str("userID", cfg.UserID).
			Logger(),
	}

	ch.wg.Add(2)
	go func() {
		ch.receiver(loopCtx)
		cancel()
	}()
	go func() {
		ch.sender(loopCtx)
		cancel()
	}()
	go func() {
		ch.wg.Wait()
		ch.shutdown()
	}()

	ch.logger.Debug().Str("url", target).Msg("channel connected")
	return ch, nil
}

func (ch *Websocket) Events() <-chan protocol.Event { return ch.events }

func (ch *Websocket) Done() <-chan struct{} { return ch.done }

// Close stops both loops and closes the connection. It is safe to call more than once.
func (ch *Websocket) Close() error {
	ch.cancel()
	<-ch.done
	return nil
}

func (ch *Websocket) Request(ctx context.Context, event string, payload any) (protocol.Ack, error) {
	env, err := protocol.NewRequest(uuid.NewString(), event, payload)
	if err != nil {
		return protocol.Ack{}, errors.Join(ErrSend, err)
	}

	ackCh := make(chan protocol.Envelope, 1)
	ch.mx.Lock()
	if ch.closed {
		ch.mx.Unlock()
		return protocol.Ack{}, ErrClosed
	}
	ch.pending[env.ID] = ackCh
	ch.mx.Unlock()

	select {
	case ch.tx <- env:
	case <-ch.done:
		ch.forget(env.ID)
		return protocol.Ack{}, ErrClosed
	case <-ctx.Done():
		ch.forget(env.ID)
		return protocol.Ack{}, errors.Join(ErrSend, ctx.Err())
	}

	select {
	case ack, ok := <-ackCh:
		if !ok {
			return protocol.Ack{}, ErrClosed
		}
		return protocol.AckOf(ack), nil
	case <-ctx.Done():
		ch.forget(env.ID)
		return protocol.Ack{}, ctx.Err()
	}
}

func (ch *Websocket) forget(id string) {
	ch.mx.Lock()
	delete(ch.pending, id)
	ch.mx.Unlock()
}

func (ch *Websocket) resolve(env protocol.Envelope) {
	ch.mx.Lock()
	ackCh, ok := ch.pending[env.ID]
	delete(ch.pending, env.ID)
	ch.mx.Unlock()
	if !ok {
		ch.logger.Debug().Str("id", env.ID).Str("event", env.Event).Msg("ack for unknown request")
		return
	}
	ackCh <- env
}

func (ch *Websocket) shutdown() {
	ch.closeOnce.Do(func() {
		ch.mx.Lock()
		ch.closed = true
		for id, ackCh := range ch.pending {
			close(ackCh)
			delete(ch.pending, id)
		}
		ch.mx.Unlock()
		webSocketCloser(ch.conn, &ch.logger)
		close(ch.done)
		ch.logger.Debug().Msg("channel closed")
	})
}

func (ch *Websocket) sender(ctx context.Context) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		ch.wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			if err := ch.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				ch.logger.Error().Err(err).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if err := ch.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				ch.logger.Error().Err(err).Msg("failed to send ping")
				break SendLoop
			}
			ch.logger.Trace().Msg("ping sent")

		case env := <-ch.tx:
			if err := writeEnvelope(ch.conn, env); err != nil {
				ch.logger.Error().Err(err).Str("event", env.Event).Msg("failed to write outgoing message")
				ch.forget(env.ID)
				break SendLoop
			}
		}
	}
}

func (ch *Websocket) receiver(ctx context.Context) {
	defer ch.wg.Done()

	ch.conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return ch.conn.SetReadDeadline(time.Now().Add(deadline))
	}
	ch.conn.SetPongHandler(func(string) error {
		ch.logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		ch.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	// ReadMessage is unblocked by the closer once ctx is cancelled.
	go func() {
		<-ctx.Done()
		_ = ch.conn.SetReadDeadline(time.Now())
	}()

RecvLoop:
	for {
		_, msg, err := ch.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				break RecvLoop
			}
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				ch.logger.Warn().Err(err).Msg("connection closed")
			} else {
				ch.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			break RecvLoop
		}
		// Any inbound frame proves liveness.
		if err = readDeadLineFunc(defaultPongWait); err != nil {
			break RecvLoop
		}

		var env protocol.Envelope
		if err = json.Unmarshal(msg, &env); err != nil {
			ch.logger.Error().Err(err).Msg("failed to unmarshall incoming message")
			continue
		}
		switch env.Kind {
		case protocol.KindAck:
			ch.resolve(env)
		case protocol.KindPush:
			select {
			case ch.events <- protocol.Event{Name: env.Event, Src: env.Src, Payload: env.Payload}:
			case <-ctx.Done():
				break RecvLoop
			}
		default:
			ch.logger.Debug().Str("kind", env.Kind).Msg("unexpected frame kind")
		}
	}
}

func writeEnvelope(conn *websocket.Conn, env protocol.Envelope) error {
	b, err := json.Marshal(&env)
	if err != nil {
		return err
	}
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err = w.Write(b); err != nil {
		return err
	}
	return w.Close()
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
