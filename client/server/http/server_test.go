package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/roomsync/client/coordinator"
	"github.com/adwski/roomsync/client/model"
	"github.com/adwski/roomsync/client/player"
	"github.com/adwski/roomsync/client/room"
	"github.com/adwski/roomsync/client/session"
	"github.com/adwski/roomsync/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// autoChannel acknowledges every request; join_room is rejected for room "x".
type autoChannel struct {
	events chan protocol.Event
	done   chan struct{}
}

func (c *autoChannel) Request(_ context.Context, event string, payload any) (protocol.Ack, error) {
	ack := protocol.Ack{Event: event, Status: protocol.StatusOk}
	if event == protocol.EventJoinRoom {
		jr := payload.(protocol.JoinRoomRequest)
		if jr.RoomID == "x" {
			b, _ := json.Marshal(protocol.ErrorPayload{Reason: "room does not exist"})
			return protocol.Ack{Event: event, Status: protocol.StatusErr, Payload: b}, nil
		}
		ack.Payload, _ = json.Marshal(protocol.JoinRoomAck{RoomID: jr.RoomID, Roster: []string{"U1"}})
	}
	return ack, nil
}

func (c *autoChannel) Events() <-chan protocol.Event { return c.events }
func (c *autoChannel) Done() <-chan struct{}         { return c.done }
func (c *autoChannel) Close() error                  { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *session.Session) {
	t.Helper()
	logger := zerolog.Nop()
	s := session.New(session.Config{
		Logger:  &logger,
		Self:    "me",
		Channel: &autoChannel{events: make(chan protocol.Event), done: make(chan struct{})},
		Bridge: player.NewBridge(player.Config{
			Logger: &logger,
			NewProcess: func() player.Process {
				return nil
			},
		}),
		Sync: coordinator.DefaultConfig(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	srv := NewServer(Config{Logger: &logger, Session: s})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		ts.Close()
		cancel()
		_ = s.Close()
		<-errc
	})
	return ts, s
}

func post(t *testing.T, url, body string) (int, GenericResponse) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var gr GenericResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&gr))
	return resp.StatusCode, gr
}

func TestServer_JoinAndState(t *testing.T) {
	ts, _ := newTestServer(t)

	code, gr := post(t, ts.URL+"/api/room/42/join", "")
	require.Equal(t, http.StatusOK, code, gr.Error)

	resp, err := http.Get(ts.URL + "/api/state")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap struct {
		State  string `json:"state"`
		RoomID string `json:"rid"`
		Roster []struct {
			UserID string `json:"uid"`
		} `json:"roster"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "established", snap.State)
	assert.Equal(t, "42", snap.RoomID)
	assert.Len(t, snap.Roster, 2)

	code, _ = post(t, ts.URL+"/api/room/43/join", "")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = post(t, ts.URL+"/api/room/leave", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestServer_JoinRejected(t *testing.T) {
	ts, _ := newTestServer(t)

	code, gr := post(t, ts.URL+"/api/room/x/join", "")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, gr.Error, "room does not exist")
}

func TestServer_BadRequests(t *testing.T) {
	ts, _ := newTestServer(t)

	code, _ := post(t, ts.URL+"/api/player/play", "{")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = post(t, ts.URL+"/api/player/play", `{"media":""}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = post(t, ts.URL+"/api/sync/master", "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestServer_CORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/room/leave", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://ui.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Less(t, resp.StatusCode, 300)
	assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_EventFeed(t *testing.T) {
	ts, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	var u session.Update
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&u))
	require.NotNil(t, u.Snapshot)
	assert.Equal(t, model.Idle, u.Snapshot.State)

	code, _ := post(t, ts.URL+"/api/room/42/join", "")
	require.Equal(t, http.StatusOK, code)

	for {
		require.NoError(t, conn.ReadJSON(&u))
		if u.Snapshot != nil && u.Snapshot.State == model.Established {
			assert.Equal(t, model.RoomID("42"), u.Snapshot.RoomID)
			return
		}
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"transition in progress", room.ErrTransitionInProgress, http.StatusConflict},
		{"rejected", &protocol.Error{Event: protocol.EventJoinRoom, Reason: "nope"}, http.StatusUnprocessableEntity},
		{"timeout", session.ErrTimeout, http.StatusGatewayTimeout},
		{"player", errors.Join(player.ErrStart, errors.New("exec")), http.StatusFailedDependency},
		{"unreachable", errors.Join(session.ErrUnreachable, errors.New("eof")), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
}
