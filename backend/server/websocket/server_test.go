package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adwski/roomsync/backend/service"
	store "github.com/adwski/roomsync/backend/storage/memory"
	sw "github.com/adwski/roomsync/backend/switch"
	"github.com/adwski/roomsync/client/channel"
	"github.com/adwski/roomsync/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		RoomStore: store.NewMemStore(0),
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	srv := NewServer(Config{Logger: &logger, ChannelService: svc})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, uid string) *channel.Websocket {
	t.Helper()
	logger := zerolog.Nop()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ch, err := channel.DialWebsocket(ctx, channel.WebsocketConfig{Logger: &logger, URL: ts.URL, UserID: uid})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func request(t *testing.T, ch channel.Channel, event string, payload any) protocol.Ack {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ack, err := ch.Request(ctx, event, payload)
	require.NoError(t, err)
	return ack
}

func event(t *testing.T, ch channel.Channel, name string, v any) protocol.Event {
	t.Helper()
	select {
	case ev := <-ch.Events():
		require.Equal(t, name, ev.Name)
		if v != nil {
			require.NoError(t, json.Unmarshal(ev.Payload, v))
		}
		return ev
	case <-time.After(waitTimeout):
		t.Fatalf("no %s event", name)
	}
	return protocol.Event{}
}

func TestServer_Channel(t *testing.T) {
	ts := newTestServer(t)
	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")

	require.NoError(t, request(t, alice, protocol.EventJoinRoom, protocol.JoinRoomRequest{RoomID: "1"}).Err())

	var ack protocol.JoinRoomAck
	require.NoError(t, request(t, bob, protocol.EventJoinRoom, protocol.JoinRoomRequest{RoomID: "1"}).Decode(&ack))
	assert.Equal(t, []string{"alice"}, ack.Roster)

	var ur protocol.UserRoom
	event(t, alice, protocol.EventUserJoined, &ur)
	assert.Equal(t, "bob", ur.UserID)

	require.NoError(t, request(t, bob, protocol.EventPlaybackReport,
		protocol.PlaybackReport{PositionMS: 1500, Speed: 1}).Err())
	ev := event(t, alice, protocol.EventPlaybackReport, nil)
	assert.Equal(t, "bob", ev.Src, "source is the sending session")

	require.NoError(t, bob.Close())
	event(t, alice, protocol.EventUserLeft, &ur)
	assert.Equal(t, protocol.UserRoom{RoomID: "1", UserID: "bob"}, ur)
}

func TestServer_SecondChannelRejected(t *testing.T) {
	ts := newTestServer(t)
	dial(t, ts, "alice")

	dup := dial(t, ts, "alice")
	select {
	case <-dup.Done():
	case <-time.After(waitTimeout):
		t.Fatal("second channel of the same user stays open")
	}
}
