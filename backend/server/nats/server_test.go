package nats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/adwski/roomsync/backend/model"
	"github.com/adwski/roomsync/backend/service"
	store "github.com/adwski/roomsync/backend/storage/memory"
	sw "github.com/adwski/roomsync/backend/switch"
	"github.com/adwski/roomsync/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type published struct {
	subject string
	env     protocol.Envelope
}

type fakePublisher struct {
	msgs chan published
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p.msgs <- published{subject: subject, env: env}
	return nil
}

func (p *fakePublisher) next(t *testing.T) published {
	t.Helper()
	select {
	case m := <-p.msgs:
		return m
	case <-time.After(waitTimeout):
		t.Fatal("nothing published")
	}
	return published{}
}

func newTestServer(t *testing.T) (*Server, *service.Service, *fakePublisher, *clockwork.FakeClock, context.Context) {
	t.Helper()
	logger := zerolog.Nop()
	clock := clockwork.NewFakeClock()
	svc := service.NewService(service.Config{
		RoomStore: store.NewMemStore(0),
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
		Clock:     clock,
	})
	srv := NewServer(Config{
		Logger:         &logger,
		ChannelService: svc,
		Clock:          clock,
		IdleTimeout:    time.Minute,
	})
	pub := &fakePublisher{msgs: make(chan published, 32)}
	srv.pub = pub

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return srv, svc, pub, clock, ctx
}

func request(t *testing.T, srv *Server, ctx context.Context, uid, id, event string, payload any) {
	t.Helper()
	env, err := protocol.NewRequest(id, event, payload)
	require.NoError(t, err)
	b, err := json.Marshal(&env)
	require.NoError(t, err)
	srv.onRequest(ctx, protocol.RPCSubject(protocol.DefaultSubjectPrefix, uid), "_INBOX."+id, b)
}

func TestServer_RequestReplyAndPush(t *testing.T) {
	srv, _, pub, _, ctx := newTestServer(t)

	request(t, srv, ctx, "alice", "a1", protocol.EventJoinRoom, protocol.JoinRoomRequest{RoomID: "1"})
	m := pub.next(t)
	assert.Equal(t, "_INBOX.a1", m.subject)
	assert.Equal(t, protocol.KindAck, m.env.Kind)
	require.NoError(t, protocol.AckOf(m.env).Err())

	request(t, srv, ctx, "bob", "b1", protocol.EventJoinRoom, protocol.JoinRoomRequest{RoomID: "1"})

	// bob's ack and alice's push can be published in either order
	got := map[string]published{}
	for range 2 {
		m = pub.next(t)
		got[m.subject] = m
	}
	require.Contains(t, got, "_INBOX.b1")
	var ack protocol.JoinRoomAck
	require.NoError(t, protocol.AckOf(got["_INBOX.b1"].env).Decode(&ack))
	assert.Equal(t, []string{"alice"}, ack.Roster)

	push, ok := got["roomsync.push.alice"]
	require.True(t, ok)
	assert.Equal(t, protocol.EventUserJoined, push.env.Event)

	assert.Len(t, srv.sessions, 2)
}

func TestServer_Rejections(t *testing.T) {
	srv, svc, pub, _, ctx := newTestServer(t)

	b, err := json.Marshal(&protocol.Envelope{Kind: protocol.KindRequest, Event: protocol.EventLeaveRoom})
	require.NoError(t, err)
	srv.onRequest(ctx, "roomsync.rpc.alice", "", b)
	assert.Empty(t, pub.msgs, "nowhere to reply")

	srv.onRequest(ctx, "roomsync.rpc.alice", "_INBOX.x", b)
	m := pub.next(t)
	assert.Equal(t, "_INBOX.x", m.subject)
	var perr *protocol.Error
	require.ErrorAs(t, protocol.AckOf(m.env).Err(), &perr)
	assert.Equal(t, ReasonNoID, perr.Reason)

	// carol already holds a channel over another transport
	require.NoError(t, svc.CreateSession(ctx, "carol", "ws", model.NewWire()))
	request(t, srv, ctx, "carol", "c1", protocol.EventLeaveRoom, nil)
	m = pub.next(t)
	require.ErrorAs(t, protocol.AckOf(m.env).Err(), &perr)
	assert.Equal(t, ReasonNoSession, perr.Reason)

	srv.onRequest(ctx, "roomsync.rpc.alice", "_INBOX.y", []byte("{"))
	assert.Empty(t, pub.msgs)
}

func TestServer_ReapIdle(t *testing.T) {
	srv, _, pub, clock, ctx := newTestServer(t)

	request(t, srv, ctx, "alice", "a1", protocol.EventJoinRoom, protocol.JoinRoomRequest{RoomID: "1"})
	pub.next(t)
	request(t, srv, ctx, "bob", "b1", protocol.EventJoinRoom, protocol.JoinRoomRequest{RoomID: "1"})
	pub.next(t)
	pub.next(t)

	clock.Advance(40 * time.Second)
	request(t, srv, ctx, "bob", "b2", protocol.EventPing, protocol.PingRequest{Nonce: "n"})
	pub.next(t)

	clock.Advance(30 * time.Second)
	srv.reap()

	m := pub.next(t)
	assert.Equal(t, "roomsync.push.bob", m.subject)
	assert.Equal(t, protocol.EventUserLeft, m.env.Event)
	var ur protocol.UserRoom
	require.NoError(t, json.Unmarshal(m.env.Payload, &ur))
	assert.Equal(t, protocol.UserRoom{RoomID: "1", UserID: "alice"}, ur)

	srv.mx.Lock()
	assert.NotContains(t, srv.sessions, "alice")
	assert.Contains(t, srv.sessions, "bob")
	srv.mx.Unlock()

	// a reaped user gets a fresh session on its next request
	request(t, srv, ctx, "alice", "a2", protocol.EventLeaveRoom, nil)
	m = pub.next(t)
	assert.Equal(t, "_INBOX.a2", m.subject)
	var perr *protocol.Error
	require.ErrorAs(t, protocol.AckOf(m.env).Err(), &perr)
	assert.Equal(t, service.ReasonNotInRoom, perr.Reason)

	srv.closeAll()
	assert.Empty(t, srv.sessions)
}
