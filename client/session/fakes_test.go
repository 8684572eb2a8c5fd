package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/adwski/roomsync/client/channel"
	"github.com/adwski/roomsync/client/coordinator"
	"github.com/adwski/roomsync/client/model"
	"github.com/adwski/roomsync/client/player"
	"github.com/adwski/roomsync/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type (
	fakeReply struct {
		ack protocol.Ack
		err error
	}

	fakeRequest struct {
		event   string
		payload json.RawMessage
		reply   chan fakeReply
	}

	fakeChannel struct {
		requests  chan fakeRequest
		events    chan protocol.Event
		done      chan struct{}
		closeOnce sync.Once
	}
)

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		requests: make(chan fakeRequest),
		events:   make(chan protocol.Event),
		done:     make(chan struct{}),
	}
}

func (f *fakeChannel) Request(ctx context.Context, event string, payload any) (protocol.Ack, error) {
	var b json.RawMessage
	if payload != nil {
		b, _ = json.Marshal(payload)
	}
	req := fakeRequest{event: event, payload: b, reply: make(chan fakeReply, 1)}
	select {
	case f.requests <- req:
	case <-ctx.Done():
		return protocol.Ack{}, ctx.Err()
	case <-f.done:
		return protocol.Ack{}, channel.ErrClosed
	}
	select {
	case r := <-req.reply:
		return r.ack, r.err
	case <-ctx.Done():
		return protocol.Ack{}, ctx.Err()
	case <-f.done:
		return protocol.Ack{}, channel.ErrClosed
	}
}

func (f *fakeChannel) Events() <-chan protocol.Event { return f.events }

func (f *fakeChannel) Done() <-chan struct{} { return f.done }

func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeChannel) expect(t *testing.T, event string) fakeRequest {
	t.Helper()
	select {
	case req := <-f.requests:
		require.Equal(t, event, req.event)
		return req
	case <-time.After(waitTimeout):
		t.Fatalf("no %s request", event)
	}
	return fakeRequest{}
}

func (f *fakeChannel) next(t *testing.T) fakeRequest {
	t.Helper()
	select {
	case req := <-f.requests:
		return req
	case <-time.After(waitTimeout):
		t.Fatal("no request")
	}
	return fakeRequest{}
}

func (f *fakeChannel) noRequest(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case req := <-f.requests:
		t.Fatalf("unexpected %s request", req.event)
	case <-time.After(within):
	}
}

func (f *fakeChannel) push(t *testing.T, name, src string, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	select {
	case f.events <- protocol.Event{Name: name, Src: src, Payload: b}:
	case <-time.After(waitTimeout):
		t.Fatalf("%s push not consumed", name)
	}
}

func (r fakeRequest) ok(payload any) {
	var b json.RawMessage
	if payload != nil {
		b, _ = json.Marshal(payload)
	}
	r.reply <- fakeReply{ack: protocol.Ack{Event: r.event, Status: protocol.StatusOk, Payload: b}}
}

func (r fakeRequest) reject(reason string) {
	b, _ := json.Marshal(protocol.ErrorPayload{Reason: reason})
	r.reply <- fakeReply{ack: protocol.Ack{Event: r.event, Status: protocol.StatusErr, Payload: b}}
}

func (r fakeRequest) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.payload, v))
}

type fakeProcess struct {
	events chan player.Event
	mx     sync.Mutex
	sent   []player.Command
	quits  int
}

func (p *fakeProcess) Start(context.Context, string) error { return nil }

func (p *fakeProcess) Send(cmd player.Command) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.sent = append(p.sent, cmd)
	return nil
}

func (p *fakeProcess) Events() <-chan player.Event { return p.events }

func (p *fakeProcess) Quit() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.quits++
	return nil
}

func (p *fakeProcess) quitCount() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.quits
}

func (p *fakeProcess) commands() []player.Command {
	p.mx.Lock()
	defer p.mx.Unlock()
	return append([]player.Command(nil), p.sent...)
}

func (p *fakeProcess) emit(t *testing.T, ev player.Event) {
	t.Helper()
	select {
	case p.events <- ev:
	case <-time.After(waitTimeout):
		t.Fatal("player event not consumed")
	}
}

type harness struct {
	s     *Session
	ch    *fakeChannel
	clock clockwork.Clock
	proc  *fakeProcess
}

func newHarness(t *testing.T, clock clockwork.Clock, tweak func(*Config)) *harness {
	t.Helper()
	logger := zerolog.Nop()
	h := &harness{
		ch:    newFakeChannel(),
		clock: clock,
		proc:  &fakeProcess{events: make(chan player.Event)},
	}
	cfg := Config{
		Logger:  &logger,
		Clock:   clock,
		Self:    "me",
		Channel: h.ch,
		Bridge: player.NewBridge(player.Config{
			Logger:     &logger,
			NewProcess: func() player.Process { return h.proc },
			Now:        clock.Now,
		}),
		Sync: coordinator.DefaultConfig(),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h.s = New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = h.s.Close()
		<-errc
	})
	return h
}

// barrier returns once every event handed to the loop before it was handled.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.call(context.Background(), func(reply chan<- error) { reply <- nil }))
}

func (h *harness) join(t *testing.T, rid string, roster []string, master string) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- h.s.JoinRoom(context.Background(), model.RoomID(rid)) }()
	req := h.ch.expect(t, protocol.EventJoinRoom)
	var jr protocol.JoinRoomRequest
	req.decode(t, &jr)
	require.Equal(t, rid, jr.RoomID)
	req.ok(protocol.JoinRoomAck{RoomID: rid, Roster: roster, Master: master})
	require.NoError(t, <-errc)
	require.Equal(t, model.Established, h.s.State())
}

func (h *harness) play(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.Play(context.Background(), "movie.mkv"))
}

func (h *harness) syncToMaster(t *testing.T) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- h.s.SyncToMaster(context.Background()) }()
	h.ch.expect(t, protocol.EventSyncMaster).ok(nil)
	require.NoError(t, <-errc)
}
