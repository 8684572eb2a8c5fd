package player

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	startErr error
	sendErr  error
	sent     []Command
	events   chan Event
	media    string
	// release, when set, holds Quit until it is closed
	release chan struct{}

	mx    sync.Mutex
	quits int
}

func (p *fakeProcess) Start(_ context.Context, mediaRef string) error {
	p.media = mediaRef
	return p.startErr
}

func (p *fakeProcess) Send(cmd Command) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, cmd)
	return nil
}

func (p *fakeProcess) Events() <-chan Event { return p.events }

func (p *fakeProcess) Quit() error {
	if p.release != nil {
		<-p.release
	}
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

func newTestBridge(t *testing.T) (*Bridge, *[]*fakeProcess) {
	t.Helper()
	logger := zerolog.Nop()
	var procs []*fakeProcess
	b := NewBridge(Config{
		Logger: &logger,
		NewProcess: func() Process {
			p := &fakeProcess{events: make(chan Event, 8)}
			procs = append(procs, p)
			return p
		},
	})
	return b, &procs
}

func start(t *testing.T, b *Bridge, mediaRef string) {
	t.Helper()
	proc, err := b.Spawn(context.Background(), mediaRef)
	require.NoError(t, err)
	b.Attach(proc, mediaRef)
}

func TestBridge_CommandsRequireRunningPlayer(t *testing.T) {
	b, _ := newTestBridge(t)

	assert.ErrorIs(t, b.SetSpeed(1.5), ErrNotRunning)
	assert.ErrorIs(t, b.Seek(time.Second), ErrNotRunning)
	assert.ErrorIs(t, b.SetPause(true), ErrNotRunning)
	assert.ErrorIs(t, b.SetTracks(nil, nil), ErrNotRunning)
	assert.Nil(t, b.Events())
	assert.False(t, b.State().Running)
}

func TestBridge_MirrorChangesOnlyOnConfirmation(t *testing.T) {
	b, procs := newTestBridge(t)
	start(t, b, "file.mkv")
	require.Len(t, *procs, 1)
	p := (*procs)[0]
	assert.Equal(t, "file.mkv", p.media)

	require.NoError(t, b.SetSpeed(1.5))
	require.NoError(t, b.Seek(90*time.Second))
	require.NoError(t, b.SetPause(false))
	assert.Equal(t, 1.0, b.State().Speed)
	assert.Zero(t, b.State().Position)
	assert.True(t, b.State().Paused)
	require.Len(t, p.sent, 3)
	assert.Equal(t, CmdSetSpeed, p.sent[0].Kind)
	assert.Equal(t, CmdSeek, p.sent[1].Kind)
	assert.Equal(t, Command{Kind: CmdSetPause}, p.sent[2])

	// the player clamps the requested value
	assert.False(t, b.Apply(Event{Kind: EventSpeed, Speed: 1.25}))
	assert.False(t, b.Apply(Event{Kind: EventPosition, Position: 90 * time.Second}))
	assert.False(t, b.Apply(Event{Kind: EventPause, Paused: false}))
	aid := int64(2)
	assert.False(t, b.Apply(Event{Kind: EventAudio, Track: &aid}))

	st := b.State()
	assert.True(t, st.Running)
	assert.Equal(t, 1.25, st.Speed)
	assert.Equal(t, 90*time.Second, st.Position)
	assert.False(t, st.Paused)
	require.NotNil(t, st.Audio)
	assert.Equal(t, int64(2), *st.Audio)
}

func TestBridge_RejectedCommandLeavesMirror(t *testing.T) {
	b, _ := newTestBridge(t)
	start(t, b, "a")
	require.False(t, b.Apply(Event{Kind: EventPosition, Position: time.Minute}))
	before := b.State()

	assert.False(t, b.Apply(Event{Kind: EventError, Err: &CommandError{RequestID: 3, Reason: "invalid parameter"}}))
	assert.Equal(t, before, b.State())
	assert.True(t, b.Running())
}

func TestBridge_PositionTimestamp(t *testing.T) {
	logger := zerolog.Nop()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	b := NewBridge(Config{
		Logger:     &logger,
		NewProcess: func() Process { return &fakeProcess{events: make(chan Event, 8)} },
		Now:        func() time.Time { return now },
	})
	start(t, b, "a")
	assert.Equal(t, now, b.State().PositionAt)

	now = now.Add(time.Second)
	b.Apply(Event{Kind: EventPosition, Position: 10 * time.Second})
	posAt := now

	// other properties do not move the position sample
	now = now.Add(700 * time.Millisecond)
	b.Apply(Event{Kind: EventSpeed, Speed: 1.5})
	b.Apply(Event{Kind: EventPause, Paused: false})

	st := b.State()
	assert.Equal(t, posAt, st.PositionAt)
	assert.Equal(t, now, st.UpdatedAt)
}

func TestBridge_QuitIsIdempotent(t *testing.T) {
	b, procs := newTestBridge(t)
	require.NoError(t, b.Quit())

	start(t, b, "a")
	require.NoError(t, b.Quit())
	require.NoError(t, b.Quit())
	b.Wait()
	assert.Equal(t, 1, (*procs)[0].quitCount())
	assert.False(t, b.Running())

	// events of a quit process are ignored
	assert.False(t, b.Apply(Event{Kind: EventExit}))
}

func TestBridge_QuitDoesNotWaitForProcess(t *testing.T) {
	logger := zerolog.Nop()
	p := &fakeProcess{events: make(chan Event, 8), release: make(chan struct{})}
	b := NewBridge(Config{Logger: &logger, NewProcess: func() Process { return p }})
	start(t, b, "a")

	returned := make(chan struct{})
	go func() {
		_ = b.Quit()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("quit waits for the process to stop")
	}
	assert.False(t, b.Running())
	assert.False(t, b.State().Running)
	assert.Zero(t, p.quitCount())

	close(p.release)
	b.Wait()
	assert.Equal(t, 1, p.quitCount())
}

func TestBridge_UnexpectedExit(t *testing.T) {
	b, _ := newTestBridge(t)
	start(t, b, "a")

	assert.True(t, b.Apply(Event{Kind: EventExit, Err: errors.New("signal: killed")}))
	assert.False(t, b.Running())
	assert.False(t, b.State().Running)
	assert.ErrorIs(t, b.SetSpeed(1.0), ErrNotRunning)
}

func TestBridge_AttachReplacesRunningProcess(t *testing.T) {
	b, procs := newTestBridge(t)
	start(t, b, "a")
	start(t, b, "b")
	b.Wait()

	require.Len(t, *procs, 2)
	assert.Equal(t, 1, (*procs)[0].quitCount())
	assert.Zero(t, (*procs)[1].quitCount())
	assert.Equal(t, "b", b.State().MediaRef)
}

func TestBridge_Errors(t *testing.T) {
	logger := zerolog.Nop()
	p := &fakeProcess{startErr: errors.New("no binary"), events: make(chan Event)}
	b := NewBridge(Config{Logger: &logger, NewProcess: func() Process { return p }})

	_, err := b.Spawn(context.Background(), "a")
	assert.ErrorIs(t, err, ErrStart)
	assert.False(t, b.Running())

	p.startErr = nil
	p.sendErr = errors.New("broken pipe")
	start(t, b, "a")
	assert.ErrorIs(t, b.SetSpeed(1.1), ErrCommand)
	assert.ErrorIs(t, b.SetSpeed(0), ErrBadSpeed)
	assert.ErrorIs(t, b.Seek(-time.Second), ErrBadSeek)
}
