// Package player controls the external media player process.
package player

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/roomsync/client/model"
	"github.com/rs/zerolog"
)

var (
	ErrNotRunning = errors.New("player is not running")
	ErrStart      = errors.New("failed to start player")
	ErrCommand    = errors.New("player command failed")
	ErrBadSpeed   = errors.New("speed must be positive")
	ErrBadSeek    = errors.New("position must not be negative")
)

type CommandKind int

const (
	CmdSetSpeed CommandKind = iota
	CmdSeek
	CmdSetAudio
	CmdSetSubtitles
	CmdSetPause
	CmdQuit
)

type EventKind int

const (
	EventSpeed EventKind = iota
	EventPosition
	EventPause
	EventAudio
	EventSubtitles
	EventEndFile
	EventExit
	// EventError is a command the process rejected. It carries no state.
	EventError
)

type (
	// Command is sent to the process. Track nil disables the track.
	Command struct {
		Kind     CommandKind
		Speed    float64
		Position time.Duration
		Paused   bool
		Track    *int64
	}

	// Event is a state change confirmed by the process.
	Event struct {
		Kind     EventKind
		Speed    float64
		Position time.Duration
		Paused   bool
		Track    *int64
		Err      error
	}

	// Process is one run of the player. Events must not block the process
	// once nobody reads them and must end with a single EventExit.
	Process interface {
		Start(ctx context.Context, mediaRef string) error
		Send(Command) error
		Events() <-chan Event
		Quit() error
	}

	Config struct {
		Logger     *zerolog.Logger
		NewProcess func() Process
		Now        func() time.Time
	}

	// Bridge owns at most one Process and mirrors its confirmed state.
	// It is not safe for concurrent use.
	Bridge struct {
		newProcess func() Process
		now        func() time.Time
		proc       Process
		state      model.PlaybackState
		quitting   sync.WaitGroup
		logger     zerolog.Logger
	}
)

func NewBridge(cfg Config) *Bridge {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Bridge{
		newProcess: cfg.NewProcess,
		now:        now,
		state:      model.NewPlaybackState(),
		logger:     cfg.Logger.With().Str("component", "player-bridge").Logger(),
	}
}

func (b *Bridge) Running() bool { return b.proc != nil }

// State returns the last confirmed playback state.
func (b *Bridge) State() model.PlaybackState { return b.state }

// Events returns the running process event stream, nil when not running.
func (b *Bridge) Events() <-chan Event {
	if b.proc == nil {
		return nil
	}
	return b.proc.Events()
}

// Spawn starts a process without touching the bridge state, so it may run
// outside the owner goroutine. The process is then handed to Attach.
func (b *Bridge) Spawn(ctx context.Context, mediaRef string) (Process, error) {
	proc := b.newProcess()
	if err := proc.Start(ctx, mediaRef); err != nil {
		return nil, errors.Join(ErrStart, err)
	}
	return proc, nil
}

// Attach makes proc the current process, quitting the previous one.
func (b *Bridge) Attach(proc Process, mediaRef string) {
	if b.proc != nil {
		_ = b.Quit()
	}
	b.proc = proc
	b.state = model.NewPlaybackState()
	b.state.Running = true
	b.state.MediaRef = mediaRef
	b.state.UpdatedAt = b.now()
	b.state.PositionAt = b.state.UpdatedAt
	b.logger.Info().Str("media", mediaRef).Msg("player started")
}

// Quit detaches the process and stops it in the background. It is
// idempotent. Wait blocks until every detached process is gone.
func (b *Bridge) Quit() error {
	if b.proc == nil {
		return nil
	}
	proc := b.proc
	b.proc = nil
	b.reset()

	b.quitting.Add(1)
	go func() {
		defer b.quitting.Done()
		if err := proc.Quit(); err != nil {
			b.logger.Debug().Err(err).Msg("player quit")
		}
		b.logger.Info().Msg("player stopped")
	}()
	return nil
}

// Wait returns once every quitting process has stopped.
func (b *Bridge) Wait() {
	b.quitting.Wait()
}

func (b *Bridge) reset() {
	b.state = model.NewPlaybackState()
	b.state.UpdatedAt = b.now()
	b.state.PositionAt = b.state.UpdatedAt
}

func (b *Bridge) SetSpeed(speed float64) error {
	if speed <= 0 {
		return ErrBadSpeed
	}
	return b.send(Command{Kind: CmdSetSpeed, Speed: speed})
}

func (b *Bridge) Seek(pos time.Duration) error {
	if pos < 0 {
		return ErrBadSeek
	}
	return b.send(Command{Kind: CmdSeek, Position: pos})
}

func (b *Bridge) SetPause(paused bool) error {
	return b.send(Command{Kind: CmdSetPause, Paused: paused})
}

// SetTracks selects audio and subtitle tracks; nil disables a track.
func (b *Bridge) SetTracks(audio, subtitles *int64) error {
	if err := b.send(Command{Kind: CmdSetAudio, Track: audio}); err != nil {
		return err
	}
	return b.send(Command{Kind: CmdSetSubtitles, Track: subtitles})
}

func (b *Bridge) send(cmd Command) error {
	if b.proc == nil {
		return ErrNotRunning
	}
	if err := b.proc.Send(cmd); err != nil {
		return errors.Join(ErrCommand, err)
	}
	return nil
}

// Apply folds a process event into the mirror. It returns true when the
// event reports the process exited without Quit being called.
func (b *Bridge) Apply(ev Event) bool {
	if b.proc == nil || ev.Kind == EventError {
		return false
	}
	now := b.now()
	switch ev.Kind {
	case EventSpeed:
		b.state.Speed = ev.Speed
	case EventPosition:
		b.state.Position = ev.Position
		b.state.PositionAt = now
	case EventPause:
		b.state.Paused = ev.Paused
	case EventAudio:
		b.state.Audio = ev.Track
	case EventSubtitles:
		b.state.Subtitles = ev.Track
	case EventEndFile:
		b.state.Paused = true
	case EventExit:
		b.proc = nil
		b.reset()
		b.logger.Warn().Err(ev.Err).Msg("player exited unexpectedly")
		return true
	}
	b.state.UpdatedAt = now
	return false
}
