package player

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultMPVBinary = "mpv"

	defaultSocketWait      = 5 * time.Second
	defaultSocketPoll      = 50 * time.Millisecond
	defaultQuitGracePeriod = 2 * time.Second
	defaultEventsQueueSize = 64
)

var ErrAlreadyStarted = errors.New("process already started")

type (
	MPVConfig struct {
		Logger    *zerolog.Logger
		Binary    string
		SocketDir string
		Args      []string
	}

	// MPV runs mpv with a JSON IPC socket.
	MPV struct {
		cfg    MPVConfig
		cmd    *exec.Cmd
		ipc    *IPC
		socket string
		events chan Event
		exited chan struct{}

		quitOnce sync.Once
		logger   zerolog.Logger
	}
)

func NewMPV(cfg MPVConfig) *MPV {
	if cfg.Binary == "" {
		cfg.Binary = DefaultMPVBinary
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = os.TempDir()
	}
	return &MPV{
		cfg:    cfg,
		events: make(chan Event, defaultEventsQueueSize),
		exited: make(chan struct{}),
		logger: cfg.Logger.With().Str("component", "mpv").Logger(),
	}
}

func (m *MPV) Events() <-chan Event { return m.events }

func (m *MPV) Start(ctx context.Context, mediaRef string) error {
	if m.cmd != nil {
		return ErrAlreadyStarted
	}
	m.socket = filepath.Join(m.cfg.SocketDir, "roomsync-mpv-"+uuid.NewString()+".sock")

	args := append([]string{
		"--input-ipc-server=" + m.socket,
		"--keep-open=yes",
		"--force-window=yes",
	}, m.cfg.Args...)
	args = append(args, "--", mediaRef)

	m.cmd = exec.Command(m.cfg.Binary, args...)
	if err := m.cmd.Start(); err != nil {
		return err
	}
	m.logger = m.logger.With().Int("pid", m.cmd.Process.Pid).Logger()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- m.cmd.Wait()
	}()

	conn, err := m.dialSocket(ctx, waitErr)
	if err != nil {
		_ = m.cmd.Process.Kill()
		return err
	}
	m.ipc = NewIPC(conn)
	if err = m.ipc.Observe(); err != nil {
		_ = m.cmd.Process.Kill()
		return err
	}

	go m.readLoop()
	go func() {
		err := <-waitErr
		_ = m.ipc.Close()
		_ = os.Remove(m.socket)
		close(m.exited)
		m.logger.Debug().Err(err).Msg("mpv exited")
		m.emit(Event{Kind: EventExit, Err: err})
	}()
	return nil
}

func (m *MPV) dialSocket(ctx context.Context, waitErr <-chan error) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultSocketWait)
	defer cancel()
	var d net.Dialer
	poll := time.NewTicker(defaultSocketPoll)
	defer poll.Stop()
	for {
		conn, err := d.DialContext(ctx, "unix", m.socket)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ctx.Err(), err)
		case werr := <-waitErr:
			return nil, errors.Join(errors.New("mpv exited during startup"), werr)
		case <-poll.C:
		}
	}
}

func (m *MPV) readLoop() {
	for {
		ev, err := m.ipc.Next()
		if err != nil {
			var cmdErr *CommandError
			if errors.As(err, &cmdErr) {
				m.logger.Warn().Err(err).Msg("mpv rejected command")
				m.emit(Event{Kind: EventError, Err: cmdErr})
				continue
			}
			if !errors.Is(err, ErrIPCClosed) {
				m.logger.Debug().Err(err).Msg("mpv ipc read failed")
			}
			return
		}
		m.emit(ev)
	}
}

// emit never blocks the IPC reader. With a full queue intermediate events
// are dropped, the exit event always gets through.
func (m *MPV) emit(ev Event) {
	if ev.Kind == EventExit {
		for {
			select {
			case m.events <- ev:
				return
			default:
			}
			select {
			case <-m.events:
			default:
			}
		}
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Trace().Int("kind", int(ev.Kind)).Msg("player event dropped")
	}
}

func (m *MPV) Send(cmd Command) error {
	if m.ipc == nil {
		return ErrNotRunning
	}
	return m.ipc.Send(cmd)
}

// Quit asks mpv to quit and kills it after a grace period.
func (m *MPV) Quit() error {
	if m.cmd == nil || m.ipc == nil {
		return nil
	}
	var err error
	m.quitOnce.Do(func() {
		if sErr := m.ipc.Send(Command{Kind: CmdQuit}); sErr != nil {
			m.logger.Debug().Err(sErr).Msg("quit command failed")
		}
		select {
		case <-m.exited:
		case <-time.After(defaultQuitGracePeriod):
			err = m.cmd.Process.Kill()
		}
	})
	return err
}
