package player

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Observed mpv properties and their observe ids.
const (
	propSpeed   = "speed"
	propTimePos = "time-pos"
	propPause   = "pause"
	propAudio   = "aid"
	propSubs    = "sid"
)

var observedProperties = []string{propSpeed, propTimePos, propPause, propAudio, propSubs}

var ErrIPCClosed = errors.New("ipc connection closed")

// CommandError is an mpv reply rejecting a command.
type CommandError struct {
	RequestID int64
	Reason    string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("mpv request %d: %s", e.RequestID, e.Reason)
}

type (
	ipcRequest struct {
		Command   []any `json:"command"`
		RequestID int64 `json:"request_id"`
	}

	ipcMessage struct {
		Event     string          `json:"event,omitempty"`
		Name      string          `json:"name,omitempty"`
		ID        int64           `json:"id,omitempty"`
		Data      json.RawMessage `json:"data,omitempty"`
		RequestID int64           `json:"request_id,omitempty"`
		Error     string          `json:"error,omitempty"`
	}

	// IPC speaks mpv's newline delimited JSON protocol over a stream.
	IPC struct {
		w      io.WriteCloser
		r      *bufio.Reader
		mx     sync.Mutex
		nextID int64
		closed bool
	}
)

func NewIPC(conn io.ReadWriteCloser) *IPC {
	return &IPC{w: conn, r: bufio.NewReader(conn)}
}

// Command writes one command and returns its request id.
func (c *IPC) Command(args ...any) (int64, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return 0, ErrIPCClosed
	}
	c.nextID++
	b, err := json.Marshal(ipcRequest{Command: args, RequestID: c.nextID})
	if err != nil {
		return 0, err
	}
	b = append(b, '\n')
	if _, err = c.w.Write(b); err != nil {
		return 0, err
	}
	return c.nextID, nil
}

// Observe subscribes to every property the bridge mirrors.
func (c *IPC) Observe() error {
	for i, name := range observedProperties {
		if _, err := c.Command("observe_property", i+1, name); err != nil {
			return err
		}
	}
	return nil
}

// Send translates a bridge command into an mpv command.
func (c *IPC) Send(cmd Command) error {
	var err error
	switch cmd.Kind {
	case CmdSetSpeed:
		_, err = c.Command("set_property", propSpeed, cmd.Speed)
	case CmdSeek:
		_, err = c.Command("seek", cmd.Position.Seconds(), "absolute")
	case CmdSetAudio:
		_, err = c.Command("set_property", propAudio, trackArg(cmd.Track))
	case CmdSetSubtitles:
		_, err = c.Command("set_property", propSubs, trackArg(cmd.Track))
	case CmdSetPause:
		_, err = c.Command("set_property", propPause, cmd.Paused)
	case CmdQuit:
		_, err = c.Command("quit")
	}
	return err
}

// Next reads until the next message that maps to a bridge event. A reply
// rejecting a command is returned as *CommandError.
func (c *IPC) Next() (Event, error) {
	for {
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, ErrIPCClosed
			}
			return Event{}, err
		}
		var msg ipcMessage
		if err = json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Event == "" {
			if msg.Error != "" && msg.Error != "success" {
				return Event{}, &CommandError{RequestID: msg.RequestID, Reason: msg.Error}
			}
			continue
		}
		if ev, ok := translate(msg); ok {
			return ev, nil
		}
	}
}

func (c *IPC) Close() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.w.Close()
}

func translate(msg ipcMessage) (Event, bool) {
	switch msg.Event {
	case "end-file":
		return Event{Kind: EventEndFile}, true
	case "property-change":
	default:
		return Event{}, false
	}
	if len(msg.Data) == 0 {
		return Event{}, false
	}
	switch msg.Name {
	case propSpeed:
		var v float64
		if json.Unmarshal(msg.Data, &v) != nil {
			return Event{}, false
		}
		return Event{Kind: EventSpeed, Speed: v}, true
	case propTimePos:
		var v float64
		if json.Unmarshal(msg.Data, &v) != nil {
			return Event{}, false
		}
		return Event{Kind: EventPosition, Position: time.Duration(v * float64(time.Second))}, true
	case propPause:
		var v bool
		if json.Unmarshal(msg.Data, &v) != nil {
			return Event{}, false
		}
		return Event{Kind: EventPause, Paused: v}, true
	case propAudio:
		return Event{Kind: EventAudio, Track: trackOf(msg.Data)}, true
	case propSubs:
		return Event{Kind: EventSubtitles, Track: trackOf(msg.Data)}, true
	}
	return Event{}, false
}

// mpv reports a disabled track as false or "no".
func trackOf(data json.RawMessage) *int64 {
	var id int64
	if json.Unmarshal(data, &id) != nil {
		return nil
	}
	return &id
}

func trackArg(track *int64) any {
	if track == nil {
		return "no"
	}
	return *track
}
