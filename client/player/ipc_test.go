package player

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPC_CommandFraming(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	ipc := NewIPC(client)
	defer ipc.Close()

	lines := make(chan map[string]any, 8)
	go func() {
		sc := bufio.NewScanner(server)
		for sc.Scan() {
			var m map[string]any
			if json.Unmarshal(sc.Bytes(), &m) == nil {
				lines <- m
			}
		}
		close(lines)
	}()

	require.NoError(t, ipc.Send(Command{Kind: CmdSetSpeed, Speed: 1.25}))
	msg := <-lines
	assert.Equal(t, []any{"set_property", "speed", 1.25}, msg["command"])
	assert.Equal(t, float64(1), msg["request_id"])

	require.NoError(t, ipc.Send(Command{Kind: CmdSeek, Position: 1500 * time.Millisecond}))
	msg = <-lines
	assert.Equal(t, []any{"seek", 1.5, "absolute"}, msg["command"])

	require.NoError(t, ipc.Send(Command{Kind: CmdSetPause, Paused: true}))
	msg = <-lines
	assert.Equal(t, []any{"set_property", "pause", true}, msg["command"])

	require.NoError(t, ipc.Send(Command{Kind: CmdSetSubtitles}))
	msg = <-lines
	assert.Equal(t, []any{"set_property", "sid", "no"}, msg["command"])

	aid := int64(3)
	require.NoError(t, ipc.Send(Command{Kind: CmdSetAudio, Track: &aid}))
	msg = <-lines
	assert.Equal(t, []any{"set_property", "aid", float64(3)}, msg["command"])

	require.NoError(t, ipc.Observe())
	for _, name := range observedProperties {
		msg = <-lines
		cmd := msg["command"].([]any)
		assert.Equal(t, "observe_property", cmd[0])
		assert.Equal(t, name, cmd[2])
	}
}

func TestIPC_Events(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	ipc := NewIPC(client)

	go func() {
		for _, l := range []string{
			`{"request_id":1,"error":"success"}`,
			`{"event":"property-change","id":1,"name":"speed","data":1.25}`,
			`not json`,
			`{"event":"property-change","id":2,"name":"time-pos","data":12.5}`,
			`{"event":"property-change","id":2,"name":"time-pos"}`,
			`{"event":"property-change","id":3,"name":"pause","data":true}`,
			`{"event":"property-change","id":5,"name":"sid","data":false}`,
			`{"event":"property-change","id":4,"name":"aid","data":2}`,
			`{"event":"playback-restart"}`,
			`{"request_id":7,"error":"property unavailable"}`,
			`{"event":"end-file","reason":"eof"}`,
		} {
			_, _ = server.Write([]byte(l + "\n"))
		}
		_ = server.Close()
	}()

	ev, err := ipc.Next()
	require.NoError(t, err)
	assert.Equal(t, Event{Kind: EventSpeed, Speed: 1.25}, ev)

	ev, err = ipc.Next()
	require.NoError(t, err)
	assert.Equal(t, EventPosition, ev.Kind)
	assert.Equal(t, 12500*time.Millisecond, ev.Position)

	ev, err = ipc.Next()
	require.NoError(t, err)
	assert.Equal(t, Event{Kind: EventPause, Paused: true}, ev)

	ev, err = ipc.Next()
	require.NoError(t, err)
	assert.Equal(t, EventSubtitles, ev.Kind)
	assert.Nil(t, ev.Track)

	ev, err = ipc.Next()
	require.NoError(t, err)
	assert.Equal(t, EventAudio, ev.Kind)
	require.NotNil(t, ev.Track)
	assert.Equal(t, int64(2), *ev.Track)

	_, err = ipc.Next()
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, int64(7), cmdErr.RequestID)

	ev, err = ipc.Next()
	require.NoError(t, err)
	assert.Equal(t, EventEndFile, ev.Kind)

	_, err = ipc.Next()
	assert.ErrorIs(t, err, ErrIPCClosed)
}
