// Package channel provides the duplex request/acknowledgement channel to the
// room server together with its push event stream.
package channel

import (
	"context"
	"errors"

	"github.com/adwski/roomsync/protocol"
)

var (
	ErrClosed        = errors.New("channel is closed")
	ErrSend          = errors.New("unable to send request")
	ErrBadAck        = errors.New("malformed acknowledgement")
	ErrInvalidUserID = errors.New("invalid user id")
)

// Channel is a reliable ordered request/ack channel with server pushes.
//
// Request returns a transport error only when the request could not be
// delivered or acknowledged; an Err ack is a normal result carried by the
// returned protocol.Ack. Done is closed once the underlying connection is
// lost or closed, after which Events is no longer fed.
type Channel interface {
	Request(ctx context.Context, event string, payload any) (protocol.Ack, error)
	Events() <-chan protocol.Event
	Done() <-chan struct{}
	Close() error
}

const defaultEventsQueueSize = 64
