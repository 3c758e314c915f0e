package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tracyhatemice/mailroute/internal/message"
)

// Processor consumes fetched messages. *processor.Processor implements it.
type Processor interface {
	Process(ctx context.Context, raw []byte, md message.Metadata) error
	ProcessReader(ctx context.Context, r io.Reader, md message.Metadata) error
}

// Receiver pulls messages from one mail source and hands each to a Processor.
type Receiver interface {
	// Connect establishes a usable connection, or returns a *ConnectionError.
	Connect(ctx context.Context) error

	// GetMessages processes every currently available message and performs
	// the transport's acknowledgment for each one that was processed.
	GetMessages(ctx context.Context) error

	// Disconnect releases the connection. It is safe to call in any state.
	Disconnect() error

	// String identifies the source in log lines, e.g. "user@host".
	String() string
}

// State is the connection state of a POP3 or IMAP receiver.
type State int

const (
	Disconnected State = iota
	Connected
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrNotConnected is returned by GetMessages before a successful Connect.
var ErrNotConnected = errors.New("receiver is not connected")

// ConnectionError reports a failure to connect or authenticate.
type ConnectionError struct {
	Server   string
	Username string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s@%s: %v", e.Username, e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError reports an I/O failure on an established connection. The
// cycle is abandoned and the next one starts from scratch.
type TransportError struct {
	Op       string
	Server   string
	Username string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s on %s@%s: %v", e.Op, e.Username, e.Server, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
