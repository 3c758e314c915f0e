package receiver

import (
	"context"
	"io"
	"log/slog"

	"github.com/tracyhatemice/mailroute/internal/message"
)

// StdinReceiver processes a single message read from a stream, typically a
// message piped in by an MTA. It has no connection and no acknowledgment.
type StdinReceiver struct {
	r      io.Reader
	proc   Processor
	logger *slog.Logger
}

func NewStdin(r io.Reader, proc Processor, logger *slog.Logger) *StdinReceiver {
	return &StdinReceiver{r: r, proc: proc, logger: logger}
}

func (r *StdinReceiver) String() string { return "stdin" }

func (r *StdinReceiver) Connect(ctx context.Context) error { return nil }

// GetMessages reads the stream to EOF and processes it as one message.
func (r *StdinReceiver) GetMessages(ctx context.Context) error {
	r.logger.Debug("processing message from stdin")
	raw, err := io.ReadAll(r.r)
	if err != nil {
		return &TransportError{Op: "read", Server: "stdin", Err: err}
	}
	return r.proc.Process(ctx, raw, message.Metadata{Transport: "stdin", Account: "stdin"})
}

func (r *StdinReceiver) Disconnect() error { return nil }
