package processor

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/gofrs/uuid"

	"github.com/tracyhatemice/mailroute/internal/message"
)

// Dispatcher routes a parsed message to its handler. *router.Router
// implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *message.Message) error
}

// HandlerError wraps an error returned by a routed handler.
type HandlerError struct {
	Metadata message.Metadata
	Err      error
}

func (e *HandlerError) Error() string {
	if e.Metadata.ID != "" {
		return fmt.Sprintf("handle message %s from %s: %v", e.Metadata.ID, e.Metadata.Transport, e.Err)
	}
	return fmt.Sprintf("handle message: %v", e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Processor turns raw messages into parsed ones and dispatches them. It keeps
// no per-message state and is safe for concurrent use.
type Processor struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

// New creates a Processor that dispatches through d.
func New(d Dispatcher, logger *slog.Logger) *Processor {
	return &Processor{
		dispatcher: d,
		logger:     logger,
	}
}

// Process parses raw and dispatches the result. A parse failure returns a
// *message.ParseError without dispatching; a handler failure returns a
// *HandlerError.
func (p *Processor) Process(ctx context.Context, raw []byte, md message.Metadata) error {
	if md.TraceID == "" {
		if id, err := uuid.NewV4(); err == nil {
			md.TraceID = id.String()
		}
	}

	msg, err := message.Parse(raw, md)
	if err != nil {
		return err
	}

	p.logger.Debug("dispatching message",
		"transport", md.Transport,
		"msg_id", md.ID,
		"trace_id", md.TraceID,
		"subject", msg.Subject(),
	)

	if err := p.dispatcher.Dispatch(ctx, msg); err != nil {
		return &HandlerError{Metadata: md, Err: err}
	}
	return nil
}

// ProcessReader reads a transport-native message, such as a maildir file or
// an mbox entry, and processes it like Process.
func (p *Processor) ProcessReader(ctx context.Context, r io.Reader, md message.Metadata) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read message %s: %w", md.ID, err)
	}
	return p.Process(ctx, raw, md)
}
