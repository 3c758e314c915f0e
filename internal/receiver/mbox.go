package receiver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/tracyhatemice/mailroute/internal/message"
)

// MboxReceiver processes every message of an mbox file once, in file order.
// The file is not modified.
type MboxReceiver struct {
	path   string
	proc   Processor
	logger *slog.Logger
	file   *os.File
}

func NewMbox(path string, proc Processor, logger *slog.Logger) *MboxReceiver {
	return &MboxReceiver{path: path, proc: proc, logger: logger}
}

func (r *MboxReceiver) String() string { return r.path }

func (r *MboxReceiver) Connect(ctx context.Context) error {
	if r.file != nil {
		return nil
	}
	f, err := os.Open(r.path)
	if err != nil {
		return &ConnectionError{Server: r.path, Err: err}
	}
	r.file = f
	return nil
}

// GetMessages stops at the first message that fails to process and returns
// its error.
func (r *MboxReceiver) GetMessages(ctx context.Context) error {
	if r.file == nil {
		return ErrNotConnected
	}

	mr := mboxlib.NewReader(r.file)
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := mr.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &TransportError{Op: "read mbox", Server: r.path, Err: err}
		}
		count++
		md := message.Metadata{
			Transport: "mbox",
			Account:   r.path,
			Mailbox:   r.path,
			ID:        strconv.Itoa(count),
		}
		if err := r.proc.ProcessReader(ctx, msg, md); err != nil {
			return err
		}
	}
	r.logger.Info("processed mbox", "path", r.path, "count", count)
	return nil
}

func (r *MboxReceiver) Disconnect() error {
	f := r.file
	r.file = nil
	if f == nil {
		return nil
	}
	return f.Close()
}
