package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tracyhatemice/mailroute/internal/message"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func rawMessage(subject string) []byte {
	return []byte(fmt.Sprintf("From: a@example.com\r\nSubject: %s\r\n\r\nbody\r\n", subject))
}

var errHandler = errors.New("handler failed")

// fakeProcessor records what it was given and fails on chosen calls.
type fakeProcessor struct {
	mu     sync.Mutex
	raws   []string
	mds    []message.Metadata
	failOn map[int]bool // 1-based call numbers
	onCall func(n int)
}

func (p *fakeProcessor) Process(ctx context.Context, raw []byte, md message.Metadata) error {
	p.mu.Lock()
	p.raws = append(p.raws, string(raw))
	p.mds = append(p.mds, md)
	n := len(p.raws)
	onCall := p.onCall
	fail := p.failOn[n]
	p.mu.Unlock()

	if onCall != nil {
		onCall(n)
	}
	if fail {
		return errHandler
	}
	return nil
}

func (p *fakeProcessor) ProcessReader(ctx context.Context, r io.Reader, md message.Metadata) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return p.Process(ctx, raw, md)
}

func (p *fakeProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.raws)
}

func (p *fakeProcessor) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.mds))
	for i, md := range p.mds {
		out[i] = md.ID
	}
	return out
}
