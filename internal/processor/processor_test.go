package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/tracyhatemice/mailroute/internal/message"
	"github.com/tracyhatemice/mailroute/internal/router"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const valid = "From: a@example.com\r\nSubject: hello\r\n\r\nbody\r\n"

type countingDispatcher struct {
	mu    sync.Mutex
	calls int
	last  *message.Message
	err   error
}

func (d *countingDispatcher) Dispatch(ctx context.Context, msg *message.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.last = msg
	return d.err
}

func TestProcess_Dispatches(t *testing.T) {
	d := &countingDispatcher{}
	p := New(d, discard)

	md := message.Metadata{Transport: "pop3", ID: "7"}
	if err := p.Process(context.Background(), []byte(valid), md); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if d.calls != 1 {
		t.Fatalf("Dispatch calls = %d, want 1", d.calls)
	}
	got := d.last.Metadata()
	if got.ID != "7" || got.Transport != "pop3" {
		t.Errorf("Metadata = %+v, want transport pop3 id 7", got)
	}
	if got.TraceID == "" {
		t.Error("TraceID is empty, want generated id")
	}
}

func TestProcess_KeepsSuppliedTraceID(t *testing.T) {
	d := &countingDispatcher{}
	p := New(d, discard)

	if err := p.Process(context.Background(), []byte(valid), message.Metadata{TraceID: "fixed"}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got := d.last.Metadata().TraceID; got != "fixed" {
		t.Errorf("TraceID = %q, want %q", got, "fixed")
	}
}

func TestProcess_ParseErrorNeverDispatches(t *testing.T) {
	d := &countingDispatcher{}
	p := New(d, discard)

	err := p.Process(context.Background(), []byte("garbage without a colon\r\n\r\n"), message.Metadata{})
	var perr *message.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("Process() error = %v, want *message.ParseError", err)
	}
	if d.calls != 0 {
		t.Errorf("Dispatch calls = %d, want 0", d.calls)
	}
}

func TestProcess_HandlerError(t *testing.T) {
	boom := errors.New("boom")
	d := &countingDispatcher{err: boom}
	p := New(d, discard)

	err := p.Process(context.Background(), []byte(valid), message.Metadata{ID: "3", Transport: "imap"})
	var herr *HandlerError
	if !errors.As(err, &herr) {
		t.Fatalf("Process() error = %v, want *HandlerError", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Process() error does not wrap %v", boom)
	}
	if herr.Metadata.ID != "3" {
		t.Errorf("HandlerError.Metadata.ID = %q, want %q", herr.Metadata.ID, "3")
	}
}

func TestProcessReader(t *testing.T) {
	d := &countingDispatcher{}
	p := New(d, discard)

	if err := p.ProcessReader(context.Background(), strings.NewReader(valid), message.Metadata{Transport: "maildir"}); err != nil {
		t.Fatalf("ProcessReader() error = %v", err)
	}
	if d.calls != 1 {
		t.Errorf("Dispatch calls = %d, want 1", d.calls)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk error") }

func TestProcessReader_ReadError(t *testing.T) {
	d := &countingDispatcher{}
	p := New(d, discard)

	if err := p.ProcessReader(context.Background(), failingReader{}, message.Metadata{}); err == nil {
		t.Fatal("ProcessReader() error = nil, want read error")
	}
	if d.calls != 0 {
		t.Errorf("Dispatch calls = %d, want 0", d.calls)
	}
}

func TestProcess_WithRouter(t *testing.T) {
	var got string
	r := router.New()
	r.AddRule(router.When(router.Contains(router.Subject, "hello")), func(ctx context.Context, msg *message.Message) error {
		got = msg.Subject()
		return nil
	})
	p := New(r, discard)

	if err := p.Process(context.Background(), []byte(valid), message.Metadata{}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got != "hello" {
		t.Errorf("handler saw subject %q, want %q", got, "hello")
	}
}

func TestProcess_Concurrent(t *testing.T) {
	d := &countingDispatcher{}
	p := New(d, discard)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Process(context.Background(), []byte(valid), message.Metadata{}); err != nil {
				t.Errorf("Process() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if d.calls != 8 {
		t.Errorf("Dispatch calls = %d, want 8", d.calls)
	}
}
