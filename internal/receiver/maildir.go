package receiver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/tracyhatemice/mailroute/internal/dedup"
	"github.com/tracyhatemice/mailroute/internal/message"
)

// Watcher reports files created in a directory.
type Watcher interface {
	// Next blocks until a file is created and returns its base name.
	Next(ctx context.Context) (string, error)
	Close() error
}

// seenLimit bounds how many processed file names are remembered.
const seenLimit = 100000

// MaildirReceiver processes the messages queued in a maildir's new/
// directory and then every message delivered there while it runs.
//
// Files are never moved out of new/, so every message still queued there is
// processed again after a restart.
type MaildirReceiver struct {
	path   string
	proc   Processor
	logger *slog.Logger
	seen   *dedup.Set

	newWatcher func(dir string) (Watcher, error)
	watcher    Watcher
}

// NewMaildir creates a receiver for the maildir rooted at path.
func NewMaildir(path string, proc Processor, logger *slog.Logger) *MaildirReceiver {
	return &MaildirReceiver{
		path:       path,
		proc:       proc,
		logger:     logger,
		seen:       dedup.NewSet(seenLimit),
		newWatcher: newFSWatcher,
	}
}

func (r *MaildirReceiver) String() string {
	return r.path
}

func (r *MaildirReceiver) newDir() string {
	return filepath.Join(r.path, "new")
}

// Connect starts watching new/. The watch is in place before GetMessages
// scans the backlog, so no delivery falls between the two.
func (r *MaildirReceiver) Connect(ctx context.Context) error {
	if r.watcher != nil {
		return nil
	}
	fi, err := os.Stat(r.newDir())
	if err != nil {
		return &ConnectionError{Server: r.path, Err: err}
	}
	if !fi.IsDir() {
		return &ConnectionError{Server: r.path, Err: fmt.Errorf("%s is not a directory", r.newDir())}
	}
	w, err := r.newWatcher(r.newDir())
	if err != nil {
		return &ConnectionError{Server: r.path, Err: fmt.Errorf("watch %s: %w", r.newDir(), err)}
	}
	r.watcher = w
	return nil
}

// GetMessages processes the backlog in name order, then blocks handling new
// deliveries until ctx is done. Each file is processed once. The first file
// that fails to parse or to be handled ends the call with that error; it is
// forgotten so the next GetMessages retries it.
func (r *MaildirReceiver) GetMessages(ctx context.Context) error {
	if r.watcher == nil {
		return ErrNotConnected
	}

	r.logger.Debug("processing new message queue", "maildir", r.path)
	entries, err := os.ReadDir(r.newDir())
	if err != nil {
		return &TransportError{Op: "read maildir", Server: r.path, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	r.logger.Info("found queued messages", "maildir", r.path, "count", len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.deliver(ctx, name); err != nil {
			return err
		}
	}

	r.logger.Debug("monitoring maildir for new messages", "maildir", r.path)
	for {
		name, err := r.watcher.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &TransportError{Op: "watch maildir", Server: r.path, Err: err}
		}
		if strings.HasPrefix(name, ".") {
			continue
		}
		if err := r.deliver(ctx, name); err != nil {
			return err
		}
	}
}

func (r *MaildirReceiver) deliver(ctx context.Context, name string) error {
	if !r.seen.Add(name) {
		return nil
	}
	f, err := os.Open(filepath.Join(r.newDir(), name))
	if errors.Is(err, fs.ErrNotExist) {
		// A mail client may already have moved it to cur/.
		r.logger.Warn("maildir message vanished", "maildir", r.path, "file", name)
		return nil
	}
	if err != nil {
		r.seen.Remove(name)
		return &TransportError{Op: "open maildir message", Server: r.path, Err: err}
	}
	defer f.Close()

	md := message.Metadata{
		Transport: "maildir",
		Account:   r.path,
		Mailbox:   "new",
		ID:        name,
	}
	if err := r.proc.ProcessReader(ctx, f, md); err != nil {
		r.seen.Remove(name)
		return err
	}
	return nil
}

type fsWatcher struct {
	w *fsnotify.Watcher
}

func newFSWatcher(dir string) (Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &fsWatcher{w: w}, nil
}

func (f *fsWatcher) Next(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-f.w.Events:
			if !ok {
				return "", errWatcherClosed
			}
			if ev.Has(fsnotify.Create) {
				return filepath.Base(ev.Name), nil
			}
		case err, ok := <-f.w.Errors:
			if !ok {
				return "", errWatcherClosed
			}
			return "", err
		}
	}
}

func (f *fsWatcher) Close() error {
	return f.w.Close()
}
