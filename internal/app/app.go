package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tracyhatemice/mailroute/internal/config"
	"github.com/tracyhatemice/mailroute/internal/message"
	"github.com/tracyhatemice/mailroute/internal/processor"
	"github.com/tracyhatemice/mailroute/internal/receiver"
)

// App selects the configured transport and drives its receivers.
type App struct {
	cfg    *config.Config
	proc   *processor.Processor
	stdin  io.Reader
	logger *slog.Logger
}

// New creates an App that routes every message through d. stdin is nil when
// no input is piped to the process.
func New(cfg *config.Config, d processor.Dispatcher, stdin io.Reader, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		proc:   processor.New(d, logger),
		stdin:  stdin,
		logger: logger,
	}
}

// Receivers builds the receivers of the single active transport, along with
// the interval they should be polled at. Transports are tried in the order
// stdin, POP3, IMAP, Maildir, mbox; the first one configured wins.
func (a *App) Receivers() ([]receiver.Receiver, time.Duration, error) {
	switch {
	case a.stdin != nil && !a.cfg.IgnoreStdin:
		return []receiver.Receiver{receiver.NewStdin(a.stdin, a.proc, a.logger)}, 0, nil

	case len(a.cfg.POP3) > 0:
		recvs := make([]receiver.Receiver, 0, len(a.cfg.POP3))
		for _, acct := range a.cfg.POP3 {
			recvs = append(recvs, receiver.NewPOP3(receiver.POP3Options{
				Host:          acct.Host,
				Port:          acct.GetPort(110, 995),
				Username:      acct.Username,
				Password:      acct.Password,
				UseTLS:        acct.UseTLS,
				TLSSkipVerify: acct.TLSSkipVerify,
			}, a.proc, a.logger))
		}
		return recvs, a.cfg.PollInterval(), nil

	case len(a.cfg.IMAP) > 0:
		recvs := make([]receiver.Receiver, 0, len(a.cfg.IMAP))
		for _, acct := range a.cfg.IMAP {
			r, err := receiver.NewIMAP(receiver.IMAPOptions{
				Host:             acct.Host,
				Port:             acct.GetPort(143, 993),
				Username:         acct.Username,
				Password:         acct.Password,
				UseTLS:           acct.UseTLS,
				TLSSkipVerify:    acct.TLSSkipVerify,
				AuthMechanism:    acct.GetAuthMechanism(),
				Filter:           acct.Filter,
				Mailbox:          acct.Mailbox,
				ProcessedMailbox: acct.ProcessedMailbox,
			}, a.proc, a.logger)
			if err != nil {
				return nil, 0, fmt.Errorf("imap account %s: %w", acct.Label(), err)
			}
			recvs = append(recvs, r)
		}
		return recvs, a.cfg.PollInterval(), nil

	case a.cfg.Maildir != nil:
		return []receiver.Receiver{receiver.NewMaildir(a.cfg.Maildir.Path, a.proc, a.logger)}, 0, nil

	case a.cfg.Mbox != nil:
		return []receiver.Receiver{receiver.NewMbox(a.cfg.Mbox.Path, a.proc, a.logger)}, 0, nil
	}
	return nil, 0, errors.New("no mail source configured")
}

// Run drives the active transport until it is done or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	recvs, interval, err := a.Receivers()
	if err != nil {
		return err
	}
	return Loop(ctx, recvs, interval, a.logger)
}

// Loop visits every receiver in order, once per cycle. An error on one
// receiver is logged and the cycle moves on to the next. With interval <= 0
// Loop makes a single pass and returns the joined errors of that pass;
// otherwise it repeats every interval until ctx is cancelled.
func Loop(ctx context.Context, recvs []receiver.Receiver, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		return pass(ctx, recvs, logger)
	}

	logger.Info("starting poll loop", "sources", len(recvs), "interval", interval)

	// Run immediately on start, then on interval.
	pass(ctx, recvs, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("poll loop stopped")
			return nil
		case <-ticker.C:
			pass(ctx, recvs, logger)
		}
	}
}

func pass(ctx context.Context, recvs []receiver.Receiver, logger *slog.Logger) error {
	var errs []error
	for _, r := range recvs {
		if ctx.Err() != nil {
			break
		}
		if err := cycle(ctx, r, logger); err != nil {
			logError(logger, r, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// cycle runs one connect, fetch, disconnect round on r. Disconnect always
// runs so that a POP3 session commits the deletions made before a failure.
func cycle(ctx context.Context, r receiver.Receiver, logger *slog.Logger) (err error) {
	logger.Info("checking for new messages", "source", r.String())

	if err := r.Connect(ctx); err != nil {
		_ = r.Disconnect()
		return err
	}
	defer func() {
		if derr := r.Disconnect(); derr != nil && err == nil {
			err = fmt.Errorf("disconnect: %w", derr)
		}
	}()
	return r.GetMessages(ctx)
}

func logError(logger *slog.Logger, r receiver.Receiver, err error) {
	var (
		cerr *receiver.ConnectionError
		terr *receiver.TransportError
		herr *processor.HandlerError
		perr *message.ParseError
	)
	switch {
	case errors.As(err, &cerr):
		logger.Error("connection failed", "server", cerr.Server, "username", cerr.Username, "error", cerr.Err)
	case errors.As(err, &terr):
		logger.Error("transport failed", "op", terr.Op, "server", terr.Server, "username", terr.Username, "error", terr.Err)
	case errors.As(err, &herr):
		logger.Error("handler failed", "source", r.String(), "msg_id", herr.Metadata.ID, "trace_id", herr.Metadata.TraceID, "error", herr.Err)
	case errors.As(err, &perr):
		logger.Error("unparseable message", "source", r.String(), "msg_id", perr.Metadata.ID, "error", perr.Err)
	default:
		logger.Error("poll failed", "source", r.String(), "error", err)
	}
}
