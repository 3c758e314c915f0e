package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	pop3client "github.com/knadh/go-pop3"

	"github.com/tracyhatemice/mailroute/internal/message"
)

// POP3Options configures a POP3Receiver.
type POP3Options struct {
	Host          string
	Port          int
	Username      string
	Password      string
	UseTLS        bool
	TLSSkipVerify bool
}

type pop3Entry struct {
	ID  int
	UID string
}

// pop3Session is the subset of a POP3 connection the receiver uses.
type pop3Session interface {
	Auth(user, password string) error
	List() ([]pop3Entry, error)
	Retr(id int) ([]byte, error)
	Dele(id int) error
	Quit() error
}

// POP3Receiver fetches messages over POP3/POP3S and deletes each one after it
// was processed.
type POP3Receiver struct {
	opts   POP3Options
	proc   Processor
	logger *slog.Logger

	dial  func() (pop3Session, error)
	conn  pop3Session
	state State
}

// NewPOP3 creates a new POP3 receiver.
func NewPOP3(opts POP3Options, proc Processor, logger *slog.Logger) *POP3Receiver {
	r := &POP3Receiver{
		opts:   opts,
		proc:   proc,
		logger: logger,
	}
	r.dial = r.dialServer
	return r
}

func (r *POP3Receiver) String() string {
	return r.opts.Username + "@" + r.opts.Host
}

// State reports the current connection state.
func (r *POP3Receiver) State() State {
	return r.state
}

func (r *POP3Receiver) Connect(ctx context.Context) error {
	if r.state == Connected {
		return nil
	}
	addr := net.JoinHostPort(r.opts.Host, strconv.Itoa(r.opts.Port))
	r.logger.Debug("pop3 connecting", "addr", addr, "username", r.opts.Username, "tls", r.opts.UseTLS)

	conn, err := r.dial()
	if err != nil {
		r.state = Faulted
		return r.connErr(fmt.Errorf("dial %s: %w", addr, err))
	}
	if err := conn.Auth(r.opts.Username, r.opts.Password); err != nil {
		_ = conn.Quit()
		r.state = Faulted
		return r.connErr(fmt.Errorf("auth: %w", err))
	}

	r.conn = conn
	r.state = Connected
	return nil
}

// GetMessages retrieves every message in the mailbox in server order. A
// message is deleted only after it was processed without error; when
// processing fails the error is returned and that message, and every message
// after it, stays on the server for the next poll. Deletions become permanent
// when Disconnect sends QUIT.
func (r *POP3Receiver) GetMessages(ctx context.Context) error {
	if r.state != Connected {
		return ErrNotConnected
	}

	msgs, err := r.conn.List()
	if err != nil {
		return r.transportErr("pop3 list", err)
	}
	r.logger.Info("fetched message list", "account", r.String(), "count", len(msgs))

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := r.conn.Retr(msg.ID)
		if err != nil {
			return r.transportErr(fmt.Sprintf("pop3 retrieve %d", msg.ID), err)
		}

		id := strconv.Itoa(msg.ID)
		if msg.UID != "" {
			id = msg.UID
		}
		md := message.Metadata{
			Transport: "pop3",
			Account:   r.String(),
			Mailbox:   "INBOX",
			ID:        id,
		}
		if err := r.proc.Process(ctx, raw, md); err != nil {
			return err
		}

		if err := r.conn.Dele(msg.ID); err != nil {
			return r.transportErr(fmt.Sprintf("pop3 delete %d", msg.ID), err)
		}
		r.logger.Debug("processed and deleted", "account", r.String(), "msg_id", id)
	}
	return nil
}

// Disconnect sends QUIT, committing deletions made so far.
func (r *POP3Receiver) Disconnect() error {
	conn := r.conn
	r.conn = nil
	r.state = Disconnected
	if conn == nil {
		return nil
	}
	if err := conn.Quit(); err != nil {
		return fmt.Errorf("pop3 quit %s: %w", r.String(), err)
	}
	return nil
}

func (r *POP3Receiver) connErr(err error) error {
	return &ConnectionError{Server: r.opts.Host, Username: r.opts.Username, Err: err}
}

func (r *POP3Receiver) transportErr(op string, err error) error {
	r.state = Faulted
	return &TransportError{Op: op, Server: r.opts.Host, Username: r.opts.Username, Err: err}
}

func (r *POP3Receiver) dialServer() (pop3Session, error) {
	client := pop3client.New(pop3client.Opt{
		Host:          r.opts.Host,
		Port:          r.opts.Port,
		TLSEnabled:    r.opts.UseTLS,
		TLSSkipVerify: r.opts.TLSSkipVerify,
	})
	conn, err := client.NewConn()
	if err != nil {
		return nil, err
	}
	return &goPOP3Session{conn: conn}, nil
}

// goPOP3Session adapts a go-pop3 connection.
type goPOP3Session struct {
	conn *pop3client.Conn
}

func (s *goPOP3Session) Auth(user, password string) error {
	return s.conn.Auth(user, password)
}

// List pairs LIST with UIDL. Servers without UIDL answer -ERR; their
// messages keep an empty UID.
func (s *goPOP3Session) List() ([]pop3Entry, error) {
	msgs, err := s.conn.List(0)
	if err != nil {
		return nil, err
	}
	uids := make(map[int]string, len(msgs))
	if list, err := s.conn.Uidl(0); err == nil {
		for _, m := range list {
			uids[m.ID] = m.UID
		}
	}
	out := make([]pop3Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, pop3Entry{ID: m.ID, UID: uids[m.ID]})
	}
	return out, nil
}

func (s *goPOP3Session) Retr(id int) ([]byte, error) {
	buf, err := s.conn.RetrRaw(id)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *goPOP3Session) Dele(id int) error {
	return s.conn.Dele(id)
}

func (s *goPOP3Session) Quit() error {
	return s.conn.Quit()
}
