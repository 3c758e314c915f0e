package receiver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/tracyhatemice/mailroute/internal/message"
)

// IMAPOptions configures an IMAPReceiver.
type IMAPOptions struct {
	Host             string
	Port             int
	Username         string
	Password         string
	UseTLS           bool
	TLSSkipVerify    bool
	AuthMechanism    string // "LOGIN" (default) or "PLAIN"
	Filter           string // see SearchCriteria; default "UNSEEN"
	Mailbox          string // default "INBOX"
	ProcessedMailbox string // default "Processed"
}

// SearchCriteria translates a filter name into an IMAP search. Messages
// already flagged \Deleted are always excluded, so messages left behind by an
// interrupted cycle are not handled twice before they are expunged.
//
// NEW is accepted as an alias of UNSEEN. IMAP4rev1 defines it as RECENT
// UNSEEN, but \Recent was dropped in IMAP4rev2 and go-imap v2 cannot search
// on it, so the RECENT half is not applied.
func SearchCriteria(filter string) (*imap.SearchCriteria, error) {
	c := &imap.SearchCriteria{}
	switch strings.ToUpper(strings.TrimSpace(filter)) {
	case "", "UNSEEN", "NEW":
		c.NotFlag = []imap.Flag{imap.FlagSeen}
	case "ALL":
	case "SEEN":
		c.Flag = []imap.Flag{imap.FlagSeen}
	case "FLAGGED":
		c.Flag = []imap.Flag{imap.FlagFlagged}
	case "UNFLAGGED":
		c.NotFlag = []imap.Flag{imap.FlagFlagged}
	case "ANSWERED":
		c.Flag = []imap.Flag{imap.FlagAnswered}
	case "UNANSWERED":
		c.NotFlag = []imap.Flag{imap.FlagAnswered}
	default:
		return nil, fmt.Errorf("unknown imap filter %q", filter)
	}
	c.NotFlag = append(c.NotFlag, imap.FlagDeleted)
	return c, nil
}

// imapSession is the subset of an IMAP client the receiver uses. UIDs are
// used for every per-message command.
type imapSession interface {
	Authenticate(mechanism, user, password string) error
	Mailboxes() ([]string, error)
	Create(name string) error
	Select(name string) error
	Search(criteria *imap.SearchCriteria) ([]imap.UID, error)
	Fetch(uid imap.UID) ([]byte, error)
	Copy(uid imap.UID, mailbox string) error
	MarkDeleted(uid imap.UID) error
	Expunge() error
	Logout() error
}

// IMAPReceiver fetches messages over IMAP/IMAPS, moves each processed message
// into the processed mailbox and expunges the originals.
type IMAPReceiver struct {
	opts     IMAPOptions
	criteria *imap.SearchCriteria
	proc     Processor
	logger   *slog.Logger

	dial  func() (imapSession, error)
	sess  imapSession
	state State
}

// NewIMAP creates a new IMAP receiver. It fails only on an unknown filter.
func NewIMAP(opts IMAPOptions, proc Processor, logger *slog.Logger) (*IMAPReceiver, error) {
	criteria, err := SearchCriteria(opts.Filter)
	if err != nil {
		return nil, err
	}
	if opts.Mailbox == "" {
		opts.Mailbox = "INBOX"
	}
	if opts.ProcessedMailbox == "" {
		opts.ProcessedMailbox = "Processed"
	}
	if opts.AuthMechanism == "" {
		opts.AuthMechanism = "LOGIN"
	}
	r := &IMAPReceiver{
		opts:     opts,
		criteria: criteria,
		proc:     proc,
		logger:   logger,
	}
	r.dial = r.dialServer
	return r, nil
}

func (r *IMAPReceiver) String() string {
	return r.opts.Username + "@" + r.opts.Host
}

// State reports the current connection state.
func (r *IMAPReceiver) State() State {
	return r.state
}

// Connect logs in, creates the processed mailbox if the server does not list
// it, and selects the inbox.
func (r *IMAPReceiver) Connect(ctx context.Context) error {
	if r.state == Connected {
		return nil
	}
	sess, err := r.dial()
	if err != nil {
		r.state = Faulted
		return r.connErr(err)
	}
	if err := r.open(sess); err != nil {
		_ = sess.Logout()
		r.state = Faulted
		return r.connErr(err)
	}
	r.sess = sess
	r.state = Connected
	r.logger.Info("imap connection established", "account", r.String(), "mailbox", r.opts.Mailbox)
	return nil
}

func (r *IMAPReceiver) open(sess imapSession) error {
	if err := sess.Authenticate(r.opts.AuthMechanism, r.opts.Username, r.opts.Password); err != nil {
		return fmt.Errorf("imap login %s: %w", r.opts.Username, err)
	}

	names, err := sess.Mailboxes()
	if err != nil {
		return fmt.Errorf("imap list: %w", err)
	}
	exists := false
	for _, name := range names {
		if name == r.opts.ProcessedMailbox {
			exists = true
			break
		}
	}
	if !exists {
		if err := sess.Create(r.opts.ProcessedMailbox); err != nil {
			return fmt.Errorf("imap create %s: %w", r.opts.ProcessedMailbox, err)
		}
		r.logger.Info("imap mailbox created", "account", r.String(), "mailbox", r.opts.ProcessedMailbox)
	}

	if err := sess.Select(r.opts.Mailbox); err != nil {
		return fmt.Errorf("imap select %s: %w", r.opts.Mailbox, err)
	}
	return nil
}

// GetMessages handles each message matching the filter in search order:
// fetch, process, copy to the processed mailbox, flag \Deleted. One EXPUNGE
// follows the loop.
//
// If processing fails the loop stops before EXPUNGE and the error is
// returned. Messages handled earlier in the same cycle are already copied and
// flagged, and stay that way until a later cycle expunges them. It is not
// settled whether this copy-then-flag-then-bulk-expunge order is meant to
// favour at-least-once delivery; it is kept as is rather than expunging per
// message. The failed message itself was fetched with PEEK, so it is still
// unseen and is retried on the next cycle.
func (r *IMAPReceiver) GetMessages(ctx context.Context) error {
	if r.state != Connected {
		return ErrNotConnected
	}

	uids, err := r.sess.Search(r.criteria)
	if err != nil {
		return r.transportErr("imap search", err)
	}
	r.logger.Info("found messages", "account", r.String(), "count", len(uids))

	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := r.sess.Fetch(uid)
		if err != nil {
			return r.transportErr(fmt.Sprintf("imap fetch %d", uid), err)
		}

		md := message.Metadata{
			Transport: "imap",
			Account:   r.String(),
			Mailbox:   r.opts.Mailbox,
			ID:        strconv.FormatUint(uint64(uid), 10),
		}
		if err := r.proc.Process(ctx, raw, md); err != nil {
			return err
		}

		if err := r.sess.Copy(uid, r.opts.ProcessedMailbox); err != nil {
			return r.transportErr(fmt.Sprintf("imap copy %d", uid), err)
		}
		if err := r.sess.MarkDeleted(uid); err != nil {
			return r.transportErr(fmt.Sprintf("imap store %d", uid), err)
		}
		r.logger.Debug("processed and moved", "account", r.String(), "uid", uid, "to", r.opts.ProcessedMailbox)
	}

	if err := r.sess.Expunge(); err != nil {
		return r.transportErr("imap expunge", err)
	}
	return nil
}

// Disconnect logs out. It does not expunge.
func (r *IMAPReceiver) Disconnect() error {
	sess := r.sess
	r.sess = nil
	r.state = Disconnected
	if sess == nil {
		return nil
	}
	if err := sess.Logout(); err != nil {
		return fmt.Errorf("imap logout %s: %w", r.String(), err)
	}
	return nil
}

func (r *IMAPReceiver) connErr(err error) error {
	return &ConnectionError{Server: r.opts.Host, Username: r.opts.Username, Err: err}
}

func (r *IMAPReceiver) transportErr(op string, err error) error {
	r.state = Faulted
	return &TransportError{Op: op, Server: r.opts.Host, Username: r.opts.Username, Err: err}
}

func (r *IMAPReceiver) dialServer() (imapSession, error) {
	addr := net.JoinHostPort(r.opts.Host, strconv.Itoa(r.opts.Port))

	var client *imapclient.Client
	var err error

	if r.opts.UseTLS {
		client, err = imapclient.DialTLS(addr, &imapclient.Options{
			TLSConfig: &tls.Config{
				ServerName:         r.opts.Host,
				InsecureSkipVerify: r.opts.TLSSkipVerify,
			},
		})
	} else {
		client, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w", addr, err)
	}
	return &goIMAPSession{client: client}, nil
}

// goIMAPSession adapts an imapclient.Client.
type goIMAPSession struct {
	client *imapclient.Client
}

func (s *goIMAPSession) Authenticate(mechanism, user, password string) error {
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		return s.client.Authenticate(sasl.NewPlainClient("", user, password))
	case "LOGIN":
		return s.client.Login(user, password).Wait()
	default:
		return fmt.Errorf("unsupported auth mechanism %q", mechanism)
	}
}

func (s *goIMAPSession) Mailboxes() ([]string, error) {
	list, err := s.client.List("", "%", nil).Collect()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(list))
	for _, data := range list {
		names = append(names, data.Mailbox)
	}
	return names, nil
}

func (s *goIMAPSession) Create(name string) error {
	err := s.client.Create(name, nil).Wait()
	var respErr *imap.Error
	if errors.As(err, &respErr) && respErr.Code == imap.ResponseCodeAlreadyExists {
		return nil
	}
	return err
}

func (s *goIMAPSession) Select(name string) error {
	_, err := s.client.Select(name, nil).Wait()
	return err
}

func (s *goIMAPSession) Search(criteria *imap.SearchCriteria) ([]imap.UID, error) {
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, err
	}
	return data.AllUIDs(), nil
}

func (s *goIMAPSession) Fetch(uid imap.UID) ([]byte, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	buffers, err := s.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, err
	}
	if len(buffers) == 0 {
		return nil, fmt.Errorf("message uid %d not found", uid)
	}
	return buffers[0].FindBodySection(section), nil
}

func (s *goIMAPSession) Copy(uid imap.UID, mailbox string) error {
	_, err := s.client.Copy(imap.UIDSetNum(uid), mailbox).Wait()
	return err
}

func (s *goIMAPSession) MarkDeleted(uid imap.UID) error {
	return s.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
}

func (s *goIMAPSession) Expunge() error {
	return s.client.Expunge().Close()
}

func (s *goIMAPSession) Logout() error {
	err := s.client.Logout().Wait()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}
