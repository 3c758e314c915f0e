package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/jhillyerd/enmime"
)

// Metadata describes where a raw message came from.
type Metadata struct {
	Transport string // "stdin", "pop3", "imap", "maildir" or "mbox"
	Account   string // username@server, or a path for local sources
	Mailbox   string // mailbox or directory the message was read from
	ID        string // transport-specific identifier (POP3 number, IMAP UID, file name)
	TraceID   string // assigned by the processor when empty
}

// ParseError reports raw bytes that could not be normalized into a Message.
type ParseError struct {
	Metadata Metadata
	Err      error
}

func (e *ParseError) Error() string {
	if e.Metadata.ID != "" {
		return fmt.Sprintf("parse message %s from %s: %v", e.Metadata.ID, e.Metadata.Transport, e.Err)
	}
	return fmt.Sprintf("parse message: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var errEmpty = errors.New("empty message")

// Message is a parsed, read-only view over a raw RFC 5322 message.
type Message struct {
	raw    []byte
	header mail.Header
	text   string
	html   string
	md     Metadata
}

// Parse normalizes raw into a Message. Headers are parsed strictly; a header
// block that is not RFC 5322 shaped is a ParseError.
func Parse(raw []byte, md Metadata) (*Message, error) {
	raw = stripEnvelopeLine(raw)
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ParseError{Metadata: md, Err: errEmpty}
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && (mr == nil || !gomessage.IsUnknownCharset(err)) {
		return nil, &ParseError{Metadata: md, Err: fmt.Errorf("read header: %w", err)}
	}
	header := mr.Header
	mr.Close()

	env, err := enmime.NewParser().ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, &ParseError{Metadata: md, Err: fmt.Errorf("read body: %w", err)}
	}

	return &Message{
		raw:    raw,
		header: header,
		text:   env.Text,
		html:   env.HTML,
		md:     md,
	}, nil
}

// stripEnvelopeLine drops a leading mbox "From " line, which MTAs prepend
// when piping a delivery to a command.
func stripEnvelopeLine(raw []byte) []byte {
	if !bytes.HasPrefix(raw, []byte("From ")) {
		return raw
	}
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		return raw[i+1:]
	}
	return nil
}

// Subject returns the decoded Subject header.
func (m *Message) Subject() string {
	s, err := m.header.Subject()
	if err != nil {
		return m.header.Get("Subject")
	}
	return s
}

func (m *Message) From() []*mail.Address { return m.addresses("From") }
func (m *Message) To() []*mail.Address   { return m.addresses("To") }
func (m *Message) Cc() []*mail.Address   { return m.addresses("Cc") }

func (m *Message) addresses(key string) []*mail.Address {
	list, err := m.header.AddressList(key)
	if err != nil {
		return nil
	}
	return list
}

// Header returns the first value of the named header, decoded where possible.
func (m *Message) Header(name string) string {
	v, err := m.header.Text(name)
	if err != nil {
		return m.header.Get(name)
	}
	return v
}

// HeaderValues returns every value of the named header in order. RFC 2047
// encoded words are decoded; a value that fails to decode is returned as is.
func (m *Message) HeaderValues(name string) []string {
	raw := m.header.Values(name)
	if len(raw) == 0 {
		return nil
	}
	dec := mime.WordDecoder{CharsetReader: charsetReader}
	out := make([]string, len(raw))
	for i, v := range raw {
		d, err := dec.DecodeHeader(v)
		if err != nil {
			d = v
		}
		out[i] = d
	}
	return out
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	if gomessage.CharsetReader == nil {
		return nil, fmt.Errorf("unhandled charset %q", charset)
	}
	return gomessage.CharsetReader(charset, input)
}

// Date returns the parsed Date header, or the zero time.
func (m *Message) Date() time.Time {
	d, err := m.header.Date()
	if err != nil {
		return time.Time{}
	}
	return d
}

// MessageID returns the Message-Id header without angle brackets.
func (m *Message) MessageID() string {
	id, err := m.header.MessageID()
	if err != nil {
		return ""
	}
	return id
}

// Text returns the plain text body. For HTML-only messages this is a text
// rendering of the HTML part.
func (m *Message) Text() string { return m.text }

func (m *Message) HTML() string { return m.html }

// Raw returns the original bytes. Callers must not modify them.
func (m *Message) Raw() []byte { return m.raw }

func (m *Message) Metadata() Metadata { return m.md }
