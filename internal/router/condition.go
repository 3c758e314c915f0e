package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"
	"golang.org/x/text/cases"

	"github.com/tracyhatemice/mailroute/internal/message"
)

type fieldKind int

const (
	fieldSubject fieldKind = iota
	fieldFrom
	fieldTo
	fieldCc
	fieldBody
	fieldHeader
)

// Field selects the part of a message a Condition is evaluated against.
type Field struct {
	kind fieldKind
	name string // header name for fieldHeader
}

var (
	Subject = Field{kind: fieldSubject}
	From    = Field{kind: fieldFrom}
	To      = Field{kind: fieldTo}
	Cc      = Field{kind: fieldCc}
	Body    = Field{kind: fieldBody}
)

// Header selects every value of the named header.
func Header(name string) Field {
	return Field{kind: fieldHeader, name: name}
}

// ParseField accepts subject, from, to, cc, body or header:<Name>.
func ParseField(s string) (Field, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "subject":
		return Subject, nil
	case "from":
		return From, nil
	case "to":
		return To, nil
	case "cc":
		return Cc, nil
	case "body":
		return Body, nil
	}
	if name, ok := strings.CutPrefix(strings.TrimSpace(s), "header:"); ok && strings.TrimSpace(name) != "" {
		return Header(strings.TrimSpace(name)), nil
	}
	return Field{}, fmt.Errorf("unknown field %q", s)
}

func (f Field) String() string {
	switch f.kind {
	case fieldSubject:
		return "subject"
	case fieldFrom:
		return "from"
	case fieldTo:
		return "to"
	case fieldCc:
		return "cc"
	case fieldBody:
		return "body"
	default:
		return "header:" + f.name
	}
}

// values returns the candidate strings a condition is tested against. A
// condition holds if any candidate matches.
func (f Field) values(msg *message.Message) []string {
	switch f.kind {
	case fieldSubject:
		return []string{msg.Subject()}
	case fieldBody:
		return []string{msg.Text()}
	case fieldFrom:
		return addressValues(msg, msg.From(), "From")
	case fieldTo:
		return addressValues(msg, msg.To(), "To")
	case fieldCc:
		return addressValues(msg, msg.Cc(), "Cc")
	default:
		return msg.HeaderValues(f.name) // decoded
	}
}

func addressValues(msg *message.Message, list []*mail.Address, header string) []string {
	if len(list) == 0 {
		// Unparseable or absent: fall back to the raw header text.
		if raw := msg.Header(header); raw != "" {
			return []string{raw}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

// fold is the Unicode case folding shared by Equals and Contains.
var fold = cases.Fold()

type op int

const (
	opEquals op = iota
	opContains
	opPattern
)

// Condition is one test against one field.
type Condition struct {
	field Field
	op    op
	value string
	re    *regexp.Regexp
}

// Equals holds when a field value equals v, ignoring case.
func Equals(f Field, v string) Condition {
	return Condition{field: f, op: opEquals, value: fold.String(v)}
}

// Contains holds when a field value contains v, ignoring case.
func Contains(f Field, v string) Condition {
	return Condition{field: f, op: opContains, value: fold.String(v)}
}

// Matches holds when a field value matches the regular expression pattern.
func Matches(f Field, pattern string) (Condition, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Condition{}, fmt.Errorf("compile %q: %w", pattern, err)
	}
	return Condition{field: f, op: opPattern, value: pattern, re: re}, nil
}

// MustMatch is like Matches but panics if pattern does not compile.
func MustMatch(f Field, pattern string) Condition {
	c, err := Matches(f, pattern)
	if err != nil {
		panic("router: " + err.Error())
	}
	return c
}

func (c Condition) String() string {
	switch c.op {
	case opEquals:
		return fmt.Sprintf("%s == %q", c.field, c.value)
	case opContains:
		return fmt.Sprintf("%s contains %q", c.field, c.value)
	default:
		return fmt.Sprintf("%s =~ /%s/", c.field, c.value)
	}
}

func (c Condition) eval(msg *message.Message) bool {
	for _, v := range c.field.values(msg) {
		if c.test(v) {
			return true
		}
	}
	return false
}

func (c Condition) test(v string) bool {
	switch c.op {
	case opEquals:
		return fold.String(v) == c.value
	case opContains:
		return strings.Contains(fold.String(v), c.value)
	case opPattern:
		return c.re.MatchString(v)
	}
	return false
}

// Predicate is an AND-list of conditions. The empty Predicate matches every
// message.
type Predicate []Condition

// When combines conds into a Predicate.
func When(conds ...Condition) Predicate {
	return Predicate(conds)
}

func (p Predicate) Match(msg *message.Message) bool {
	for _, c := range p {
		if !c.eval(msg) {
			return false
		}
	}
	return true
}
