package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v4"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel            string    `yaml:"log_level"`
	PollIntervalSeconds int       `yaml:"poll_interval_seconds"`
	IgnoreStdin         bool      `yaml:"ignore_stdin"`
	POP3                []Account `yaml:"pop3"`
	IMAP                []Account `yaml:"imap"`
	Maildir             *Path     `yaml:"maildir"`
	Mbox                *Path     `yaml:"mbox"`
	Rules               []Rule    `yaml:"rules"`
	Default             *Action   `yaml:"default"`
}

// Account describes one POP3 or IMAP mailbox.
type Account struct {
	Name             string `yaml:"name"`
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	UseTLS           bool   `yaml:"use_tls"`
	TLSSkipVerify    bool   `yaml:"tls_skip_verify"`
	AuthMechanism    string `yaml:"auth_mechanism"`    // IMAP only: LOGIN or PLAIN
	Filter           string `yaml:"filter"`            // IMAP only
	Mailbox          string `yaml:"mailbox"`           // IMAP only
	ProcessedMailbox string `yaml:"processed_mailbox"` // IMAP only
}

// Path locates a local mail store.
type Path struct {
	Path string `yaml:"path"`
}

// Rule routes messages matching all Conditions to Action.
type Rule struct {
	Name       string      `yaml:"name"`
	Conditions []Condition `yaml:"conditions"`
	Action     Action      `yaml:"action"`
}

// Condition tests one field. Exactly one of Equals, Contains or Pattern is set.
type Condition struct {
	Field    string  `yaml:"field"` // subject, from, to, cc, body or header:<Name>
	Equals   *string `yaml:"equals"`
	Contains *string `yaml:"contains"`
	Pattern  *string `yaml:"pattern"`
}

// Action is what a matched rule does with a message.
type Action struct {
	Type    string   `yaml:"type"` // log, exec or discard
	Command []string `yaml:"command"`
}

// PollInterval returns the poll interval; zero means check once.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Label names the account in logs and errors.
func (a *Account) Label() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Username + "@" + a.Host
}

// GetPort returns the configured port, or the protocol default for the
// account's TLS setting.
func (a *Account) GetPort(plain, tls int) int {
	if a.Port != 0 {
		return a.Port
	}
	if a.UseTLS {
		return tls
	}
	return plain
}

// GetAuthMechanism returns the IMAP auth mechanism, defaulting to "LOGIN".
func (a *Account) GetAuthMechanism() string {
	if a.AuthMechanism == "" {
		return "LOGIN"
	}
	return strings.ToUpper(a.AuthMechanism)
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		LogLevel:            "info",
		PollIntervalSeconds: 60,
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error")
	}
	for i, a := range c.POP3 {
		if err := a.validate("pop3", i); err != nil {
			return err
		}
	}
	for i, a := range c.IMAP {
		if err := a.validate("imap", i); err != nil {
			return err
		}
		switch a.GetAuthMechanism() {
		case "LOGIN", "PLAIN":
		default:
			return fmt.Errorf("imap account %s: auth_mechanism must be LOGIN or PLAIN", a.Label())
		}
	}
	if c.Maildir != nil && c.Maildir.Path == "" {
		return fmt.Errorf("maildir.path is required")
	}
	if c.Mbox != nil && c.Mbox.Path == "" {
		return fmt.Errorf("mbox.path is required")
	}
	for i, r := range c.Rules {
		label := r.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		for j, cond := range r.Conditions {
			if err := cond.validate(); err != nil {
				return fmt.Errorf("rule %s: condition %d: %w", label, j, err)
			}
		}
		if err := r.Action.validate(); err != nil {
			return fmt.Errorf("rule %s: %w", label, err)
		}
	}
	if c.Default != nil {
		if err := c.Default.validate(); err != nil {
			return fmt.Errorf("default: %w", err)
		}
	}
	return nil
}

func (a *Account) validate(protocol string, i int) error {
	label := a.Name
	if label == "" {
		label = fmt.Sprintf("#%d", i)
	}
	if a.Host == "" {
		return fmt.Errorf("%s account %s: host is required", protocol, label)
	}
	if a.Username == "" {
		return fmt.Errorf("%s account %s: username is required", protocol, label)
	}
	if a.Port < 0 || a.Port > 65535 {
		return fmt.Errorf("%s account %s: port out of range", protocol, label)
	}
	return nil
}

func (c *Condition) validate() error {
	if c.Field == "" {
		return fmt.Errorf("field is required")
	}
	set := 0
	for _, v := range []*string{c.Equals, c.Contains, c.Pattern} {
		if v != nil {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of equals, contains or pattern is required")
	}
	if c.Pattern != nil {
		if _, err := regexp.Compile(*c.Pattern); err != nil {
			return fmt.Errorf("pattern: %w", err)
		}
	}
	return nil
}

func (a *Action) validate() error {
	switch a.Type {
	case "log", "discard":
	case "exec":
		if len(a.Command) == 0 {
			return fmt.Errorf("exec action requires a command")
		}
	default:
		return fmt.Errorf("action type must be log, exec or discard")
	}
	return nil
}
