package action

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/tracyhatemice/mailroute/internal/config"
	"github.com/tracyhatemice/mailroute/internal/message"
	"github.com/tracyhatemice/mailroute/internal/router"
)

// Build creates a Router from configured rules and the optional default
// action. Rules keep their configured order.
func Build(rules []config.Rule, def *config.Action, logger *slog.Logger) (*router.Router, error) {
	r := router.New()
	for i, rule := range rules {
		name := rule.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		pred, err := predicate(rule.Conditions)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		h, err := Handler(name, rule.Action, logger)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		r.AddRule(pred, h)
	}
	if def != nil {
		h, err := Handler("default", *def, logger)
		if err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
		r.Default(h)
	}
	return r, nil
}

func predicate(conds []config.Condition) (router.Predicate, error) {
	out := make([]router.Condition, 0, len(conds))
	for _, c := range conds {
		f, err := router.ParseField(c.Field)
		if err != nil {
			return nil, err
		}
		switch {
		case c.Equals != nil:
			out = append(out, router.Equals(f, *c.Equals))
		case c.Contains != nil:
			out = append(out, router.Contains(f, *c.Contains))
		case c.Pattern != nil:
			cond, err := router.Matches(f, *c.Pattern)
			if err != nil {
				return nil, err
			}
			out = append(out, cond)
		default:
			return nil, fmt.Errorf("condition on %s has no match", c.Field)
		}
	}
	return router.When(out...), nil
}

// Handler returns the router handler for a configured action.
func Handler(name string, a config.Action, logger *slog.Logger) (router.Handler, error) {
	switch a.Type {
	case "log":
		return func(ctx context.Context, msg *message.Message) error {
			md := msg.Metadata()
			logger.Info("message received",
				"rule", name,
				"transport", md.Transport,
				"account", md.Account,
				"msg_id", md.ID,
				"trace_id", md.TraceID,
				"from", firstAddress(msg),
				"subject", msg.Subject(),
			)
			return nil
		}, nil
	case "discard":
		return func(ctx context.Context, msg *message.Message) error {
			logger.Debug("message discarded", "rule", name, "trace_id", msg.Metadata().TraceID)
			return nil
		}, nil
	case "exec":
		if len(a.Command) == 0 {
			return nil, fmt.Errorf("exec action requires a command")
		}
		command := append([]string(nil), a.Command...)
		return func(ctx context.Context, msg *message.Message) error {
			return runCommand(ctx, command, msg, logger.With("rule", name))
		}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", a.Type)
	}
}

// runCommand pipes the raw message to command's stdin. Message fields are
// exported as MAILROUTE_* environment variables. A non-zero exit status is a
// handler error.
func runCommand(ctx context.Context, command []string, msg *message.Message, logger *slog.Logger) error {
	md := msg.Metadata()
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdin = bytes.NewReader(msg.Raw())
	cmd.Env = append(os.Environ(),
		"MAILROUTE_TRANSPORT="+md.Transport,
		"MAILROUTE_ACCOUNT="+md.Account,
		"MAILROUTE_MAILBOX="+md.Mailbox,
		"MAILROUTE_ID="+md.ID,
		"MAILROUTE_TRACE_ID="+md.TraceID,
		"MAILROUTE_FROM="+firstAddress(msg),
		"MAILROUTE_SUBJECT="+oneLine(msg.Subject()),
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("exec %s: %w: %s", command[0], err, strings.TrimSpace(string(out)))
	}
	logger.Info("command succeeded", "command", command[0], "trace_id", md.TraceID)
	return nil
}

func firstAddress(msg *message.Message) string {
	if from := msg.From(); len(from) > 0 {
		return from[0].Address
	}
	return msg.Header("From")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
