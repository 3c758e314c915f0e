package action

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tracyhatemice/mailroute/internal/config"
	"github.com/tracyhatemice/mailroute/internal/message"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const invoice = "From: Billing <billing@x.com>\r\nSubject: Invoice #4\r\n\r\nPay now.\r\n"

func ptr(s string) *string { return &s }

func parse(t *testing.T, raw string) *message.Message {
	t.Helper()
	msg, err := message.Parse([]byte(raw), message.Metadata{Transport: "pop3", ID: "9", TraceID: "t-1"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return msg
}

func TestBuild_RoutesInOrder(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	rules := []config.Rule{
		{
			Name:       "by-subject",
			Conditions: []config.Condition{{Field: "subject", Contains: ptr("invoice")}},
			Action:     config.Action{Type: "log"},
		},
		{
			Name:       "by-sender",
			Conditions: []config.Condition{{Field: "from", Equals: ptr("billing@x.com")}},
			Action:     config.Action{Type: "log"},
		},
	}
	r, err := Build(rules, &config.Action{Type: "discard"}, logger)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}

	if err := r.Dispatch(context.Background(), parse(t, invoice)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "rule=by-subject") || strings.Contains(out, "rule=by-sender") {
		t.Errorf("log output = %q, want only by-subject", out)
	}
	if !strings.Contains(out, "from=billing@x.com") {
		t.Errorf("log output = %q, want sender", out)
	}
}

func TestBuild_PatternAndDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	rules := []config.Rule{{
		Name:       "spam",
		Conditions: []config.Condition{{Field: "header:X-Spam-Flag", Pattern: ptr("(?i)^yes$")}},
		Action:     config.Action{Type: "discard"},
	}}
	r, err := Build(rules, &config.Action{Type: "log"}, logger)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := r.Dispatch(context.Background(), parse(t, invoice)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !strings.Contains(buf.String(), "rule=default") {
		t.Errorf("log output = %q, want default rule", buf.String())
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name  string
		rules []config.Rule
		def   *config.Action
	}{
		{"bad field", []config.Rule{{Conditions: []config.Condition{{Field: "date", Equals: ptr("x")}}, Action: config.Action{Type: "log"}}}, nil},
		{"bad pattern", []config.Rule{{Conditions: []config.Condition{{Field: "subject", Pattern: ptr("(")}}, Action: config.Action{Type: "log"}}}, nil},
		{"no match kind", []config.Rule{{Conditions: []config.Condition{{Field: "subject"}}, Action: config.Action{Type: "log"}}}, nil},
		{"bad action", []config.Rule{{Action: config.Action{Type: "bounce"}}}, nil},
		{"bad default", nil, &config.Action{Type: "exec"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Build(tt.rules, tt.def, discard); err == nil {
				t.Error("Build() error = nil, want error")
			}
		})
	}
}

func TestExec_PipesRawMessage(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.eml")
	env := filepath.Join(dir, "env.txt")

	h, err := Handler("file", config.Action{
		Type:    "exec",
		Command: []string{"sh", "-c", `cat > "$1" && echo "$MAILROUTE_SUBJECT|$MAILROUTE_FROM|$MAILROUTE_ID" > "$2"`, "sh", out, env},
	}, discard)
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	if err := h(context.Background(), parse(t, invoice)); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != invoice {
		t.Errorf("stdin = %q, want raw message", got)
	}
	vars, err := os.ReadFile(env)
	if err != nil {
		t.Fatal(err)
	}
	if want := "Invoice #4|billing@x.com|9\n"; string(vars) != want {
		t.Errorf("env = %q, want %q", vars, want)
	}
}

func TestExec_FailureIsError(t *testing.T) {
	h, err := Handler("fail", config.Action{Type: "exec", Command: []string{"sh", "-c", "echo nope >&2; exit 3"}}, discard)
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	err = h(context.Background(), parse(t, invoice))
	if err == nil {
		t.Fatal("handler error = nil, want error")
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Errorf("error = %v, want command output", err)
	}
}
