package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ehrlich-b/termbox/internal/errtax"
	"github.com/ehrlich-b/termbox/internal/model"
	"github.com/ehrlich-b/termbox/internal/policy"
)

func strPtr(s string) *string { return &s }

func catPolicy() policy.Policy {
	return policy.Policy{
		PolicyVersion: policy.PolicyVersion,
		Sandbox:       policy.SandboxMode{Kind: policy.SandboxDisabled, Ack: true},
		Network:       policy.NetworkPolicy{Kind: policy.NetworkDisabled, UnenforcedAck: true},
		FS:            policy.FSPolicy{AllowedRead: []string{"/tmp"}, WorkingDir: strPtr("/tmp")},
		Exec:          policy.ExecPolicy{AllowedExecutables: []string{"/bin/cat"}},
		Budgets:       policy.DefaultBudgets(),
	}
}

// TestDriverProtocolVersionMismatch reproduces spec.md §9 Scenario 4:
// a request with an unsupported protocol_version ends the driver loop
// with E_PROTOCOL_VERSION_MISMATCH (exit 8) instead of being treated
// as just another failed action.
func TestDriverProtocolVersionMismatch(t *testing.T) {
	p := catPolicy()
	cfg := Config{Run: model.RunConfig{
		Command:     "/bin/cat",
		InitialSize: model.DefaultTerminalSize(),
		Policy:      model.PolicyRef{Inline: &p},
	}}

	req := model.DriverRequestV2{
		ProtocolVersion: 999,
		RequestId:       "r1",
		Action:          model.Action{Type: model.ActionTerminate, Payload: json.RawMessage("{}")},
	}
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("json.Marshal(req) = %v", err)
	}
	r := bytes.NewReader(append(line, '\n'))
	var w bytes.Buffer

	_, rerr := Run(context.Background(), r, &w, cfg)
	if rerr == nil || rerr.Code != errtax.CodeProtocolVersionMismatch {
		t.Fatalf("Run() error = %v, want E_PROTOCOL_VERSION_MISMATCH", rerr)
	}
	if errtax.ExitCode(rerr.Code) != 8 {
		t.Errorf("ExitCode = %d, want 8", errtax.ExitCode(rerr.Code))
	}

	var resp model.DriverResponseV2
	if decErr := json.Unmarshal(bytes.TrimSpace(w.Bytes()), &resp); decErr != nil {
		t.Fatalf("failed to decode emitted response line: %v (raw=%q)", decErr, w.String())
	}
	if resp.Status != model.DriverError {
		t.Errorf("response.Status = %s, want error", resp.Status)
	}
	if resp.Error == nil || resp.Error.Code != errtax.CodeProtocolVersionMismatch {
		t.Fatalf("response.Error = %+v, want E_PROTOCOL_VERSION_MISMATCH", resp.Error)
	}
	if resp.RequestId != "r1" {
		t.Errorf("response.RequestId = %q, want %q (echoed back even on mismatch)", resp.RequestId, "r1")
	}
}

// TestDriverTerminateEndsLoop confirms a well-formed terminate action
// is serviced normally and ends the loop without error.
func TestDriverTerminateEndsLoop(t *testing.T) {
	p := catPolicy()
	cfg := Config{Run: model.RunConfig{
		Command:     "/bin/cat",
		InitialSize: model.DefaultTerminalSize(),
		Policy:      model.PolicyRef{Inline: &p},
	}}

	req := model.DriverRequestV2{
		ProtocolVersion: model.ProtocolVersion,
		RequestId:       "r1",
		Action:          model.Action{Type: model.ActionTerminate, Payload: json.RawMessage("{}")},
	}
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("json.Marshal(req) = %v", err)
	}
	r := strings.NewReader(string(line) + "\n")
	var w bytes.Buffer

	result, rerr := Run(context.Background(), r, &w, cfg)
	if rerr != nil {
		t.Fatalf("Run() error = %v, want nil", rerr)
	}
	if result.Status != model.RunCanceled {
		t.Errorf("Status = %s, want canceled (terminated by request)", result.Status)
	}
}
