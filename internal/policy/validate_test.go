package policy

import (
	"testing"

	"github.com/ehrlich-b/termbox/internal/errtax"
)

func strPtr(s string) *string { return &s }

// basePolicy is a minimal, otherwise-valid policy for /tmp/-scoped
// commands; each test mutates the one field it means to exercise.
func basePolicy() Policy {
	return Policy{
		PolicyVersion: PolicyVersion,
		Sandbox:       SandboxMode{Kind: SandboxDisabled, Ack: true},
		Network:       NetworkPolicy{Kind: NetworkDisabled, UnenforcedAck: true},
		FS:            FSPolicy{AllowedRead: []string{"/tmp"}, WorkingDir: strPtr("/tmp")},
		Exec:          ExecPolicy{AllowedExecutables: []string{"/bin/echo"}},
		Budgets:       DefaultBudgets(),
	}
}

func TestValidateSandboxDisabledRequiresAck(t *testing.T) {
	p := basePolicy()
	p.Sandbox.Ack = false
	err := Validate(p)
	if err == nil || err.Code != errtax.CodePolicyDenied {
		t.Fatalf("Validate() = %v, want E_POLICY_DENIED", err)
	}
}

func TestValidateNetworkDisabledSandboxRequiresUnenforcedAck(t *testing.T) {
	p := basePolicy()
	p.Network.UnenforcedAck = false
	err := Validate(p)
	if err == nil || err.Code != errtax.CodePolicyDenied {
		t.Fatalf("Validate() = %v, want E_POLICY_DENIED", err)
	}
}

func TestValidateEnvAllowlistRejectsDangerousVar(t *testing.T) {
	for _, name := range []string{"LD_PRELOAD", "ld_preload", "DYLD_INSERT_LIBRARIES"} {
		p := basePolicy()
		p.Env.Allowlist = []string{name}
		err := Validate(p)
		if err == nil || err.Code != errtax.CodePolicyDenied {
			t.Errorf("Validate() with allowlist %q = %v, want E_POLICY_DENIED", name, err)
		}
	}
}

func TestValidateFSWriteRequiresAck(t *testing.T) {
	p := basePolicy()
	p.FS.AllowedWrite = []string{"/tmp/out"}
	err := Validate(p)
	if err == nil || err.Code != errtax.CodePolicyDenied {
		t.Fatalf("Validate() = %v, want E_POLICY_DENIED (write_ack false)", err)
	}
}

func TestValidateFSEntryUnderBlockedRoot(t *testing.T) {
	p := basePolicy()
	p.FS.AllowedRead = []string{"/Users/someone"}
	err := Validate(p)
	if err == nil || err.Code != errtax.CodePolicyDenied {
		t.Fatalf("Validate() = %v, want E_POLICY_DENIED (blocked root)", err)
	}
}

func TestValidateArtifactsDirMustBeUnderAllowedWrite(t *testing.T) {
	p := basePolicy()
	p.FS.AllowedWrite = []string{"/tmp/out"}
	p.FS.WriteAck = true
	p.Artifacts = ArtifactsPolicy{Enabled: true, Dir: strPtr("/tmp/elsewhere")}
	err := Validate(p)
	if err == nil || err.Code != errtax.CodePolicyDenied {
		t.Fatalf("Validate() = %v, want E_POLICY_DENIED (dir outside allowed_write)", err)
	}
}

// TestValidateScenario6ArtifactsGatedByStrictWrite reproduces spec.md
// §9 Scenario 6 verbatim: strict_write set, write_ack false,
// allowed_write=[D], artifacts.enabled with dir=D -> E_POLICY_DENIED
// mentioning write access, exit code 2.
func TestValidateScenario6ArtifactsGatedByStrictWrite(t *testing.T) {
	p := basePolicy()
	p.FS.AllowedWrite = []string{"/tmp/out"}
	p.FS.WriteAck = false
	p.FS.StrictWrite = true
	p.Artifacts = ArtifactsPolicy{Enabled: true, Dir: strPtr("/tmp/out")}
	err := Validate(p)
	if err == nil || err.Code != errtax.CodePolicyDenied {
		t.Fatalf("Validate() = %v, want E_POLICY_DENIED", err)
	}
	if errtax.ExitCode(err.Code) != 2 {
		t.Errorf("ExitCode(%s) = %d, want 2", err.Code, errtax.ExitCode(err.Code))
	}
	if !containsSubstring(err.Message, "write") {
		t.Errorf("message %q does not mention write access", err.Message)
	}
}

func TestRequireWriteAccessStrictWrite(t *testing.T) {
	p := basePolicy()
	p.FS.StrictWrite = true
	if err := RequireWriteAccess(p); err == nil {
		t.Fatal("RequireWriteAccess() = nil, want E_POLICY_DENIED")
	}
	p.FS.WriteAck = true
	if err := RequireWriteAccess(p); err != nil {
		t.Fatalf("RequireWriteAccess() = %v, want nil once write_ack is set", err)
	}
}

func TestValidateRunExecAllowlist(t *testing.T) {
	p := basePolicy()
	req := RunRequest{Command: "/bin/ls"}
	err := ValidateRun(p, req)
	if err == nil || err.Code != errtax.CodePolicyDenied {
		t.Fatalf("ValidateRun() = %v, want E_POLICY_DENIED", err)
	}
	if err.Context["allowed_executables"] == nil {
		t.Errorf("context missing allowed_executables: %+v", err.Context)
	}
}

func TestValidateRunShellRequiresAllowShell(t *testing.T) {
	p := basePolicy()
	p.Exec.AllowedExecutables = []string{"/bin/sh"}
	req := RunRequest{Command: "/bin/sh"}
	err := ValidateRun(p, req)
	if err == nil || err.Code != errtax.CodePolicyDenied {
		t.Fatalf("ValidateRun() = %v, want E_POLICY_DENIED (shell without allow_shell)", err)
	}
	p.Exec.AllowShell = true
	if err := ValidateRun(p, req); err != nil {
		t.Fatalf("ValidateRun() = %v, want nil once allow_shell is set", err)
	}
}

func TestValidateRunCommandMustBeAbsolute(t *testing.T) {
	p := basePolicy()
	p.Exec.AllowedExecutables = []string{"echo"}
	req := RunRequest{Command: "echo"}
	err := ValidateRun(p, req)
	if err == nil || err.Code != errtax.CodePolicyDenied {
		t.Fatalf("ValidateRun() = %v, want E_POLICY_DENIED (relative command)", err)
	}
}

func TestExplainAccumulatesEveryFailure(t *testing.T) {
	p := basePolicy()
	p.Sandbox.Ack = false
	p.Network.UnenforcedAck = false
	result := Explain(p, &RunRequest{Command: "/bin/ls"})
	if result.Allowed {
		t.Fatal("Allowed = true, want false")
	}
	if len(result.Errors) < 3 {
		t.Fatalf("len(Errors) = %d, want at least 3 (sandbox, network, exec)", len(result.Errors))
	}
}

func TestWithDefaultBudgetsFillsOnlyZeroFields(t *testing.T) {
	p := Policy{Budgets: Budgets{MaxSteps: 5}}
	got := p.WithDefaultBudgets()
	if got.Budgets.MaxSteps != 5 {
		t.Errorf("MaxSteps = %d, want 5 (explicit value preserved)", got.Budgets.MaxSteps)
	}
	d := DefaultBudgets()
	if got.Budgets.MaxRuntimeMs != d.MaxRuntimeMs || got.Budgets.MaxOutputBytes != d.MaxOutputBytes {
		t.Errorf("zero-valued budget fields were not filled with defaults: %+v", got.Budgets)
	}
}

func containsSubstring(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
