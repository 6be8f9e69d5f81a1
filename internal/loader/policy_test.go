package loader

import "testing"

// TestLoadPolicyBudgetsOmittedUsesDefaults covers the common case: a
// policy document with no budgets block at all falls back to
// policy.DefaultBudgets() in full.
func TestLoadPolicyBudgetsOmittedUsesDefaults(t *testing.T) {
	p, err := LoadPolicyBytes([]byte(`
policy_version: 1
sandbox: {disabled: {ack: true}}
network: disabled
exec: {allowed_executables: ["/bin/echo"]}
`))
	if err != nil {
		t.Fatalf("LoadPolicyBytes() error = %v", err)
	}
	if p.Budgets.MaxSteps != 10_000 {
		t.Errorf("MaxSteps = %d, want 10000 (default)", p.Budgets.MaxSteps)
	}
	if p.Budgets.MaxOutputBytes != 8*1024*1024 {
		t.Errorf("MaxOutputBytes = %d, want default", p.Budgets.MaxOutputBytes)
	}
}

// TestLoadPolicyBudgetsExplicitZeroSurvives is the regression test for
// the boundary cases spec.md:365-366 mandates: a budgets field
// explicitly written as zero must reach policy.Budgets as zero, not
// be silently replaced by the harness default.
func TestLoadPolicyBudgetsExplicitZeroSurvives(t *testing.T) {
	p, err := LoadPolicyBytes([]byte(`
policy_version: 1
sandbox: {disabled: {ack: true}}
network: disabled
exec: {allowed_executables: ["/bin/echo"]}
budgets:
  max_steps: 0
  max_output_bytes: 0
`))
	if err != nil {
		t.Fatalf("LoadPolicyBytes() error = %v", err)
	}
	if p.Budgets.MaxSteps != 0 {
		t.Errorf("MaxSteps = %d, want 0 (explicit)", p.Budgets.MaxSteps)
	}
	if p.Budgets.MaxOutputBytes != 0 {
		t.Errorf("MaxOutputBytes = %d, want 0 (explicit)", p.Budgets.MaxOutputBytes)
	}
	// Fields not mentioned in the budgets block still default.
	if p.Budgets.MaxRuntimeMs != 60_000 {
		t.Errorf("MaxRuntimeMs = %d, want 60000 (default, untouched field)", p.Budgets.MaxRuntimeMs)
	}
	if p.Budgets.MaxWaitMs != 10_000 {
		t.Errorf("MaxWaitMs = %d, want 10000 (default, untouched field)", p.Budgets.MaxWaitMs)
	}
}

// TestLoadPolicyBudgetsMixedExplicitAndOmitted exercises every field
// independently: an explicit non-zero value, an explicit zero, and an
// omitted key side by side in the same document.
func TestLoadPolicyBudgetsMixedExplicitAndOmitted(t *testing.T) {
	p, err := LoadPolicyBytes([]byte(`
policy_version: 1
sandbox: {disabled: {ack: true}}
network: disabled
exec: {allowed_executables: ["/bin/echo"]}
budgets:
  max_runtime_ms: 5000
  max_snapshot_bytes: 0
`))
	if err != nil {
		t.Fatalf("LoadPolicyBytes() error = %v", err)
	}
	if p.Budgets.MaxRuntimeMs != 5000 {
		t.Errorf("MaxRuntimeMs = %d, want 5000 (explicit)", p.Budgets.MaxRuntimeMs)
	}
	if p.Budgets.MaxSnapshotBytes != 0 {
		t.Errorf("MaxSnapshotBytes = %d, want 0 (explicit)", p.Budgets.MaxSnapshotBytes)
	}
	if p.Budgets.MaxSteps != 10_000 {
		t.Errorf("MaxSteps = %d, want 10000 (default, omitted)", p.Budgets.MaxSteps)
	}
}
