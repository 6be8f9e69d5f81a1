// Package policy defines the closed policy document that gates every
// run: sandbox mode, filesystem/network/exec/env grants, resource
// budgets, and artifact/replay settings, plus the validator that
// checks a policy (and a proposed run against it) before a session
// is ever spawned.
package policy

// PolicyVersion is the Policy format version.
const PolicyVersion = 1

// SandboxKind tags the SandboxMode variant.
type SandboxKind string

const (
	SandboxSeatbelt SandboxKind = "seatbelt"
	SandboxDisabled SandboxKind = "disabled"
)

// SandboxMode is `seatbelt | disabled{ack}`: the ack is intrinsic to
// the disabled variant, not a separate top-level flag.
type SandboxMode struct {
	Kind SandboxKind `json:"kind"`
	Ack  bool        `json:"ack,omitempty"`
}

// NetworkKind tags the NetworkPolicy variant.
type NetworkKind string

const (
	NetworkDisabled NetworkKind = "disabled"
	NetworkEnabled  NetworkKind = "enabled"
)

// NetworkPolicy is `disabled | enabled{ack}`, plus UnenforcedAck which
// acknowledges that network policy is advisory-only when the sandbox
// itself is disabled.
type NetworkPolicy struct {
	Kind          NetworkKind `json:"kind"`
	Ack           bool        `json:"ack,omitempty"`
	UnenforcedAck bool        `json:"unenforced_ack"`
}

// FSPolicy grants filesystem access. Every entry is an absolute path,
// lexically normalized before comparison.
type FSPolicy struct {
	AllowedRead  []string `json:"allowed_read"`
	AllowedWrite []string `json:"allowed_write"`
	WorkingDir   *string  `json:"working_dir,omitempty"`
	WriteAck     bool     `json:"write_ack"`
	StrictWrite  bool     `json:"strict_write"`
}

// ExecPolicy grants which commands may be spawned. AllowedExecutables
// is the exhaustive allowlist (never nil for a run to succeed: a run's
// command must appear in it literally).
type ExecPolicy struct {
	AllowedExecutables []string `json:"allowed_executables"`
	AllowShell         bool     `json:"allow_shell"`
}

// EnvPolicy controls which environment variables reach the child.
// Every key in Set must also appear in Allowlist (checked by Validate).
type EnvPolicy struct {
	Allowlist []string          `json:"allowlist"`
	Set       map[string]string `json:"set"`
	Inherit   bool              `json:"inherit"`
}

// Budgets caps resource consumption for one run. A field explicitly
// set to zero means exactly that — e.g. max_steps: 0 fails a
// non-empty scenario before its first step runs — and is never coerced to a
// default once a Policy reaches internal/runner. Only a field the
// loader never saw at all (the key absent from the document) is
// filled from DefaultBudgets, at the YAML decode boundary in
// internal/loader, the one place "absent" and "explicit zero" are
// still distinguishable.
type Budgets struct {
	MaxRuntimeMs     uint64 `json:"max_runtime_ms"`
	MaxSteps         uint64 `json:"max_steps"`
	MaxOutputBytes   uint64 `json:"max_output_bytes"`
	MaxSnapshotBytes uint64 `json:"max_snapshot_bytes"`
	MaxWaitMs        uint64 `json:"max_wait_ms"`
}

// DefaultBudgets are the harness defaults: 60s runtime, 10000 steps,
// 8MiB total output, 2MiB per snapshot, 10000ms max single wait.
func DefaultBudgets() Budgets {
	return Budgets{
		MaxRuntimeMs:     60_000,
		MaxSteps:         10_000,
		MaxOutputBytes:   8 * 1024 * 1024,
		MaxSnapshotBytes: 2 * 1024 * 1024,
		MaxWaitMs:        10_000,
	}
}

// ArtifactsPolicy controls where and whether artifacts are written.
type ArtifactsPolicy struct {
	Enabled   bool    `json:"enabled"`
	Dir       *string `json:"dir,omitempty"`
	Overwrite bool    `json:"overwrite"`
}

// ReplayRule mirrors model.NormalizationRule without importing package
// model: model already imports policy, so the reverse import would be
// a cycle.
type ReplayRule struct {
	Target  string `json:"target"`
	Pattern string `json:"pattern"`
	Replace string `json:"replace"`
}

// ReplayPolicy carries the default normalization settings applied when
// this policy's run is later replayed, absent an explicit CLI override.
type ReplayPolicy struct {
	Strict                bool         `json:"strict"`
	NormalizationFilters  []string     `json:"normalization_filters,omitempty"`
	NormalizationRules    []ReplayRule `json:"normalization_rules,omitempty"`
}

// Policy is the full closed document gating one run.
type Policy struct {
	PolicyVersion int             `json:"policy_version"`
	Sandbox       SandboxMode     `json:"sandbox"`
	Network       NetworkPolicy   `json:"network"`
	FS            FSPolicy        `json:"fs"`
	Exec          ExecPolicy      `json:"exec"`
	Env           EnvPolicy       `json:"env"`
	Budgets       Budgets         `json:"budgets"`
	Artifacts     ArtifactsPolicy `json:"artifacts"`
	Replay        ReplayPolicy    `json:"replay"`
}

// WithDefaultBudgets returns a copy of p with zero-valued Budgets
// fields replaced by DefaultBudgets' values, field by field. Callers
// that build a Policy directly in Go (rather than decoding one
// through internal/loader) use this to opt into the harness defaults
// explicitly; internal/runner never calls it, since by the time a
// Policy reaches the runner its Budgets must already reflect the
// caller's real intent, zero included.
func (p Policy) WithDefaultBudgets() Policy {
	d := DefaultBudgets()
	if p.Budgets.MaxRuntimeMs == 0 {
		p.Budgets.MaxRuntimeMs = d.MaxRuntimeMs
	}
	if p.Budgets.MaxSteps == 0 {
		p.Budgets.MaxSteps = d.MaxSteps
	}
	if p.Budgets.MaxOutputBytes == 0 {
		p.Budgets.MaxOutputBytes = d.MaxOutputBytes
	}
	if p.Budgets.MaxSnapshotBytes == 0 {
		p.Budgets.MaxSnapshotBytes = d.MaxSnapshotBytes
	}
	if p.Budgets.MaxWaitMs == 0 {
		p.Budgets.MaxWaitMs = d.MaxWaitMs
	}
	return p
}
