// Package loader decodes policy and scenario YAML files at the CLI
// boundary into the in-memory policy.Policy/model.Scenario values the
// core packages consume. Neither internal/runner nor internal/driver
// ever reads a file themselves — policy/scenario file parsing is
// explicitly out of core scope, and every PolicyRef.Path this package
// resolves must be turned into a PolicyRef.Inline before reaching
// them.
package loader

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/termbox/internal/model"
	"github.com/ehrlich-b/termbox/internal/policy"
)

// sandboxField decodes `sandbox: seatbelt` or `sandbox: {disabled:
// {ack: true}}` into a policy.SandboxMode, the same union-field idiom
// the teacher's EggConfig uses for NetworkField/EnvField.
type sandboxField policy.SandboxMode

func (s *sandboxField) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		switch policy.SandboxKind(value.Value) {
		case policy.SandboxSeatbelt:
			*s = sandboxField{Kind: policy.SandboxSeatbelt}
			return nil
		case policy.SandboxDisabled:
			*s = sandboxField{Kind: policy.SandboxDisabled}
			return nil
		default:
			return fmt.Errorf("loader: unknown sandbox kind %q", value.Value)
		}
	}
	var variants map[policy.SandboxKind]struct {
		Ack bool `yaml:"ack"`
	}
	if err := value.Decode(&variants); err != nil {
		return err
	}
	if v, ok := variants[policy.SandboxSeatbelt]; ok {
		*s = sandboxField{Kind: policy.SandboxSeatbelt, Ack: v.Ack}
		return nil
	}
	if v, ok := variants[policy.SandboxDisabled]; ok {
		*s = sandboxField{Kind: policy.SandboxDisabled, Ack: v.Ack}
		return nil
	}
	return fmt.Errorf("loader: sandbox mapping must have exactly one of seatbelt/disabled")
}

// networkField decodes `network: disabled` or `network: {enabled:
// {ack: true, unenforced_ack: true}}` into a policy.NetworkPolicy.
type networkField policy.NetworkPolicy

func (n *networkField) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		switch policy.NetworkKind(value.Value) {
		case policy.NetworkDisabled:
			*n = networkField{Kind: policy.NetworkDisabled}
			return nil
		case policy.NetworkEnabled:
			*n = networkField{Kind: policy.NetworkEnabled}
			return nil
		default:
			return fmt.Errorf("loader: unknown network kind %q", value.Value)
		}
	}
	var variants map[policy.NetworkKind]struct {
		Ack           bool `yaml:"ack"`
		UnenforcedAck bool `yaml:"unenforced_ack"`
	}
	if err := value.Decode(&variants); err != nil {
		return err
	}
	if v, ok := variants[policy.NetworkDisabled]; ok {
		*n = networkField{Kind: policy.NetworkDisabled, Ack: v.Ack, UnenforcedAck: v.UnenforcedAck}
		return nil
	}
	if v, ok := variants[policy.NetworkEnabled]; ok {
		*n = networkField{Kind: policy.NetworkEnabled, Ack: v.Ack, UnenforcedAck: v.UnenforcedAck}
		return nil
	}
	return fmt.Errorf("loader: network mapping must have exactly one of disabled/enabled")
}

// budgetsField decodes the budgets block with pointer fields so a key
// that is absent (nil) is distinguishable from a key explicitly set to
// zero (non-nil pointing at 0) — the YAML boundary is the only place
// that distinction can be recovered, since policy.Budgets itself
// stores plain uint64s. An omitted field falls back to
// policy.DefaultBudgets(); an explicit zero is honored unchanged, per
// spec.md:365-366's mandatory zero-budget boundary cases.
type budgetsField struct {
	MaxRuntimeMs     *uint64 `yaml:"max_runtime_ms"`
	MaxSteps         *uint64 `yaml:"max_steps"`
	MaxOutputBytes   *uint64 `yaml:"max_output_bytes"`
	MaxSnapshotBytes *uint64 `yaml:"max_snapshot_bytes"`
	MaxWaitMs        *uint64 `yaml:"max_wait_ms"`
}

func (b budgetsField) toBudgets() policy.Budgets {
	d := policy.DefaultBudgets()
	out := d
	if b.MaxRuntimeMs != nil {
		out.MaxRuntimeMs = *b.MaxRuntimeMs
	}
	if b.MaxSteps != nil {
		out.MaxSteps = *b.MaxSteps
	}
	if b.MaxOutputBytes != nil {
		out.MaxOutputBytes = *b.MaxOutputBytes
	}
	if b.MaxSnapshotBytes != nil {
		out.MaxSnapshotBytes = *b.MaxSnapshotBytes
	}
	if b.MaxWaitMs != nil {
		out.MaxWaitMs = *b.MaxWaitMs
	}
	return out
}

// policyFile mirrors policy.Policy field for field, but with
// yaml-decodable union types for Sandbox/Network and presence-tracked
// Budgets.
type policyFile struct {
	PolicyVersion int                    `yaml:"policy_version"`
	Sandbox       sandboxField           `yaml:"sandbox"`
	Network       networkField           `yaml:"network"`
	FS            policy.FSPolicy        `yaml:"fs"`
	Exec          policy.ExecPolicy      `yaml:"exec"`
	Env           policy.EnvPolicy       `yaml:"env"`
	Budgets       budgetsField           `yaml:"budgets"`
	Artifacts     policy.ArtifactsPolicy `yaml:"artifacts"`
	Replay        policy.ReplayPolicy    `yaml:"replay"`
}

func (f policyFile) toPolicy() policy.Policy {
	version := f.PolicyVersion
	if version == 0 {
		version = policy.PolicyVersion
	}
	return policy.Policy{
		PolicyVersion: version,
		Sandbox:       policy.SandboxMode(f.Sandbox),
		Network:       policy.NetworkPolicy(f.Network),
		FS:            f.FS,
		Exec:          f.Exec,
		Env:           f.Env,
		Budgets:       f.Budgets.toBudgets(),
		Artifacts:     f.Artifacts,
		Replay:        f.Replay,
	}
}

// LoadPolicy reads and decodes a policy YAML document from path.
func LoadPolicy(path string) (policy.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("loader: read policy %s: %w", path, err)
	}
	return LoadPolicyBytes(data)
}

// LoadPolicyBytes decodes a policy YAML document already in memory.
func LoadPolicyBytes(data []byte) (policy.Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return policy.Policy{}, fmt.Errorf("loader: parse policy: %w", err)
	}
	return f.toPolicy(), nil
}

// ResolvePolicyRef returns ref as-is if it is already inline,
// otherwise loads ref.Path and wraps the result. Every PolicyRef
// reaching internal/runner or internal/driver must have passed
// through this function first.
func ResolvePolicyRef(ref model.PolicyRef) (model.PolicyRef, error) {
	if ref.Inline != nil {
		return ref, nil
	}
	if ref.Path == "" {
		return model.PolicyRef{}, fmt.Errorf("loader: policy reference has neither inline policy nor path")
	}
	p, err := LoadPolicy(ref.Path)
	if err != nil {
		return model.PolicyRef{}, err
	}
	return model.PolicyRef{Inline: &p}, nil
}
