package main

import (
	"github.com/spf13/pflag"

	"github.com/ehrlich-b/termbox/internal/policy"
)

// policyOverrides is the flag set shared by exec and run: a policy
// loaded from --policy PATH (or a scenario's own policy reference),
// adjusted by whichever of these unsafe-acknowledgment flags the
// caller passed.
type policyOverrides struct {
	policyPath       string
	artifactsDir     string
	overwrite        bool
	cwd              string
	explainPolicy    bool
	noSandbox        bool
	ackUnsafeSandbox bool
	enableNetwork    bool
	ackUnsafeNetwork bool
	strictWrite      bool
	ackUnsafeWrite   bool
}

func (o *policyOverrides) bind(flags *pflag.FlagSet) {
	flags.StringVar(&o.policyPath, "policy", "", "path to the policy YAML document")
	flags.StringVar(&o.artifactsDir, "artifacts", "", "artifact directory to write")
	flags.BoolVar(&o.overwrite, "overwrite", false, "allow writing into an existing artifacts directory")
	flags.StringVar(&o.cwd, "cwd", "", "absolute working directory override")
	flags.BoolVar(&o.explainPolicy, "explain-policy", false, "print every policy violation instead of running")
	flags.BoolVar(&o.noSandbox, "no-sandbox", false, "disable the sandbox (requires --ack-unsafe-sandbox)")
	flags.BoolVar(&o.ackUnsafeSandbox, "ack-unsafe-sandbox", false, "acknowledge running without a sandbox")
	flags.BoolVar(&o.enableNetwork, "enable-network", false, "enable network access (requires --ack-unsafe-network)")
	flags.BoolVar(&o.ackUnsafeNetwork, "ack-unsafe-network", false, "acknowledge enabling network access")
	flags.BoolVar(&o.strictWrite, "strict-write", false, "refuse harness-induced writes without --ack-unsafe-write")
	flags.BoolVar(&o.ackUnsafeWrite, "ack-unsafe-write", false, "acknowledge a strict-write policy's own writes")
}

// apply returns a copy of p with every flag the caller actually
// passed folded in; flags left at their zero value never touch p,
// so a scenario's own policy (or --policy's YAML) is only ever
// narrowed or loosened in the specific dimension named.
func (o *policyOverrides) apply(p policy.Policy) policy.Policy {
	if o.noSandbox {
		p.Sandbox = policy.SandboxMode{Kind: policy.SandboxDisabled, Ack: o.ackUnsafeSandbox}
	}
	if o.enableNetwork {
		p.Network.Kind = policy.NetworkEnabled
	}
	if o.ackUnsafeNetwork {
		p.Network.Ack = true
		p.Network.UnenforcedAck = true
	}
	if o.strictWrite {
		p.FS.StrictWrite = true
	}
	if o.ackUnsafeWrite {
		p.FS.WriteAck = true
	}
	if o.artifactsDir != "" {
		p.Artifacts.Enabled = true
		dir := o.artifactsDir
		p.Artifacts.Dir = &dir
	}
	if o.overwrite {
		p.Artifacts.Overwrite = true
	}
	return p
}

// cwdPtr returns a pointer to the --cwd override, or nil if unset.
func (o *policyOverrides) cwdPtr() *string {
	if o.cwd == "" {
		return nil
	}
	cwd := o.cwd
	return &cwd
}
