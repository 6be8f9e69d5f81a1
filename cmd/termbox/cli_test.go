package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/termbox/internal/policy"
)

func TestSplitCommandWithoutDash(t *testing.T) {
	cmd := &cobra.Command{}
	command, args := splitCommand(cmd, []string{"/bin/echo", "hello", "world"})
	if command != "/bin/echo" {
		t.Fatalf("command = %q, want /bin/echo", command)
	}
	if len(args) != 2 || args[0] != "hello" || args[1] != "world" {
		t.Fatalf("args = %v, want [hello world]", args)
	}
}

func TestPolicyOverridesApplyNoSandbox(t *testing.T) {
	po := policyOverrides{noSandbox: true, ackUnsafeSandbox: true}
	base := policy.Policy{Sandbox: policy.SandboxMode{Kind: policy.SandboxSeatbelt}}
	got := po.apply(base)
	if got.Sandbox.Kind != policy.SandboxDisabled {
		t.Fatalf("sandbox kind = %v, want disabled", got.Sandbox.Kind)
	}
	if !got.Sandbox.Ack {
		t.Fatal("expected sandbox.ack to be set")
	}
}

func TestPolicyOverridesApplyArtifactsDir(t *testing.T) {
	po := policyOverrides{artifactsDir: "/tmp/run-1", overwrite: true}
	got := po.apply(policy.Policy{})
	if !got.Artifacts.Enabled {
		t.Fatal("expected artifacts.enabled to be set")
	}
	if got.Artifacts.Dir == nil || *got.Artifacts.Dir != "/tmp/run-1" {
		t.Fatalf("artifacts.dir = %v, want /tmp/run-1", got.Artifacts.Dir)
	}
	if !got.Artifacts.Overwrite {
		t.Fatal("expected artifacts.overwrite to be set")
	}
}

func TestPolicyOverridesApplyUntouchedWhenUnset(t *testing.T) {
	po := policyOverrides{}
	base := policy.Policy{Sandbox: policy.SandboxMode{Kind: policy.SandboxSeatbelt}}
	got := po.apply(base)
	if got.Sandbox.Kind != policy.SandboxSeatbelt {
		t.Fatalf("sandbox kind = %v, want unchanged seatbelt", got.Sandbox.Kind)
	}
}

func TestCwdPtr(t *testing.T) {
	po := policyOverrides{}
	if ptr := po.cwdPtr(); ptr != nil {
		t.Fatalf("expected nil cwd pointer, got %v", *ptr)
	}
	po.cwd = "/work"
	ptr := po.cwdPtr()
	if ptr == nil || *ptr != "/work" {
		t.Fatalf("cwdPtr() = %v, want /work", ptr)
	}
}

func TestNewestReplayDirPicksLexicallyLast(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"replay-001", "replay-002", "replay-010"} {
		if err := os.Mkdir(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	got, err := newestReplayDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(got) != "replay-010" {
		t.Fatalf("newestReplayDir = %q, want replay-010", got)
	}
}

func TestNewestReplayDirNoneYet(t *testing.T) {
	dir := t.TempDir()
	if _, err := newestReplayDir(dir); err == nil {
		t.Fatal("expected an error when no replay-* directory exists")
	}
}

func TestUniqueReplayDirSkipsExisting(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "replay-001"), 0o755); err != nil {
		t.Fatal(err)
	}
	got := uniqueReplayDir(dir)
	if filepath.Base(got) != "replay-002" {
		t.Fatalf("uniqueReplayDir = %q, want replay-002", got)
	}
}
