// Package sandboxprofile renders a validated policy as a macOS
// Seatbelt (sandbox-exec) profile file and probes the executor for
// availability, mirroring the sandbox profile emitter described in
// the design (component D).
package sandboxprofile

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ehrlich-b/termbox/internal/errtax"
	"github.com/ehrlich-b/termbox/internal/pathutil"
	"github.com/ehrlich-b/termbox/internal/policy"
)

// EnsureAvailable probes the sandbox executor by running it with a
// trivial "(allow default)" profile against /usr/bin/true, the same
// check the policy validator's sandbox-mode check performs (that one
// passes the profile through a temporary file). Callers that already
// called policy.Validate on a seatbelt policy need not call this
// again; it is a standalone entry point for probing without a full
// policy in hand, and nothing in this module calls it.
func EnsureAvailable() *errtax.ErrorInfo {
	cmd := exec.Command("/usr/bin/sandbox-exec", "-p", "(version 1)(allow default)", "/usr/bin/true")
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return errtax.SandboxUnavailable("sandbox-exec failed to run", map[string]any{"source": err.Error()})
	}
	return nil
}

// buildProfile renders p as a Seatbelt profile string. Every path and
// executable embedded in the profile is checked against the
// sandbox-safe character class first, since the profile is an
// S-expression string with no quoting support.
func buildProfile(p policy.Policy) (string, *errtax.ErrorInfo) {
	var b strings.Builder
	b.WriteString("(version 1)\n")
	b.WriteString("(deny default)\n")
	b.WriteString("(import \"system.sb\")\n")
	b.WriteString("(import \"bsd.sb\")\n")

	if p.Network.Kind == policy.NetworkEnabled {
		b.WriteString("(allow network-outbound (remote ip))\n")
	}

	for _, path := range p.FS.AllowedRead {
		if err := pathutil.ValidateSandboxSafe(path); err != nil {
			return "", unsafePathError(path, err)
		}
		fmt.Fprintf(&b, "(allow file-read* (subpath %q))\n", path)
	}
	for _, path := range p.FS.AllowedWrite {
		if err := pathutil.ValidateSandboxSafe(path); err != nil {
			return "", unsafePathError(path, err)
		}
		fmt.Fprintf(&b, "(allow file-write* (subpath %q))\n", path)
	}
	for _, exe := range p.Exec.AllowedExecutables {
		if err := pathutil.ValidateSandboxSafe(exe); err != nil {
			return "", unsafePathError(exe, err)
		}
		fmt.Fprintf(&b, "(allow process-exec (literal %q))\n", exe)
	}

	return b.String(), nil
}

func unsafePathError(path string, err error) *errtax.ErrorInfo {
	return errtax.PolicyDenied(
		"path contains characters unsafe for sandbox profiles (only alphanumeric, -, _, ., /, @, space, - allowed)",
		map[string]any{"path": path, "source": err.Error()},
	)
}

// WriteProfile renders p and writes it to destPath with mode 0600,
// refusing first if the policy's strict-write gate is engaged without
// an acknowledgement (spec.md's write-acknowledgement-in-strict-mode
// check explicitly names sandbox profile emission as a gated write).
func WriteProfile(p policy.Policy, destPath string) *errtax.ErrorInfo {
	if err := policy.RequireWriteAccess(p); err != nil {
		return err
	}
	content, err := buildProfile(p)
	if err != nil {
		return err
	}
	f, ferr := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if ferr != nil {
		return errtax.IO("failed to create sandbox profile", ferr)
	}
	defer f.Close()
	if _, werr := f.WriteString(content); werr != nil {
		return errtax.IO("failed to write sandbox profile", werr)
	}
	return nil
}

// CleanupGuard deletes the profile file at Path unless Keep is set,
// matching the reference behaviour: a profile written into an
// artifacts directory is kept for replay/inspection, otherwise a drop
// guard deletes it on every exit path.
type CleanupGuard struct {
	Path string
	Keep bool
}

// Close implements the drop-guard contract: best-effort removal,
// errors swallowed, matching every other cleanup path in this module.
func (g *CleanupGuard) Close() error {
	if g.Keep || g.Path == "" {
		return nil
	}
	_ = os.Remove(g.Path)
	return nil
}
