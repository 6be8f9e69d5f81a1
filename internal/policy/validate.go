package policy

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ehrlich-b/termbox/internal/errtax"
	"github.com/ehrlich-b/termbox/internal/pathutil"
)

// DangerousEnvVars is the closed, case-insensitive list of environment
// variable names that an allowlist or set entry may never name, since
// each one can change what code runs rather than merely what data it
// sees. DYLD_ is matched as a prefix (DYLD_INSERT_LIBRARIES,
// DYLD_LIBRARY_PATH, DYLD_FRAMEWORK_PATH, ...).
var DangerousEnvVars = []string{
	"LD_PRELOAD", "LD_LIBRARY_PATH", "LD_AUDIT",
	"PYTHONPATH", "RUBYLIB", "PERL5LIB", "CLASSPATH",
	"IFS", "GMON_OUT_PREFIX", "MALLOC_CONF",
}

const dangerousEnvPrefix = "DYLD_"

// BlockedFSRoots is the closed set of filesystem roots an allowlist
// entry may never equal or fall under.
var BlockedFSRoots = []string{
	"/System", "/Library", "/Users", "/private", "/Volumes",
}

// shellBasenames is the closed set of interpreter basenames treated as
// "a shell" for shell detection, independent of any `-c` usage.
var shellBasenames = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true,
	"fish": true, "ksh": true, "tcsh": true, "csh": true,
}

func isDangerousEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	if strings.HasPrefix(upper, dangerousEnvPrefix) {
		return true
	}
	for _, d := range DangerousEnvVars {
		if d == upper {
			return true
		}
	}
	return false
}

// resolveSymlinks follows symlinks the way the shell-detection and
// sandbox-profile-embedding paths require, defeating `ln -s /bin/bash
// /tmp/x`-style attacks. On any error (path does not exist, not a
// symlink, permission) the original path is returned unchanged.
func resolveSymlinks(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return path
	}
	return resolved
}

// isShellCommand applies shell detection: resolve symlinks, then
// check whether the basename is one of the closed shell names or ends
// in .sh.
func isShellCommand(command string) bool {
	resolved := resolveSymlinks(command)
	base := filepath.Base(resolved)
	if strings.HasSuffix(base, ".sh") {
		return true
	}
	return shellBasenames[base]
}

// RunRequest is the minimal command/args/cwd triple ValidateRun checks
// a policy against. It intentionally duplicates the shape of
// model.RunConfig's leading fields rather than importing package
// model: model already imports policy, so the reverse import would be
// a cycle.
type RunRequest struct {
	Command string
	Args    []string
	Cwd     *string
}

// Validate runs the version/sandbox/network/env/fs/artifacts/
// write-ack checks (1 through 7) against p alone, short-circuiting at
// the first violation. ValidateRun adds the RunConfig-dependent check
// (8).
func Validate(p Policy) *errtax.ErrorInfo {
	if err := validateVersion(p); err != nil {
		return err
	}
	if err := validateSandboxMode(p); err != nil {
		return err
	}
	if err := validateNetworkPolicy(p); err != nil {
		return err
	}
	if err := validateEnvPolicy(p); err != nil {
		return err
	}
	if err := validateFSPolicy(p); err != nil {
		return err
	}
	if err := validateArtifactsPolicy(p); err != nil {
		return err
	}
	if err := validateStrictWrite(p); err != nil {
		return err
	}
	return nil
}

// ValidateRun runs Validate, then the RunConfig-dependent check:
// exec.allowed_executables must be non-empty and contain command
// literally; cwd, if supplied, must be absolute and resolve under the
// allowlists; shell detection requires allow_shell.
func ValidateRun(p Policy, req RunRequest) *errtax.ErrorInfo {
	if err := Validate(p); err != nil {
		return err
	}
	return validateRunConfig(p, req)
}

func validateVersion(p Policy) *errtax.ErrorInfo {
	if p.PolicyVersion != PolicyVersion {
		return errtax.New(errtax.CodeProtocol, "unsupported policy_version", map[string]any{
			"got": p.PolicyVersion, "want": PolicyVersion,
		})
	}
	return nil
}

// probeSandboxExecutor runs the platform sandbox executor with a
// trivial "(allow default)" profile against /usr/bin/true, returning
// nil iff the executor ran and exited zero.
func probeSandboxExecutor() error {
	profile, err := os.CreateTemp("", "termbox-probe-*.sb")
	if err != nil {
		return err
	}
	defer os.Remove(profile.Name())
	if _, err := profile.WriteString("(version 1)\n(allow default)\n"); err != nil {
		profile.Close()
		return err
	}
	profile.Close()
	cmd := exec.Command("sandbox-exec", "-f", profile.Name(), "/usr/bin/true")
	return cmd.Run()
}

func validateSandboxMode(p Policy) *errtax.ErrorInfo {
	switch p.Sandbox.Kind {
	case SandboxSeatbelt:
		if err := probeSandboxExecutor(); err != nil {
			return errtax.SandboxUnavailable("seatbelt sandbox executor is not functional", map[string]any{
				"source": err.Error(),
			})
		}
	case SandboxDisabled:
		if !p.Sandbox.Ack {
			return errtax.PolicyDenied("sandbox=disabled requires sandbox.ack", nil)
		}
	default:
		return errtax.PolicyDenied("unknown sandbox mode", map[string]any{"kind": p.Sandbox.Kind})
	}
	return nil
}

func validateNetworkPolicy(p Policy) *errtax.ErrorInfo {
	switch p.Network.Kind {
	case NetworkEnabled:
		if !p.Network.Ack {
			return errtax.PolicyDenied("network=enabled requires network.ack", nil)
		}
	case NetworkDisabled:
	default:
		return errtax.PolicyDenied("unknown network mode", map[string]any{"kind": p.Network.Kind})
	}
	if p.Sandbox.Kind == SandboxDisabled && !p.Network.UnenforcedAck {
		return errtax.PolicyDenied("sandbox=disabled requires network.unenforced_ack", nil)
	}
	return nil
}

func validateEnvPolicy(p Policy) *errtax.ErrorInfo {
	allowed := map[string]bool{}
	for _, name := range p.Env.Allowlist {
		allowed[name] = true
	}
	for name := range p.Env.Set {
		if !allowed[name] {
			return errtax.PolicyDenied("env.set key is not in env.allowlist", map[string]any{"name": name})
		}
	}
	for _, name := range p.Env.Allowlist {
		if isDangerousEnvVar(name) {
			return errtax.PolicyDenied("env.allowlist may not name a dangerous variable", map[string]any{"name": name})
		}
	}
	for name := range p.Env.Set {
		if isDangerousEnvVar(name) {
			return errtax.PolicyDenied("env.set may not name a dangerous variable", map[string]any{"name": name})
		}
	}
	return nil
}

func homeDir() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return h
}

func fsEntryBlocked(normalized string) bool {
	if normalized == "/" {
		return true
	}
	if home := homeDir(); home != "" && normalized == pathutil.Normalize(home) {
		return true
	}
	for _, blocked := range BlockedFSRoots {
		nb := pathutil.Normalize(blocked)
		if normalized == nb || strings.HasPrefix(normalized, nb+"/") {
			return true
		}
	}
	return false
}

func validateFSEntry(entry string) *errtax.ErrorInfo {
	if !pathutil.IsAbs(entry) {
		return errtax.PolicyDenied("fs allowlist entry must be an absolute path", map[string]any{"path": entry})
	}
	if err := pathutil.ValidateNotSymlink(entry); err != nil {
		return errtax.PolicyDenied(err.Error(), map[string]any{"path": entry})
	}
	if fsEntryBlocked(pathutil.Normalize(entry)) {
		return errtax.PolicyDenied("fs allowlist entry falls under a blocked root", map[string]any{"path": entry})
	}
	return nil
}

func validateFSPolicy(p Policy) *errtax.ErrorInfo {
	if len(p.FS.AllowedWrite) > 0 && !p.FS.WriteAck {
		return errtax.PolicyDenied("fs.allowed_write is non-empty but fs.write_ack is false", nil)
	}
	for _, entry := range p.FS.AllowedRead {
		if err := validateFSEntry(entry); err != nil {
			return err
		}
	}
	for _, entry := range p.FS.AllowedWrite {
		if err := validateFSEntry(entry); err != nil {
			return err
		}
	}
	if p.FS.WorkingDir != nil {
		wd := *p.FS.WorkingDir
		if !pathutil.IsAbs(wd) {
			return errtax.PolicyDenied("fs.working_dir must be an absolute path", map[string]any{"path": wd})
		}
		roots := append(append([]string{}, p.FS.AllowedRead...), p.FS.AllowedWrite...)
		if !pathutil.PathUnder(wd, roots) {
			return errtax.PolicyDenied("fs.working_dir does not resolve under allowed_read/allowed_write", map[string]any{"path": wd})
		}
	}
	return nil
}

func validateArtifactsPolicy(p Policy) *errtax.ErrorInfo {
	if !p.Artifacts.Enabled {
		return nil
	}
	if p.Artifacts.Dir == nil || *p.Artifacts.Dir == "" {
		return errtax.PolicyDenied("artifacts.enabled requires artifacts.dir", nil)
	}
	dir := *p.Artifacts.Dir
	if !pathutil.IsAbs(dir) {
		return errtax.PolicyDenied("artifacts.dir must be an absolute path", map[string]any{"dir": dir})
	}
	if !pathutil.PathUnder(dir, p.FS.AllowedWrite) {
		return errtax.PolicyDenied("artifacts.dir does not resolve under allowed_write", map[string]any{"dir": dir})
	}
	return nil
}

// validateStrictWrite implements check 7: when fs.strict_write is set
// and write_ack is false, any operation that causes the harness
// itself to write is refused — this includes the artifacts writer
// (gated here whenever artifacts.enabled) and sandbox profile
// emission (gated by RequireWriteAccess, called directly from
// internal/sandboxprofile before it opens the profile file).
func validateStrictWrite(p Policy) *errtax.ErrorInfo {
	if !p.FS.StrictWrite || p.FS.WriteAck {
		return nil
	}
	if p.Artifacts.Enabled {
		return errtax.PolicyDenied("fs.strict_write requires fs.write_ack for write access (artifacts)", nil)
	}
	return nil
}

// RequireWriteAccess is the explicit check callers that themselves
// perform a write (the CLI before it opens the artifacts writer, the
// sandbox profile emitter)
// must invoke immediately before doing so, so that CLI-driven writes
// outside Validate's own static pass are gated identically.
func RequireWriteAccess(p Policy) *errtax.ErrorInfo {
	if p.FS.StrictWrite && !p.FS.WriteAck {
		return errtax.PolicyDenied("fs.strict_write requires fs.write_ack for write access", nil)
	}
	return nil
}

func validateRunConfig(p Policy, req RunRequest) *errtax.ErrorInfo {
	if len(p.Exec.AllowedExecutables) == 0 {
		return errtax.PolicyDenied("exec.allowed_executables must be non-empty", nil)
	}
	if !pathutil.IsAbs(req.Command) {
		return errtax.PolicyDenied("command must be an absolute path", map[string]any{"command": req.Command})
	}
	found := false
	for _, allowed := range p.Exec.AllowedExecutables {
		if allowed == req.Command {
			found = true
			break
		}
	}
	if !found {
		return errtax.PolicyDenied("command is not in exec.allowed_executables", map[string]any{
			"command": req.Command, "allowed_executables": p.Exec.AllowedExecutables,
		})
	}
	if req.Cwd != nil {
		cwd := *req.Cwd
		if !pathutil.IsAbs(cwd) {
			return errtax.PolicyDenied("cwd must be an absolute path", map[string]any{"cwd": cwd})
		}
		roots := append(append([]string{}, p.FS.AllowedRead...), p.FS.AllowedWrite...)
		if !pathutil.PathUnder(cwd, roots) {
			return errtax.PolicyDenied("cwd does not resolve under allowed_read/allowed_write", map[string]any{"cwd": cwd})
		}
	}
	if isShellCommand(req.Command) && !p.Exec.AllowShell {
		return errtax.PolicyDenied("command is a shell and exec.allow_shell is false", map[string]any{
			"command": req.Command,
		})
	}
	return nil
}

// ApplyEnvPolicy computes the child's final environment from the
// EnvPolicy and the harness's own environment (os.Environ-shaped
// key=value pairs): Inherit copies only allowlisted keys that have
// already passed the dangerous-var check, then Set is applied on top.
func ApplyEnvPolicy(ep EnvPolicy, hostEnv []string) []string {
	host := map[string]string{}
	for _, kv := range hostEnv {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			host[kv[:i]] = kv[i+1:]
		}
	}
	result := map[string]string{}
	if ep.Inherit {
		for _, name := range ep.Allowlist {
			if isDangerousEnvVar(name) {
				continue
			}
			if v, ok := host[name]; ok {
				result[name] = v
			}
		}
	}
	for k, v := range ep.Set {
		result[k] = v
	}
	out := make([]string, 0, len(result))
	for k, v := range result {
		out = append(out, k+"="+v)
	}
	return out
}

// ExplainResult is the outcome of Explain: every check is run
// independently (not short-circuited), in contrast to Validate/
// ValidateRun which stop at the first failure.
type ExplainResult struct {
	Allowed bool                `json:"allowed"`
	Errors  []*errtax.ErrorInfo `json:"errors"`
}

// Explain runs every check for policy and, if req is non-nil, the
// RunConfig-dependent check too, accumulating every failure instead
// of stopping at the first.
func Explain(p Policy, req *RunRequest) ExplainResult {
	var errs []*errtax.ErrorInfo
	checks := []func(Policy) *errtax.ErrorInfo{
		validateVersion, validateSandboxMode, validateNetworkPolicy,
		validateEnvPolicy, validateFSPolicy, validateArtifactsPolicy,
		validateStrictWrite,
	}
	for _, check := range checks {
		if err := check(p); err != nil {
			errs = append(errs, err)
		}
	}
	if req != nil {
		if err := validateRunConfig(p, *req); err != nil {
			errs = append(errs, err)
		}
	}
	return ExplainResult{Allowed: len(errs) == 0, Errors: errs}
}
