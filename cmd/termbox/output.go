package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/ehrlich-b/termbox/internal/errtax"
	"github.com/ehrlich-b/termbox/internal/model"
)

// errCLIInvalidArg mirrors errtax.ExitCode(errtax.CodeCLIInvalidArg),
// used for argument-parsing failures cobra itself rejects before any
// subcommand body runs.
const errCLIInvalidArg = 12

// jsonOutput decides JSON-vs-text mode: an explicit --json/--text
// flag wins, otherwise stdout's own terminal state decides (piped or
// redirected output defaults to JSON, an attached terminal to text).
func jsonOutput() bool {
	if jsonFlag {
		return true
	}
	if textFlag {
		return false
	}
	return !term.IsTerminal(int(os.Stdout.Fd()))
}

// emitResult prints result to stdout (JSON mode) or a one-line
// summary to stderr (text mode), per §6/§7: stdout stays byte-clean
// of anything but the final RunResult/ErrorInfo object.
func emitResult(result *model.RunResult) {
	if jsonOutput() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}
	duration := time.Duration(result.EndedAtMs-result.StartedAtMs) * time.Millisecond
	fmt.Fprintf(os.Stderr, "%s run %s: %s in %s (%d steps)\n",
		result.Command, result.RunId.String(), result.Status, duration, len(result.Steps))
}

// emitError prints err to stdout (JSON mode) or a one-line summary to
// stderr (text mode) and returns the stable process exit code for
// err.Code.
func emitError(err *errtax.ErrorInfo) int {
	if jsonOutput() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(err)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %s\n", err.Code, err.Message)
	}
	return errtax.ExitCode(err.Code)
}

// emitJSON prints an arbitrary value as formatted JSON to stdout,
// used for --explain-policy/--explain and replay-report output which
// are not themselves RunResult/ErrorInfo values.
func emitJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// wrapCLIErr turns a plain error (file I/O, YAML parsing) surfaced at
// the CLI boundary into the closed taxonomy, defaulting to
// E_CLI_INVALID_ARG since these are always argument/file problems the
// user can fix, never a core-runtime failure.
func wrapCLIErr(err error) *errtax.ErrorInfo {
	return errtax.CLIInvalidArg(err.Error(), nil)
}
