package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/termbox/internal/artifacts"
	"github.com/ehrlich-b/termbox/internal/errtax"
	"github.com/ehrlich-b/termbox/internal/loader"
	"github.com/ehrlich-b/termbox/internal/model"
	"github.com/ehrlich-b/termbox/internal/policy"
	"github.com/ehrlich-b/termbox/internal/runner"
)

func execCmd() *cobra.Command {
	var po policyOverrides

	cmd := &cobra.Command{
		Use:                   "exec -- CMD [ARG...]",
		Short:                 "Run a single command under policy and print its RunResult",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command, cmdArgs := splitCommand(cmd, args)
			return runExecOrExplain(command, cmdArgs, &po)
		},
	}
	po.bind(cmd.Flags())
	return cmd
}

// splitCommand finds the CMD ARG... portion of args, honoring an
// explicit `--` separator (cobra's ArgsLenAtDash) but falling back to
// "everything after the recognized flags" when the caller omitted it.
func splitCommand(cmd *cobra.Command, args []string) (string, []string) {
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		if dash >= len(args) {
			return "", nil
		}
		return args[dash], args[dash+1:]
	}
	return args[0], args[1:]
}

// runExecOrExplain loads and resolves the policy named by po, then
// either prints an --explain-policy report or performs the exec run.
func runExecOrExplain(command string, cmdArgs []string, po *policyOverrides) error {
	p, err := loadOverriddenPolicy(po)
	if err != nil {
		exitCode = emitError(err)
		return nil
	}

	req := policy.RunRequest{Command: command, Args: cmdArgs, Cwd: po.cwdPtr()}
	if po.explainPolicy {
		emitJSON(policy.Explain(p, &req))
		return nil
	}

	cfg := model.RunConfig{
		Command:     command,
		Args:        cmdArgs,
		Cwd:         po.cwdPtr(),
		InitialSize: model.DefaultTerminalSize(),
		Policy:      model.PolicyRef{Inline: &p},
	}

	writer, rerr := openArtifacts(p)
	if rerr != nil {
		exitCode = emitError(rerr)
		return nil
	}
	if writer != nil {
		defer writer.Close()
	}

	result, rerr := runner.RunExecWithOptions(context.Background(), cfg, runner.Options{Artifacts: writer})
	if result == nil {
		exitCode = emitError(rerr)
		return nil
	}
	_ = recordHistory(result, artifactsDirOf(writer))
	if rerr != nil {
		exitCode = emitError(rerr)
		return nil
	}
	emitResult(result)
	return nil
}

// loadOverriddenPolicy loads po.policyPath (required) and applies
// every flag override, failing with E_CLI_INVALID_ARG if no policy
// path was given or the file cannot be read/parsed.
func loadOverriddenPolicy(po *policyOverrides) (policy.Policy, *errtax.ErrorInfo) {
	if po.policyPath == "" {
		return policy.Policy{}, errtax.CLIInvalidArg("--policy PATH is required", nil)
	}
	p, err := loader.LoadPolicy(po.policyPath)
	if err != nil {
		return policy.Policy{}, wrapCLIErr(fmt.Errorf("load policy: %w", err))
	}
	return po.apply(p), nil
}

// openArtifacts opens the artifacts writer p.Artifacts names, or
// returns a nil writer (not an error) when artifacts are disabled.
func openArtifacts(p policy.Policy) (*artifacts.Writer, *errtax.ErrorInfo) {
	if !p.Artifacts.Enabled {
		return nil, nil
	}
	if p.Artifacts.Dir == nil {
		return nil, errtax.PolicyDenied("artifacts.enabled requires artifacts.dir", nil)
	}
	if err := policy.RequireWriteAccess(p); err != nil {
		return nil, err
	}
	return artifacts.New(artifacts.Config{Dir: *p.Artifacts.Dir, Overwrite: p.Artifacts.Overwrite})
}

func artifactsDirOf(w *artifacts.Writer) string {
	if w == nil {
		return ""
	}
	return w.Dir()
}
