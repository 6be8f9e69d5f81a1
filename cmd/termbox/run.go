package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/termbox/internal/errtax"
	"github.com/ehrlich-b/termbox/internal/loader"
	"github.com/ehrlich-b/termbox/internal/model"
	"github.com/ehrlich-b/termbox/internal/policy"
	"github.com/ehrlich-b/termbox/internal/runner"
)

func runCmd() *cobra.Command {
	var po policyOverrides
	var scenarioPath string

	cmd := &cobra.Command{
		Use:   "run --scenario PATH",
		Short: "Run a scenario under policy and print its RunResult",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioOrExplain(scenarioPath, &po)
		},
	}
	cmd.Flags().StringVar(&scenarioPath, "scenario", "", "path to the scenario YAML document")
	po.bind(cmd.Flags())
	return cmd
}

func runScenarioOrExplain(scenarioPath string, po *policyOverrides) error {
	if scenarioPath == "" {
		exitCode = emitError(errtax.CLIInvalidArg("--scenario PATH is required", nil))
		return nil
	}

	scenario, err := loader.LoadScenario(scenarioPath)
	if err != nil {
		exitCode = emitError(wrapCLIErr(fmt.Errorf("load scenario: %w", err)))
		return nil
	}

	var p policy.Policy
	if po.policyPath != "" {
		if p, err = loader.LoadPolicy(po.policyPath); err != nil {
			exitCode = emitError(wrapCLIErr(fmt.Errorf("load policy: %w", err)))
			return nil
		}
	} else {
		resolvedRef, rerr := loader.ResolvePolicyRef(scenario.Run.Policy)
		if rerr != nil {
			exitCode = emitError(wrapCLIErr(fmt.Errorf("resolve scenario policy: %w", rerr)))
			return nil
		}
		p = *resolvedRef.Inline
	}
	p = po.apply(p)
	if cwd := po.cwdPtr(); cwd != nil {
		scenario.Run.Cwd = cwd
	}
	scenario.Run.Policy = model.PolicyRef{Inline: &p}

	req := policy.RunRequest{Command: scenario.Run.Command, Args: scenario.Run.Args, Cwd: scenario.Run.Cwd}
	if po.explainPolicy {
		emitJSON(policy.Explain(p, &req))
		return nil
	}

	writer, rerr := openArtifacts(p)
	if rerr != nil {
		exitCode = emitError(rerr)
		return nil
	}
	if writer != nil {
		defer writer.Close()
	}

	result, rerr := runner.RunScenario(context.Background(), scenario, runner.Options{Artifacts: writer})
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
