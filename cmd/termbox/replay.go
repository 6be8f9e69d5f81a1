package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/termbox/internal/artifacts"
	"github.com/ehrlich-b/termbox/internal/errtax"
	"github.com/ehrlich-b/termbox/internal/model"
	"github.com/ehrlich-b/termbox/internal/policy"
	"github.com/ehrlich-b/termbox/internal/replay"
	"github.com/ehrlich-b/termbox/internal/runner"
)

func replayCmd() *cobra.Command {
	var artifactsDir string
	var strict bool
	var strictSet bool
	var normalizeFilters []string
	var requireEvents bool
	var requireChecksums bool
	var explain bool

	cmd := &cobra.Command{
		Use:   "replay --artifacts DIR",
		Short: "Re-run a recorded scenario and compare it against the original artifacts",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			strictSet = cmd.Flags().Changed("strict")
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var cliStrict *bool
			if strictSet {
				cliStrict = &strict
			}
			return runReplay(replayOptions{
				originalDir:      artifactsDir,
				cliStrict:        cliStrict,
				cliFilters:       normalizeFilters,
				requireEvents:    requireEvents,
				requireChecksums: requireChecksums,
				explain:          explain,
			})
		},
	}
	cmd.Flags().StringVar(&artifactsDir, "artifacts", "", "the original run's artifacts directory")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail with E_REPLAY_MISMATCH on any difference")
	cmd.Flags().StringSliceVar(&normalizeFilters, "normalize", nil, "normalization filters to apply (overrides the policy/default set)")
	cmd.Flags().BoolVar(&requireEvents, "require-events", false, "fail if either directory is missing events.jsonl")
	cmd.Flags().BoolVar(&requireChecksums, "require-checksums", false, "verify checksums.json in both directories before comparing")
	cmd.Flags().BoolVar(&explain, "explain", false, "print the resolved normalization settings instead of replaying")
	return cmd
}

type replayOptions struct {
	originalDir      string
	cliStrict        *bool
	cliFilters       []string
	requireEvents    bool
	requireChecksums bool
	explain          bool
}

// replaySummary is printed when the comparison finds no mismatch; on
// any mismatch, strict or not, the CLI instead prints the bare
// ErrorInfo per §7.
type replaySummary struct {
	Status    string        `json:"status"`
	ReplayDir string        `json:"replay_dir"`
	Report    replay.Report `json:"report"`
}

func runReplay(opts replayOptions) error {
	if opts.originalDir == "" {
		exitCode = emitError(errtax.CLIInvalidArg("--artifacts DIR is required", nil))
		return nil
	}

	scenario, p, err := loadRecordedScenario(opts.originalDir)
	if err != nil {
		exitCode = emitError(err)
		return nil
	}

	settings := replay.ResolveSettings(opts.cliStrict, opts.cliFilters, p)
	if opts.explain {
		emitJSON(settings)
		return nil
	}

	if opts.requireEvents {
		if _, err := os.Stat(filepath.Join(opts.originalDir, "events.jsonl")); err != nil {
			exitCode = emitError(errtax.ReplayMismatch("original artifacts directory is missing events.jsonl", map[string]any{"dir": opts.originalDir}))
			return nil
		}
	}
	if opts.requireChecksums {
		if mismatches, verr := artifacts.VerifyChecksums(opts.originalDir); verr != nil {
			exitCode = emitError(verr)
			return nil
		} else if len(mismatches) > 0 {
			exitCode = emitError(errtax.ReplayMismatch("original artifacts directory failed checksum verification", map[string]any{"dir": opts.originalDir}))
			return nil
		}
	}

	replayDir := uniqueReplayDir(opts.originalDir)

	writer, werr := artifacts.New(artifacts.Config{Dir: replayDir, Overwrite: false})
	if werr != nil {
		exitCode = emitError(werr)
		return nil
	}
	defer writer.Close()

	result, rerr := runner.RunScenario(context.Background(), scenario, runner.Options{Artifacts: writer})
	if result == nil {
		exitCode = emitError(rerr)
		return nil
	}

	if opts.requireEvents {
		if _, err := os.Stat(filepath.Join(replayDir, "events.jsonl")); err != nil {
			exitCode = emitError(errtax.ReplayMismatch("replay artifacts directory is missing events.jsonl", map[string]any{"dir": replayDir}))
			return nil
		}
	}
	if opts.requireChecksums {
		if mismatches, verr := artifacts.VerifyChecksums(replayDir); verr != nil {
			exitCode = emitError(verr)
			return nil
		} else if len(mismatches) > 0 {
			exitCode = emitError(errtax.ReplayMismatch("replay artifacts directory failed checksum verification", map[string]any{"dir": replayDir}))
			return nil
		}
	}

	_ = replay.WriteNormalization(replayDir, settings)

	report, cerr := replay.Compare(opts.originalDir, replayDir, settings)
	_ = replay.WriteReport(replayDir, report)

	status := "passed"
	if !report.Passed() {
		status = "failed"
	}
	summary := replaySummary{Status: status, ReplayDir: replayDir, Report: report}
	writeReplaySummary(replayDir, summary)

	if cerr != nil {
		exitCode = emitError(cerr)
		return nil
	}
	emitJSON(summary)
	return nil
}

// loadRecordedScenario reconstructs the *model.Scenario and effective
// policy.Policy an original artifacts directory was produced from,
// from its own scenario.json/policy.json, forcing the policy inline
// regardless of what the scenario's own policy reference names (the
// runner never reads a policy path itself).
func loadRecordedScenario(dir string) (*model.Scenario, policy.Policy, *errtax.ErrorInfo) {
	scenarioData, err := os.ReadFile(filepath.Join(dir, "scenario.json"))
	if err != nil {
		return nil, policy.Policy{}, errtax.IO("failed to read scenario.json", err)
	}
	var scenario model.Scenario
	if err := json.Unmarshal(scenarioData, &scenario); err != nil {
		return nil, policy.Policy{}, errtax.Protocol("failed to parse scenario.json", map[string]any{"source": err.Error()})
	}

	policyData, err := os.ReadFile(filepath.Join(dir, "policy.json"))
	if err != nil {
		return nil, policy.Policy{}, errtax.IO("failed to read policy.json", err)
	}
	var p policy.Policy
	if err := json.Unmarshal(policyData, &p); err != nil {
		return nil, policy.Policy{}, errtax.Protocol("failed to parse policy.json", map[string]any{"source": err.Error()})
	}
	scenario.Run.Policy = model.PolicyRef{Inline: &p}
	return &scenario, p, nil
}

func uniqueReplayDir(originalDir string) string {
	for i := 1; ; i++ {
		candidate := filepath.Join(originalDir, fmt.Sprintf("replay-%03d", i))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func writeReplaySummary(dir string, summary replaySummary) {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, "replay.json"), data, 0o644)
}
