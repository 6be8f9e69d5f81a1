package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/termbox/internal/errtax"
	"github.com/ehrlich-b/termbox/internal/history"
	"github.com/ehrlich-b/termbox/internal/model"
)

// historyDBPath is the default run-index location: a sqlite file
// under the user's home directory, separate from any run's own
// artifacts directory (the index survives across artifact dirs that
// get cleaned up independently).
func historyDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".termbox")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create history dir: %w", err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// recordHistory indexes result in the run-index database, best
// effort: callers discard the returned error, so a history-store
// failure never changes a run's exit code or output and is not logged.
func recordHistory(result *model.RunResult, artifactsDir string) error {
	dsn, err := historyDBPath()
	if err != nil {
		return err
	}
	store, err := history.Open(dsn)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.RecordRun(result, artifactsDir)
}

func historyCmd() *cobra.Command {
	var limit int

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs from the run index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := historyDBPath()
			if err != nil {
				exitCode = emitError(wrapCLIErr(err))
				return nil
			}
			store, err := history.Open(dsn)
			if err != nil {
				exitCode = emitError(wrapCLIErr(err))
				return nil
			}
			defer store.Close()

			records, err := store.ListRuns(limit)
			if err != nil {
				exitCode = emitError(wrapCLIErr(err))
				return nil
			}
			emitJSON(records)
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")

	showCmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show one run's index record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := historyDBPath()
			if err != nil {
				exitCode = emitError(wrapCLIErr(err))
				return nil
			}
			store, err := history.Open(dsn)
			if err != nil {
				exitCode = emitError(wrapCLIErr(err))
				return nil
			}
			defer store.Close()

			record, err := store.GetRun(args[0])
			if err != nil {
				exitCode = emitError(wrapCLIErr(err))
				return nil
			}
			if record == nil {
				exitCode = emitError(errtax.CLIInvalidArg(fmt.Sprintf("no run indexed with id %q", args[0]), nil))
				return nil
			}
			emitJSON(record)
			return nil
		},
	}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query the run index (supplemental, not part of the core replay contract)",
	}
	cmd.AddCommand(listCmd, showCmd)
	return cmd
}
