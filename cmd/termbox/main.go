// Command termbox is a thin cobra shell over the core packages: it
// parses flags and scenario/policy YAML, builds the in-memory
// Policy/RunConfig/Scenario values, calls into internal/runner,
// internal/driver, or internal/replay, and prints the resulting
// RunResult/ErrorInfo. No business logic lives here.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/termbox/internal/obs"
)

var (
	jsonFlag bool
	textFlag bool
	exitCode int
)

func main() {
	if err := obs.Init("info", ""); err != nil {
		fmt.Fprintln(os.Stderr, "termbox: failed to initialize logging:", err)
		os.Exit(10)
	}

	root := &cobra.Command{
		Use:           "termbox",
		Short:         "termbox — policy-gated terminal automation harness",
		Long:          "Runs commands and scenarios under a PTY with a closed policy, writes deterministic artifacts, and replays them for comparison.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "force JSON output regardless of stdout's terminal state")
	root.PersistentFlags().BoolVar(&textFlag, "text", false, "force one-line text output regardless of stdout's terminal state")

	root.AddCommand(
		execCmd(),
		runCmd(),
		driverCmd(),
		replayCmd(),
		replayReportCmd(),
		historyCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "termbox:", err)
		os.Exit(errCLIInvalidArg)
	}
	os.Exit(exitCode)
}
