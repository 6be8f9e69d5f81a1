package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/termbox/internal/driver"
	"github.com/ehrlich-b/termbox/internal/errtax"
	"github.com/ehrlich-b/termbox/internal/livefeed"
	"github.com/ehrlich-b/termbox/internal/model"
)

func driverCmd() *cobra.Command {
	var po policyOverrides
	var stdio bool
	var liveAddr string

	cmd := &cobra.Command{
		Use:                   "driver --stdio -- CMD [ARG...]",
		Short:                 "Run an interactive NDJSON driver loop against one command",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !stdio {
				exitCode = emitError(errtax.CLIInvalidArg("driver requires --stdio", nil))
				return nil
			}
			command, cmdArgs := splitCommand(cmd, args)
			return runDriver(command, cmdArgs, &po, liveAddr)
		},
	}
	cmd.Flags().BoolVar(&stdio, "stdio", false, "service driver requests on stdin/stdout (required)")
	cmd.Flags().StringVar(&liveAddr, "live-addr", "", "optional address to additionally serve a read-only live-tail websocket")
	po.bind(cmd.Flags())
	return cmd
}

func runDriver(command string, cmdArgs []string, po *policyOverrides, liveAddr string) error {
	p, err := loadOverriddenPolicy(po)
	if err != nil {
		exitCode = emitError(err)
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driverCfg := driver.Config{Run: cfg, Artifacts: writer}
	if liveAddr != "" {
		hub := livefeed.NewHub()
		driverCfg.LiveFeed = hub
		go func() { _ = livefeed.Serve(ctx, liveAddr, hub) }()
	}

	result, rerr := driver.Run(ctx, os.Stdin, os.Stdout, driverCfg)
	if result == nil {
		exitCode = emitError(rerr)
		return nil
	}
	_ = recordHistory(result, artifactsDirOf(writer))
	if rerr != nil {
		exitCode = emitError(rerr)
		return nil
	}
	fmt.Fprintf(os.Stderr, "%s run %s: %s\n", result.Command, result.RunId.String(), result.Status)
	return nil
}
