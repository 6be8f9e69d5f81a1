package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/termbox/internal/errtax"
)

func replayReportCmd() *cobra.Command {
	var artifactsDir string
	var wait bool

	cmd := &cobra.Command{
		Use:   "replay-report --artifacts DIR",
		Short: "Print the newest replay-* sibling of an artifacts directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplayReport(artifactsDir, wait)
		},
	}
	cmd.Flags().StringVar(&artifactsDir, "artifacts", "", "the original run's artifacts directory")
	cmd.Flags().BoolVar(&wait, "wait", false, "watch the directory until a replay-* sibling appears")
	return cmd
}

type replayReportOutput struct {
	Replay any    `json:"replay"`
	Diff   any    `json:"diff,omitempty"`
	Dir    string `json:"dir"`
}

func runReplayReport(artifactsDir string, wait bool) error {
	if artifactsDir == "" {
		exitCode = emitError(errtax.CLIInvalidArg("--artifacts DIR is required", nil))
		return nil
	}

	replayDir, err := newestReplayDir(artifactsDir)
	if err != nil && wait {
		replayDir, err = watchForReplayDir(artifactsDir, 30*time.Second)
	}
	if err != nil {
		exitCode = emitError(wrapCLIErr(err))
		return nil
	}

	out := replayReportOutput{Dir: replayDir}
	if data, rerr := os.ReadFile(filepath.Join(replayDir, "replay.json")); rerr == nil {
		var replayVal any
		_ = json.Unmarshal(data, &replayVal)
		out.Replay = replayVal
	}
	if data, rerr := os.ReadFile(filepath.Join(replayDir, "diff.json")); rerr == nil {
		var diffVal any
		_ = json.Unmarshal(data, &diffVal)
		out.Diff = diffVal
	}
	emitJSON(out)
	return nil
}

// newestReplayDir returns the lexically-last replay-* entry directly
// under dir (the uniqueReplayDir naming scheme, replay-NNN, sorts
// newest-last), or an error if none exist yet.
func newestReplayDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "replay-") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", os.ErrNotExist
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}

// watchForReplayDir blocks until a replay-* sibling appears under dir
// or timeout elapses, using fsnotify rather than polling.
func watchForReplayDir(dir string, timeout time.Duration) (string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return "", err
	}

	deadline := time.After(timeout)
	for {
		select {
		case ev := <-watcher.Events:
			if ev.Op&(fsnotify.Create) != 0 && strings.HasPrefix(filepath.Base(ev.Name), "replay-") {
				if found, err := newestReplayDir(dir); err == nil {
					return found, nil
				}
			}
		case werr := <-watcher.Errors:
			return "", werr
		case <-deadline:
			return "", os.ErrDeadlineExceeded
		}
	}
}
