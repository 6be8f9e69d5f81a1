// Package runner drives one exec or scenario run end to end: resolve
// and validate the effective policy, wrap the command for the sandbox,
// spawn a session, perform each step's action with its retry budget,
// evaluate assertions, and assemble the RunResult, writing artifacts
// alongside every stage when an artifacts.Writer is supplied.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ehrlich-b/termbox/internal/artifacts"
	"github.com/ehrlich-b/termbox/internal/errtax"
	"github.com/ehrlich-b/termbox/internal/ids"
	"github.com/ehrlich-b/termbox/internal/model"
	"github.com/ehrlich-b/termbox/internal/policy"
	"github.com/ehrlich-b/termbox/internal/sandboxprofile"
	"github.com/ehrlich-b/termbox/internal/session"
)

// ProgressKind tags a ProgressEvent.
type ProgressKind string

const (
	ProgressRunStarted    ProgressKind = "run_started"
	ProgressStepStarted   ProgressKind = "step_started"
	ProgressStepCompleted ProgressKind = "step_completed"
	ProgressRunCompleted  ProgressKind = "run_completed"
)

// ProgressEvent is emitted to an Options.Progress callback, if set, at
// each stage of a run: run_started carries the total step count (0
// for an exec run), step_started/step_completed bracket each
// scenario step, and run_completed carries the final outcome.
type ProgressEvent struct {
	Kind       ProgressKind
	RunId      ids.RunId
	TotalSteps int
	StepId     ids.StepId
	Index      int
	Name       string
	Success    bool
	DurationMs uint64
}

// Options configures one run.
type Options struct {
	Artifacts *artifacts.Writer
	Progress  func(ProgressEvent)
}

func (o Options) emit(ev ProgressEvent) {
	if o.Progress != nil {
		o.Progress(ev)
	}
}

// RunExec runs cfg.Command/Args to completion with no scenario steps.
func RunExec(ctx context.Context, cfg model.RunConfig) (*model.RunResult, *errtax.ErrorInfo) {
	return RunExecWithOptions(ctx, cfg, Options{})
}

// RunExecWithOptions is RunExec with artifact writing and progress
// reporting. It spawns the command, takes one settling observation,
// waits for the child to exit within the runtime budget, and reports
// exit status without running any scenario steps — the fast path the
// reference's run_exec/run_exec_with_options functions implement.
func RunExecWithOptions(ctx context.Context, cfg model.RunConfig, opts Options) (*model.RunResult, *errtax.ErrorInfo) {
	runId := ids.NewRunId()
	startedAt := time.Now()

	p, rerr := resolvePolicy(cfg.Policy)
	if rerr != nil {
		return nil, rerr
	}

	req := policy.RunRequest{Command: cfg.Command, Args: cfg.Args, Cwd: cfg.Cwd}
	if err := policy.ValidateRun(p, req); err != nil {
		return errorResult(runId, startedAt, cfg, p, nil, nil, err), err
	}

	if opts.Artifacts != nil {
		if err := opts.Artifacts.WritePolicy(p); err != nil {
			return nil, err
		}
	}
	opts.emit(ProgressEvent{Kind: ProgressRunStarted, RunId: runId, TotalSteps: 0})

	spawnCmd, spawnArgs, cleanup, err := buildSpawnCommand(p, runId, opts.Artifacts)
	if err != nil {
		return errorResult(runId, startedAt, cfg, p, nil, nil, err), err
	}
	defer cleanup.Close()

	sess, err := startSession(ctx, runId, spawnCmd, spawnArgs, cfg, p)
	if err != nil {
		return errorResult(runId, startedAt, cfg, p, nil, nil, err), err
	}
	defer sess.Close()

	time.Sleep(50 * time.Millisecond)
	obs, err := sess.Observe(100*time.Millisecond, true)
	if err != nil {
		return errorResult(runId, startedAt, cfg, p, nil, &obs, err), err
	}
	if opts.Artifacts != nil {
		_ = opts.Artifacts.WriteSnapshot(obs.Screen)
		_ = opts.Artifacts.WriteEvent(obs)
	}

	exitStatus, werr := sess.WaitForExit(remaining(startedAt, p.Budgets.MaxRuntimeMs))
	if werr != nil && werr.Code == errtax.CodeTimeout {
		// Runtime budget exceeded without the child exiting: terminate
		// and report the timeout, matching the scenario path's
		// per-step runtime-budget check generalised to the whole run.
		_ = sess.TerminateProcessGroup(100 * time.Millisecond)
		return errorResult(runId, startedAt, cfg, p, nil, &obs, werr), werr
	}

	status := model.RunPassed
	var resultErr *errtax.ErrorInfo
	if exitStatus == nil || !exitStatus.Success {
		status = model.RunFailed
		resultErr = errtax.ProcessExit("command exited unsuccessfully", map[string]any{"exit_status": exitStatus})
	}
	result := &model.RunResult{
		RunResultVersion: model.RunResultVersion,
		ProtocolVersion:  model.ProtocolVersion,
		RunId:            runId,
		Status:           status,
		StartedAtMs:      uint64(startedAt.UnixMilli()),
		EndedAtMs:        uint64(time.Now().UnixMilli()),
		Command:          cfg.Command,
		Args:             cfg.Args,
		Cwd:              derefOr(cfg.Cwd, ""),
		Policy:           p,
		FinalObservation: &obs,
		ExitStatus:       exitStatus,
		Error:            resultErr,
	}
	if opts.Artifacts != nil {
		_ = opts.Artifacts.WriteRunResult(result)
		_ = opts.Artifacts.FlushChecksums()
	}
	opts.emit(ProgressEvent{Kind: ProgressRunCompleted, RunId: runId, Success: status == model.RunPassed, DurationMs: result.EndedAtMs - result.StartedAtMs})
	return result, resultErr
}

// RunScenario runs every step of s in order: build and spawn under
// policy, then for each step perform its action (with retries),
// observe, evaluate its assertions, and stop at the first step whose
// final attempt still fails — subsequent steps are recorded skipped.
func RunScenario(ctx context.Context, s *model.Scenario, opts Options) (*model.RunResult, *errtax.ErrorInfo) {
	runId := ids.NewRunId()
	startedAt := time.Now()
	cfg := s.Run

	p, rerr := resolvePolicy(cfg.Policy)
	if rerr != nil {
		return nil, rerr
	}

	if uint64(len(s.Steps)) > p.Budgets.MaxSteps {
		err := errtax.Timeout("scenario step count exceeds budgets.max_steps", map[string]any{
			"steps": len(s.Steps), "max_steps": p.Budgets.MaxSteps,
		})
		return errorResult(runId, startedAt, cfg, p, nil, nil, err), err
	}

	req := policy.RunRequest{Command: cfg.Command, Args: cfg.Args, Cwd: cfg.Cwd}
	if err := policy.ValidateRun(p, req); err != nil {
		return errorResult(runId, startedAt, cfg, p, nil, nil, err), err
	}

	if opts.Artifacts != nil {
		if err := opts.Artifacts.WritePolicy(p); err != nil {
			return nil, err
		}
		if err := opts.Artifacts.WriteScenario(s); err != nil {
			return nil, err
		}
	}
	opts.emit(ProgressEvent{Kind: ProgressRunStarted, RunId: runId, TotalSteps: len(s.Steps)})

	spawnCmd, spawnArgs, cleanup, err := buildSpawnCommand(p, runId, opts.Artifacts)
	if err != nil {
		return errorResult(runId, startedAt, cfg, p, nil, nil, err), err
	}
	defer cleanup.Close()

	sess, err := startSession(ctx, runId, spawnCmd, spawnArgs, cfg, p)
	if err != nil {
		return errorResult(runId, startedAt, cfg, p, nil, nil, err), err
	}
	defer sess.Close()

	var stepResults []model.StepResult
	var lastObs model.Observation
	var outputBytes uint64
	var firstErr *errtax.ErrorInfo
	overallStatus := model.RunPassed

	for i, step := range s.Steps {
		if remainingRuntime(startedAt, p.Budgets.MaxRuntimeMs) <= 0 {
			stepResults = append(stepResults, skippedStep(step))
			overallStatus = model.RunErrored
			if firstErr == nil {
				firstErr = withStepId(errtax.Timeout("budgets.max_runtime_ms exceeded before step started", nil), step.Id)
			}
			continue
		}
		if overallStatus != model.RunPassed {
			stepResults = append(stepResults, skippedStep(step))
			continue
		}

		opts.emit(ProgressEvent{Kind: ProgressStepStarted, RunId: runId, StepId: step.Id, Index: i, Name: step.Name})
		stepStart := time.Now()

		result, obs, serr := runStep(ctx, sess, step, p, &outputBytes)
		lastObs = obs
		if opts.Artifacts != nil {
			_ = opts.Artifacts.WriteSnapshot(obs.Screen)
			_ = opts.Artifacts.WriteEvent(obs)
		}

		result.StartedAtMs = uint64(stepStart.UnixMilli())
		result.EndedAtMs = uint64(time.Now().UnixMilli())
		stepResults = append(stepResults, result)

		if serr != nil {
			overallStatus = model.RunErrored
		} else if result.Status != model.StepPassed {
			overallStatus = model.RunFailed
		}
		if firstErr == nil && result.Error != nil {
			firstErr = result.Error
		}

		opts.emit(ProgressEvent{
			Kind: ProgressStepCompleted, RunId: runId, StepId: step.Id, Index: i, Name: step.Name,
			Success: result.Status == model.StepPassed, DurationMs: result.EndedAtMs - result.StartedAtMs,
		})
	}

	exitStatus, _ := sess.WaitForExit(50 * time.Millisecond)

	resultRec := &model.RunResult{
		RunResultVersion: model.RunResultVersion,
		ProtocolVersion:  model.ProtocolVersion,
		RunId:            runId,
		Status:           overallStatus,
		StartedAtMs:      uint64(startedAt.UnixMilli()),
		EndedAtMs:        uint64(time.Now().UnixMilli()),
		Command:          cfg.Command,
		Args:             cfg.Args,
		Cwd:              derefOr(cfg.Cwd, ""),
		Policy:           p,
		Scenario:         s,
		Steps:            stepResults,
		FinalObservation: &lastObs,
		ExitStatus:       exitStatus,
		Error:            firstErr,
	}
	if opts.Artifacts != nil {
		_ = opts.Artifacts.WriteRunResult(resultRec)
		_ = opts.Artifacts.FlushChecksums()
	}
	opts.emit(ProgressEvent{Kind: ProgressRunCompleted, RunId: runId, Success: overallStatus == model.RunPassed, DurationMs: resultRec.EndedAtMs - resultRec.StartedAtMs})
	return resultRec, firstErr
}

// runStep performs step.Action (retrying up to step.Retries times on
// failure), then evaluates every assertion in step.Assert against the
// resulting observation. The per-step output-bytes budget is checked
// after every attempt's observation, independent of retry outcome.
func runStep(ctx context.Context, sess *session.Session, step model.Step, p policy.Policy, outputBytes *uint64) (model.StepResult, model.Observation, *errtax.ErrorInfo) {
	result := model.StepResult{StepId: step.Id, Name: step.Name, Action: step.Action}
	var obs model.Observation
	var lastErr *errtax.ErrorInfo

	for attempt := uint32(0); attempt <= step.Retries; attempt++ {
		result.Attempts = attempt + 1
		var perr *errtax.ErrorInfo
		obs, perr = performAction(ctx, sess, step, p)
		lastErr = perr
		if perr != nil {
			continue
		}

		if obs.TranscriptDelta != nil {
			*outputBytes += uint64(len(*obs.TranscriptDelta))
			if *outputBytes > p.Budgets.MaxOutputBytes {
				result.Status = model.StepErrored
				result.Error = withStepId(errtax.Timeout("budgets.max_output_bytes exceeded", map[string]any{"output_bytes": *outputBytes}), step.Id)
				return result, obs, result.Error
			}
		}
		if snapBytes(obs.Screen) > p.Budgets.MaxSnapshotBytes {
			result.Status = model.StepErrored
			result.Error = withStepId(errtax.Timeout("budgets.max_snapshot_bytes exceeded", nil), step.Id)
			return result, obs, result.Error
		}

		allPassed := true
		assertions := make([]model.AssertionResult, 0, len(step.Assert))
		for _, a := range step.Assert {
			ar := evaluateAssertion(a, obs)
			assertions = append(assertions, ar)
			if !ar.Passed {
				allPassed = false
			}
		}
		result.Assertions = assertions
		if allPassed {
			result.Status = model.StepPassed
			return result, obs, nil
		}
		lastErr = nil // assertion failure is not a hard error, but may be retried
	}

	if lastErr != nil {
		result.Status = model.StepErrored
		result.Error = withStepId(lastErr, step.Id)
		return result, obs, result.Error
	}
	result.Status = model.StepFailed
	result.Error = errtax.AssertionFailed("step assertions did not pass", map[string]any{
		"step_id":     step.Id.String(),
		"assertions":  result.Assertions,
	})
	return result, obs, nil
}

// withStepId returns a copy of err with its context wrapped under
// {"step_id": id, "details": err.Context} so a step-level failure
// always identifies which step produced it, whatever the underlying
// check's own context already carried.
func withStepId(err *errtax.ErrorInfo, id ids.StepId) *errtax.ErrorInfo {
	if err == nil {
		return nil
	}
	return errtax.New(err.Code, err.Message, map[string]any{
		"step_id": id.String(),
		"details": err.Context,
	})
}

// performAction dispatches one step's action: wait polls
// waitForCondition; terminate signals the process group then takes a
// short settling observation; everything else is sent to the session
// and followed by an observation bounded by the step's timeout.
func performAction(ctx context.Context, sess *session.Session, step model.Step, p policy.Policy) (model.Observation, *errtax.ErrorInfo) {
	timeout := time.Duration(step.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 1 * time.Second
	}

	switch step.Action.Type {
	case model.ActionWait:
		var payload model.WaitPayload
		if err := json.Unmarshal(step.Action.Payload, &payload); err != nil {
			return model.Observation{}, errtax.Protocol("malformed wait action payload", map[string]any{"source": err.Error()})
		}
		return waitForCondition(sess, payload.Condition, p, timeout)

	case model.ActionTerminate:
		if err := sess.TerminateProcessGroup(100 * time.Millisecond); err != nil {
			return model.Observation{}, err
		}
		return sess.Observe(10*time.Millisecond, true)

	default:
		if err := sess.Send(step.Action); err != nil {
			return model.Observation{}, err
		}
		return sess.Observe(timeout, true)
	}
}

// waitForCondition polls the session's screen every 50ms until cond
// is satisfied or timeout (capped at budgets.max_wait_ms) elapses.
func waitForCondition(sess *session.Session, cond model.WaitCondition, p policy.Policy, timeout time.Duration) (model.Observation, *errtax.ErrorInfo) {
	maxWait := time.Duration(p.Budgets.MaxWaitMs) * time.Millisecond
	if timeout > maxWait {
		timeout = maxWait
	}
	deadline := time.Now().Add(timeout)

	var obs model.Observation
	for {
		var err *errtax.ErrorInfo
		obs, err = sess.Observe(50*time.Millisecond, true)
		if err != nil {
			return obs, err
		}
		if cond.Type == "process_exited" {
			if status, werr := sess.WaitForExit(0); werr == nil && status != nil {
				return obs, nil
			}
		} else if conditionSatisfied(cond, obs) {
			return obs, nil
		}
		if time.Now().After(deadline) {
			return obs, errtax.Timeout("wait condition not satisfied before deadline", map[string]any{"condition": cond.Type})
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func conditionSatisfied(cond model.WaitCondition, obs model.Observation) bool {
	a := model.Assertion{Type: cond.Type, Payload: cond.Payload}
	return evaluateAssertion(a, obs).Passed
}

func skippedStep(step model.Step) model.StepResult {
	return model.StepResult{StepId: step.Id, Name: step.Name, Status: model.StepSkipped, Action: step.Action}
}

func snapBytes(s model.ScreenSnapshot) uint64 {
	data, err := json.Marshal(s)
	if err != nil {
		return 0
	}
	return uint64(len(data))
}

// Spawn resolves and validates cfg's policy, wraps the command for
// the sandbox if required, and starts a session — the shared
// preamble RunExecWithOptions/RunScenario and the driver loop
// (internal/driver) all need before they can begin acting on a live
// session. The returned cleanup func removes any temp sandbox profile
// and must be called exactly once, however the caller exits.
func Spawn(ctx context.Context, cfg model.RunConfig, writer *artifacts.Writer) (*session.Session, policy.Policy, func(), *errtax.ErrorInfo) {
	p, rerr := resolvePolicy(cfg.Policy)
	if rerr != nil {
		return nil, policy.Policy{}, func() {}, rerr
	}

	req := policy.RunRequest{Command: cfg.Command, Args: cfg.Args, Cwd: cfg.Cwd}
	if err := policy.ValidateRun(p, req); err != nil {
		return nil, p, func() {}, err
	}

	runId := ids.NewRunId()
	spawnCmd, spawnArgs, cleanup, err := buildSpawnCommand(p, runId, writer)
	if err != nil {
		return nil, p, func() {}, err
	}
	cleanupFn := func() { _ = cleanup.Close() }

	sess, err := startSession(ctx, runId, spawnCmd, spawnArgs, cfg, p)
	if err != nil {
		cleanupFn()
		return nil, p, func() {}, err
	}
	return sess, p, cleanupFn, nil
}

// resolvePolicy dereferences a PolicyRef: the core never reads a
// policy file itself, so Path must already have been resolved to
// Inline by the CLI boundary before reaching the runner.
func resolvePolicy(ref model.PolicyRef) (policy.Policy, *errtax.ErrorInfo) {
	if ref.Inline != nil {
		return *ref.Inline, nil
	}
	return policy.Policy{}, errtax.Protocol("policy reference was not resolved to an inline policy before reaching the runner", map[string]any{"path": ref.Path})
}

// buildSpawnCommand wraps cfg.Command under sandbox-exec when
// p.Sandbox.Kind is seatbelt, writing the profile into the artifacts
// directory (kept for replay) when one is present, or a temp file
// (removed on cleanup) otherwise. SandboxDisabled returns a nil
// wrapper: the caller spawns the user's command directly.
func buildSpawnCommand(p policy.Policy, runId ids.RunId, writer *artifacts.Writer) (wrapCmd string, wrapArgs []string, cleanup *sandboxprofile.CleanupGuard, err *errtax.ErrorInfo) {
	if p.Sandbox.Kind != policy.SandboxSeatbelt {
		return "", nil, &sandboxprofile.CleanupGuard{Keep: true}, nil
	}

	var profilePath string
	keep := false
	if writer != nil {
		profilePath = filepath.Join(writer.Dir(), "sandbox.sb")
		keep = true
	} else {
		profilePath = filepath.Join(os.TempDir(), fmt.Sprintf("termbox-%s.sb", runId.String()))
	}

	if werr := sandboxprofile.WriteProfile(p, profilePath); werr != nil {
		return "", nil, nil, werr
	}
	if writer != nil {
		_ = writer.CopySandboxProfile()
	}
	return "/usr/bin/sandbox-exec", []string{"-f", profilePath}, &sandboxprofile.CleanupGuard{Path: profilePath, Keep: keep}, nil
}

// startSession builds the final command line (sandbox wrapper prefix,
// if any, followed by cfg.Command and cfg.Args) and starts the
// session.
func startSession(ctx context.Context, runId ids.RunId, wrapCmd string, wrapArgs []string, cfg model.RunConfig, p policy.Policy) (*session.Session, *errtax.ErrorInfo) {
	command := cfg.Command
	args := cfg.Args
	if wrapCmd != "" {
		command = wrapCmd
		args = append(append([]string{}, wrapArgs...), append([]string{cfg.Command}, cfg.Args...)...)
	}
	cwd := derefOr(cfg.Cwd, "")
	size := cfg.InitialSize
	if size.Rows == 0 || size.Cols == 0 {
		size = model.DefaultTerminalSize()
	}
	return session.Start(ctx, runId, session.Spawn{
		Command:     command,
		Args:        args,
		Cwd:         cwd,
		Env:         session.BuildEnv(p.Env),
		InitialSize: size,
	})
}

func remaining(startedAt time.Time, maxRuntimeMs uint64) time.Duration {
	d := remainingRuntime(startedAt, maxRuntimeMs)
	if d <= 0 {
		return 0
	}
	return d
}

func remainingRuntime(startedAt time.Time, maxRuntimeMs uint64) time.Duration {
	budget := time.Duration(maxRuntimeMs) * time.Millisecond
	elapsed := time.Since(startedAt)
	return budget - elapsed
}

func errorResult(runId ids.RunId, startedAt time.Time, cfg model.RunConfig, p policy.Policy, steps []model.StepResult, obs *model.Observation, err *errtax.ErrorInfo) *model.RunResult {
	now := time.Now()
	return &model.RunResult{
		RunResultVersion: model.RunResultVersion,
		ProtocolVersion:  model.ProtocolVersion,
		RunId:            runId,
		Status:           model.RunErrored,
		StartedAtMs:      uint64(startedAt.UnixMilli()),
		EndedAtMs:        uint64(now.UnixMilli()),
		Command:          cfg.Command,
		Args:             cfg.Args,
		Cwd:              derefOr(cfg.Cwd, ""),
		Policy:           p,
		Steps:            steps,
		FinalObservation: obs,
		Error:            err,
	}
}

func derefOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
