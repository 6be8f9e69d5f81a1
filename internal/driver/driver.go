// Package driver implements the NDJSON driver loop: one JSON object
// per line in, one per line out, each request dispatching one action
// against a single live session spawned at loop start.
package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/ehrlich-b/termbox/internal/artifacts"
	"github.com/ehrlich-b/termbox/internal/errtax"
	"github.com/ehrlich-b/termbox/internal/livefeed"
	"github.com/ehrlich-b/termbox/internal/model"
	"github.com/ehrlich-b/termbox/internal/policy"
	"github.com/ehrlich-b/termbox/internal/runner"
	"github.com/ehrlich-b/termbox/internal/session"
)

// Config configures one driver loop invocation.
type Config struct {
	Run       model.RunConfig
	Artifacts *artifacts.Writer
	// LiveFeed, if non-nil, receives a copy of every DriverResponseV2
	// as it is emitted — a read-only side channel with no bearing on
	// the NDJSON stdio contract.
	LiveFeed *livefeed.Hub
}

// Run spawns a session per cfg.Run and services requests read from r,
// one NDJSON line at a time, writing one NDJSON response line to w per
// request, until r is exhausted, a terminate action is processed, or
// ctx is canceled. It returns the final RunResult.
func Run(ctx context.Context, r io.Reader, w io.Writer, cfg Config) (*model.RunResult, *errtax.ErrorInfo) {
	startedAt := time.Now()

	sess, p, cleanup, err := runner.Spawn(ctx, cfg.Run, cfg.Artifacts)
	defer cleanup()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if cfg.Artifacts != nil {
		if werr := cfg.Artifacts.WritePolicy(p); werr != nil {
			return nil, werr
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	encoder := json.NewEncoder(w)

	var sequence uint64
	var lastObs *model.Observation
	terminated := false

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		sequence++

		lineCopy := append([]byte(nil), line...)
		resp, obs, isTerminate, fatal := handleRequest(sess, lineCopy, sequence, p, cfg.Artifacts)
		if obs != nil {
			lastObs = obs
		}
		if encErr := encoder.Encode(resp); encErr != nil {
			return nil, errtax.IO("failed to write driver response", encErr)
		}
		if cfg.LiveFeed != nil {
			if frame, mErr := json.Marshal(resp); mErr == nil {
				cfg.LiveFeed.Publish(frame)
			}
		}
		if fatal != nil {
			return nil, fatal
		}
		if isTerminate {
			terminated = true
			break
		}

		select {
		case <-ctx.Done():
			return nil, errtax.Timeout("driver loop canceled", nil)
		default:
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return nil, errtax.IO("failed to read driver request", scanErr)
	}

	exitStatus, _ := sess.WaitForExit(50 * time.Millisecond)
	status := model.RunPassed
	if exitStatus == nil || !exitStatus.Success {
		status = model.RunFailed
	}
	if terminated {
		status = model.RunCanceled
	}

	result := &model.RunResult{
		RunResultVersion: model.RunResultVersion,
		ProtocolVersion:  model.ProtocolVersion,
		RunId:            sess.RunId,
		Status:           status,
		StartedAtMs:      uint64(startedAt.UnixMilli()),
		EndedAtMs:        uint64(time.Now().UnixMilli()),
		Command:          cfg.Run.Command,
		Args:             cfg.Run.Args,
		Policy:           p,
		FinalObservation: lastObs,
		ExitStatus:       exitStatus,
	}
	if cfg.Artifacts != nil {
		_ = cfg.Artifacts.WriteRunResult(result)
		_ = cfg.Artifacts.FlushChecksums()
	}
	return result, nil
}

// handleRequest decodes and services one request line, returning the
// response to emit, the observation produced (if any — for
// RunResult's final_observation and artifact recording), whether this
// request was a terminate action (the loop breaks after emitting its
// response), and a non-nil fatal error only for conditions that must
// end the whole loop after their one error response (a malformed
// request or a protocol_version mismatch). A failed action is
// reported back as an error response rather than ending the loop, so
// one bad action doesn't kill an otherwise-healthy session.
func handleRequest(sess *session.Session, line []byte, sequence uint64, p policy.Policy, writer *artifacts.Writer) (resp model.DriverResponseV2, obsOut *model.Observation, isTerminate bool, fatal *errtax.ErrorInfo) {
	var req model.DriverRequestV2
	if err := json.Unmarshal(line, &req); err != nil {
		malformed := errtax.Protocol("malformed driver request", map[string]any{"source": err.Error()})
		return errorResponse("", malformed), nil, false, malformed
	}

	if req.ProtocolVersion != model.ProtocolVersion {
		mismatch := errtax.ProtocolVersionMismatch("driver request protocol_version mismatch", map[string]any{
			"got": req.ProtocolVersion, "want": model.ProtocolVersion,
		})
		return errorResponse(req.RequestId, mismatch), nil, false, mismatch
	}

	isTerminate = req.Action.Type == model.ActionTerminate

	timeout := 50 * time.Millisecond
	if req.TimeoutMs != nil {
		timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}
	maxWait := time.Duration(p.Budgets.MaxWaitMs) * time.Millisecond
	if timeout > maxWait {
		timeout = maxWait
	}

	started := time.Now()
	var obs model.Observation
	var actionErr *errtax.ErrorInfo

	if isTerminate {
		actionErr = sess.TerminateProcessGroup(100 * time.Millisecond)
		if actionErr == nil {
			obs, actionErr = sess.Observe(10*time.Millisecond, true)
		}
	} else if sendErr := sess.Send(req.Action); sendErr != nil {
		actionErr = sendErr
	} else {
		obs, actionErr = sess.Observe(timeout, true)
	}
	ended := time.Now()

	if writer != nil {
		record := model.DriverActionRecord{
			Sequence: sequence, RequestId: req.RequestId, Action: req.Action,
			TimeoutMs:   uint64(timeout.Milliseconds()),
			StartedAtMs: uint64(started.UnixMilli()), EndedAtMs: uint64(ended.UnixMilli()),
		}
		_ = writer.WriteDriverAction(record)
		if actionErr == nil {
			_ = writer.WriteEvent(obs)
			_ = writer.WriteSnapshot(obs.Screen)
		}
	}

	if actionErr != nil {
		return errorResponse(req.RequestId, actionErr), nil, isTerminate, nil
	}

	resp = model.DriverResponseV2{
		ProtocolVersion: model.ProtocolVersion,
		RequestId:       req.RequestId,
		Status:          model.DriverOk,
		Observation:     &obs,
		ActionMetrics:   &model.DriverActionMetrics{Sequence: sequence, DurationMs: uint64(ended.Sub(started).Milliseconds())},
	}
	return resp, &obs, isTerminate, nil
}

func errorResponse(requestId string, err *errtax.ErrorInfo) model.DriverResponseV2 {
	return model.DriverResponseV2{
		ProtocolVersion: model.ProtocolVersion,
		RequestId:       requestId,
		Status:          model.DriverError,
		Error:           err,
	}
}
