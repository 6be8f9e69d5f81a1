// Package session owns one PTY-backed child process: the master file
// handle, the emulator behind it, and the process group the child
// leads, with guaranteed best-effort cleanup on every exit path.
package session

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/termbox/internal/errtax"
	"github.com/ehrlich-b/termbox/internal/ids"
	"github.com/ehrlich-b/termbox/internal/model"
	"github.com/ehrlich-b/termbox/internal/policy"
	"github.com/ehrlich-b/termbox/internal/term"
)

// Spawn is everything needed to start one session.
type Spawn struct {
	Command     string
	Args        []string
	Cwd         string
	Env         []string
	InitialSize model.TerminalSize
}

// Session owns the PTY master, the child process, and the emulator.
// The emulator lives behind a mutex so terminate-on-close paths can
// still flush observations.
type Session struct {
	RunId     ids.RunId
	SessionId ids.SessionId

	ptmx    *os.File
	cmd     *exec.Cmd
	emuMu   sync.Mutex
	emu     *term.Emulator
	started time.Time

	size model.TerminalSize

	waitOnce sync.Once
	waitCh   chan struct{}
	waitErr  error

	// pending holds bytes read but not yet decoded because they form
	// an incomplete trailing UTF-8 sequence at the end of a read
	// boundary (a single rune can legitimately arrive split across
	// two non-blocking reads). Prepended to the next Observe's bytes
	// before decoding.
	pending []byte
}

// Start opens a PTY at spawn.InitialSize and spawns spawn.Command,
// placing it in its own session and process group (Setsid) so that
// terminate_process_group can always target the group via a
// signed-cast PID → PGID, matching spec.md §4.F.
func Start(ctx context.Context, runId ids.RunId, spawn Spawn) (*Session, *errtax.ErrorInfo) {
	cmd := exec.CommandContext(ctx, spawn.Command, spawn.Args...)
	cmd.Env = spawn.Env
	if spawn.Cwd != "" {
		cmd.Dir = spawn.Cwd
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	winsize := &pty.Winsize{Rows: spawn.InitialSize.Rows, Cols: spawn.InitialSize.Cols}
	ptmx, err := pty.StartWithSize(cmd, winsize)
	if err != nil {
		return nil, errtax.IO("failed to start pty", err)
	}
	if err := setNonblocking(ptmx); err != nil {
		_ = ptmx.Close()
		return nil, errtax.IO("failed to set pty non-blocking", err)
	}

	return &Session{
		RunId:     runId,
		SessionId: ids.NewSessionId(),
		ptmx:      ptmx,
		cmd:       cmd,
		emu:       term.New(spawn.InitialSize),
		started:   time.Now(),
		size:      spawn.InitialSize,
		waitCh:    make(chan struct{}),
	}, nil
}

// startWait launches exactly one background goroutine that calls
// cmd.Wait() exactly once (os/exec forbids calling it twice) and
// closes waitCh when it returns, so every caller of WaitForExit —
// including the two calls TerminateProcessGroup makes, before and
// after SIGKILL — can observe the same outcome.
func (s *Session) startWait() {
	s.waitOnce.Do(func() {
		go func() {
			s.waitErr = s.cmd.Wait()
			close(s.waitCh)
		}()
	})
}

// BuildEnv computes the child's environment from an EnvPolicy and the
// harness's own environment, delegating to policy.ApplyEnvPolicy.
func BuildEnv(ep policy.EnvPolicy) []string {
	return policy.ApplyEnvPolicy(ep, os.Environ())
}

func setNonblocking(f *os.File) error {
	return unix.SetNonblock(int(f.Fd()), true)
}

// keyMap is the closed set of symbolic key names mapped to VT byte
// sequences.
var keyMap = map[string]string{
	"Enter":     "\r",
	"Tab":       "\t",
	"Escape":    "\x1b",
	"Backspace": "\x7f",
	"ArrowUp":   "\x1b[A",
	"ArrowDown": "\x1b[B",
	"ArrowRight": "\x1b[C",
	"ArrowLeft": "\x1b[D",
	"Delete":    "\x1b[3~",
	"Home":      "\x1b[H",
	"End":       "\x1b[F",
	"PageUp":    "\x1b[5~",
	"PageDown":  "\x1b[6~",
}

// Send dispatches one Action into the session. wait is a no-op here:
// the scenario runner handles it before Send is called, while the
// driver loop passes it through, so in driver mode a wait only
// observes for the request's timeout and its condition is not
// evaluated.
func (s *Session) Send(action model.Action) *errtax.ErrorInfo {
	switch action.Type {
	case model.ActionText:
		var payload model.TextPayload
		if err := unmarshalPayload(action.Payload, &payload); err != nil {
			return err
		}
		return s.write([]byte(payload.Text))
	case model.ActionKey:
		var payload model.KeyPayload
		if err := unmarshalPayload(action.Payload, &payload); err != nil {
			return err
		}
		bytes, err := keyBytes(payload.Key)
		if err != nil {
			return err
		}
		return s.write(bytes)
	case model.ActionResize:
		var payload model.ResizePayload
		if err := unmarshalPayload(action.Payload, &payload); err != nil {
			return err
		}
		return s.Resize(model.TerminalSize{Rows: payload.Rows, Cols: payload.Cols})
	case model.ActionWait:
		return nil
	case model.ActionTerminate:
		return s.TerminateProcessGroup(100 * time.Millisecond)
	default:
		return errtax.Protocol("unknown action type", map[string]any{"type": action.Type})
	}
}

func keyBytes(key string) ([]byte, *errtax.ErrorInfo) {
	if seq, ok := keyMap[key]; ok {
		return []byte(seq), nil
	}
	runes := []rune(key)
	if len(runes) == 1 {
		return []byte(string(runes[0])), nil
	}
	return nil, errtax.Protocol("unrecognised key name", map[string]any{"key": key})
}

func (s *Session) write(b []byte) *errtax.ErrorInfo {
	if _, err := s.ptmx.Write(b); err != nil {
		return errtax.IO("failed to write to pty", err)
	}
	return nil
}

// Resize resizes both the PTY and the emulator.
func (s *Session) Resize(size model.TerminalSize) *errtax.ErrorInfo {
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: size.Rows, Cols: size.Cols}); err != nil {
		return errtax.IO("failed to resize pty", err)
	}
	s.emuMu.Lock()
	s.emu.Resize(size)
	s.size = size
	s.emuMu.Unlock()
	return nil
}

// Observe drains readable bytes until deadline elapses or a read
// would block with no new data, feeds them to the emulator, and
// returns a fresh Observation. includeCells controls whether the
// snapshot carries a per-cell matrix.
func (s *Session) Observe(timeout time.Duration, includeCells bool) (model.Observation, *errtax.ErrorInfo) {
	deadline := time.Now().Add(timeout)
	var transcript []byte
	buf := make([]byte, 64*1024)

	for time.Now().Before(deadline) || len(transcript) == 0 {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			transcript = append(transcript, buf[:n]...)
			continue
		}
		if err != nil {
			if isWouldBlock(err) {
				if time.Now().After(deadline) {
					break
				}
				time.Sleep(time.Millisecond)
				continue
			}
			// EOF or hard error: child closed its end.
			break
		}
		break
	}

	var delta *string
	if len(transcript) > 0 || len(s.pending) > 0 {
		combined := append(s.pending, transcript...)
		s.pending = nil
		decodable, incomplete := splitTrailingIncompleteRune(combined)
		// Invalid bytes ahead of the trailing incomplete sequence
		// cannot be a rune split across the read boundary, so they
		// are reported as E_TERMINAL_PARSE immediately.
		if !utf8.Valid(decodable) {
			valid := 0
			for r, size := utf8.DecodeRune(decodable); r != utf8.RuneError || size > 1; r, size = utf8.DecodeRune(decodable[valid:]) {
				valid += size
			}
			return model.Observation{}, errtax.TerminalParse("invalid UTF-8 in pty output", map[string]any{
				"valid_prefix_len": valid,
			})
		}
		// A trailing incomplete sequence is kept for the next read.
		s.pending = incomplete
		if len(decodable) > 0 {
			text := string(decodable)
			delta = &text
			s.emuMu.Lock()
			_ = s.emu.ProcessBytes(decodable)
			s.emuMu.Unlock()
		}
	}

	s.emuMu.Lock()
	snapshot := s.emu.Snapshot(includeCells)
	s.emuMu.Unlock()

	return model.Observation{
		ProtocolVersion: model.ProtocolVersion,
		RunId:           s.RunId,
		SessionId:       s.SessionId,
		TimestampMs:     uint64(time.Since(s.started).Milliseconds()),
		Screen:          snapshot,
		TranscriptDelta: delta,
		Events:          []model.Event{},
	}, nil
}

func isWouldBlock(err error) bool {
	return strings.Contains(err.Error(), "resource temporarily unavailable") ||
		strings.Contains(err.Error(), "would block")
}

// splitTrailingIncompleteRune scans b for invalid UTF-8. A run of
// invalid bytes strictly at the very end of b that is short enough to
// still be an in-progress multi-byte sequence is returned separately
// as the "incomplete" suffix (to retry once more data arrives);
// anything earlier that is invalid is left attached to decodable so
// the caller reports it immediately.
func splitTrailingIncompleteRune(b []byte) (decodable, incomplete []byte) {
	if len(b) == 0 || utf8.Valid(b) {
		return b, nil
	}
	n := 0
	for n < len(b) {
		r, size := utf8.DecodeRune(b[n:])
		if r == utf8.RuneError && size == 1 {
			if utf8.RuneStart(b[n]) && len(b)-n <= utf8.UTFMax && !utf8.FullRune(b[n:]) {
				return b[:n], b[n:]
			}
			return b, nil
		}
		n += size
	}
	return b, nil
}

// WaitForExit polls the child's exit status until it is available or
// timeout elapses, sleeping <=10ms between polls.
func (s *Session) WaitForExit(timeout time.Duration) (*model.ExitStatus, *errtax.ErrorInfo) {
	s.startWait()
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			select {
			case <-s.waitCh:
				return exitStatusFromError(s.waitErr, false), nil
			default:
				return nil, errtax.Timeout("process did not exit before deadline", nil)
			}
		}
		wait := remaining
		if wait > 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		select {
		case <-s.waitCh:
			return exitStatusFromError(s.waitErr, false), nil
		case <-time.After(wait):
		}
	}
}

func exitStatusFromError(err error, terminated bool) *model.ExitStatus {
	if err == nil {
		code := 0
		return &model.ExitStatus{Success: true, ExitCode: &code, TerminatedByHarness: terminated}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				sig := int(status.Signal())
				return &model.ExitStatus{Success: false, Signal: &sig, TerminatedByHarness: terminated}
			}
			code := status.ExitStatus()
			return &model.ExitStatus{Success: code == 0, ExitCode: &code, TerminatedByHarness: terminated}
		}
	}
	return &model.ExitStatus{Success: false, TerminatedByHarness: terminated}
}

// TerminateProcessGroup sends SIGTERM to the child's process group
// (the signed-cast PID, since Start sets Setsid so PID==PGID), waits
// up to grace, then SIGKILL and waits a further short period. A
// missing process group (ESRCH) is treated as success.
func (s *Session) TerminateProcessGroup(grace time.Duration) *errtax.ErrorInfo {
	pgid := -s.cmd.Process.Pid
	if err := unix.Kill(pgid, syscall.SIGTERM); err != nil && err != unix.ESRCH {
		return errtax.IO("failed to send SIGTERM to process group", err)
	}
	status, _ := s.WaitForExit(grace)
	if status != nil {
		return nil
	}
	if err := unix.Kill(pgid, syscall.SIGKILL); err != nil && err != unix.ESRCH {
		return errtax.IO("failed to send SIGKILL to process group", err)
	}
	_, _ = s.WaitForExit(50 * time.Millisecond)
	return nil
}

// Close implements the cleanup contract: best-effort SIGTERM, wait up
// to 100ms, SIGKILL, close the PTY master and the emulator. All errors
// are swallowed, since a cleanup path cannot itself fail outward.
// Callers that need controlled shutdown with error reporting must call
// TerminateProcessGroup explicitly first.
func (s *Session) Close() error {
	_ = s.TerminateProcessGroup(100 * time.Millisecond)
	_ = s.ptmx.Close()
	s.emuMu.Lock()
	_ = s.emu.Close()
	s.emuMu.Unlock()
	return nil
}

func unmarshalPayload(raw []byte, v any) *errtax.ErrorInfo {
	if err := json.Unmarshal(raw, v); err != nil {
		return errtax.Protocol("malformed action payload", map[string]any{"source": err.Error()})
	}
	return nil
}
