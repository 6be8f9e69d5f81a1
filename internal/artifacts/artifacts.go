// Package artifacts implements the write-once artifact directory
// contract: policy/scenario/run-result JSON, a transcript log, a
// six-digit-numbered snapshot series, an event/driver-action NDJSON
// stream, normalization metadata, and an FNV-1a 64 checksum map.
package artifacts

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/ehrlich-b/termbox/internal/errtax"
	"github.com/ehrlich-b/termbox/internal/model"
	"github.com/ehrlich-b/termbox/internal/policy"
)

// Config is what Writer needs to open (or refuse to open) a directory.
type Config struct {
	Dir       string
	Overwrite bool
}

// Writer owns the append-only file handles for one run's artifact
// directory. Checksums accumulate in memory and are flushed to
// checksums.json by FlushChecksums, which may be called more than
// once idempotently (the last call wins and produces the same
// content provided no further artifact was written in between).
type Writer struct {
	dir           string
	transcript    *os.File
	events        *os.File
	driverActions *os.File
	snapshotCount int
	checksums     map[string]string
	strongSums    map[string]string
}

// New opens dir, refusing with E_POLICY_DENIED if it already exists
// and Overwrite is false (checked before any write), creating it and
// transcript.log otherwise.
func New(cfg Config) (*Writer, *errtax.ErrorInfo) {
	if _, err := os.Stat(cfg.Dir); err == nil {
		if !cfg.Overwrite {
			return nil, errtax.PolicyDenied("artifacts directory exists and overwrite is disabled", map[string]any{
				"dir": cfg.Dir,
			})
		}
	} else if !os.IsNotExist(err) {
		return nil, errtax.IO("failed to stat artifacts dir", err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errtax.IO("failed to create artifacts dir", err)
	}
	transcript, err := os.Create(filepath.Join(cfg.Dir, "transcript.log"))
	if err != nil {
		return nil, errtax.IO("failed to create transcript", err)
	}
	events, err := os.Create(filepath.Join(cfg.Dir, "events.jsonl"))
	if err != nil {
		return nil, errtax.IO("failed to create events log", err)
	}
	return &Writer{
		dir:        cfg.Dir,
		transcript: transcript,
		events:     events,
		checksums:  map[string]string{},
		strongSums: map[string]string{},
	}, nil
}

// Dir returns the artifact directory path.
func (w *Writer) Dir() string { return w.dir }

// WritePolicy writes policy.json.
func (w *Writer) WritePolicy(p policy.Policy) *errtax.ErrorInfo {
	return w.writeJSON("policy.json", p)
}

// WriteScenario writes scenario.json.
func (w *Writer) WriteScenario(s *model.Scenario) *errtax.ErrorInfo {
	return w.writeJSON("scenario.json", s)
}

// WriteRunResult writes run.json.
func (w *Writer) WriteRunResult(r *model.RunResult) *errtax.ErrorInfo {
	return w.writeJSON("run.json", r)
}

// WriteNormalization writes normalization.json.
func (w *Writer) WriteNormalization(rec model.NormalizationRecord) *errtax.ErrorInfo {
	return w.writeJSON("normalization.json", rec)
}

// WriteSnapshot writes the next snapshots/NNNNNN.json, snapshots being
// numbered monotonically from 1 with a six-digit zero-padded sequence.
func (w *Writer) WriteSnapshot(snap model.ScreenSnapshot) *errtax.ErrorInfo {
	w.snapshotCount++
	name := fmt.Sprintf("snapshots/%06d.json", w.snapshotCount)
	return w.writeJSON(name, snap)
}

// WriteTranscript appends delta, raw UTF-8, to transcript.log, and
// updates its checksum entry to reflect the file's new total content.
func (w *Writer) WriteTranscript(delta string) *errtax.ErrorInfo {
	if _, err := w.transcript.WriteString(delta); err != nil {
		return errtax.IO("failed to write transcript", err)
	}
	return w.recomputeChecksum("transcript.log")
}

// WriteEvent appends one Observation as a line of events.jsonl.
func (w *Writer) WriteEvent(obs model.Observation) *errtax.ErrorInfo {
	line, err := json.Marshal(obs)
	if err != nil {
		return errtax.IO("failed to encode event", err)
	}
	if _, err := w.events.Write(append(line, '\n')); err != nil {
		return errtax.IO("failed to write event", err)
	}
	return w.recomputeChecksum("events.jsonl")
}

// WriteDriverAction appends one line to driver-actions.jsonl,
// created lazily on first use (only driver mode writes this file).
func (w *Writer) WriteDriverAction(rec model.DriverActionRecord) *errtax.ErrorInfo {
	if w.driverActions == nil {
		f, err := os.Create(filepath.Join(w.dir, "driver-actions.jsonl"))
		if err != nil {
			return errtax.IO("failed to create driver-actions log", err)
		}
		w.driverActions = f
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return errtax.IO("failed to encode driver action", err)
	}
	if _, err := w.driverActions.Write(append(line, '\n')); err != nil {
		return errtax.IO("failed to write driver action", err)
	}
	return w.recomputeChecksum("driver-actions.jsonl")
}

// CopySandboxProfile records sandbox.sb's checksum after the sandbox
// profile emitter has written it directly into this directory (the
// profile is present iff sandbox=seatbelt and artifacts are enabled).
func (w *Writer) CopySandboxProfile() *errtax.ErrorInfo {
	path := filepath.Join(w.dir, "sandbox.sb")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return w.recomputeChecksum("sandbox.sb")
}

func (w *Writer) writeJSON(relPath string, value any) *errtax.ErrorInfo {
	path := filepath.Join(w.dir, relPath)
	if parent := filepath.Dir(path); parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return errtax.IO("failed to create artifacts dir", err)
		}
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errtax.New(errtax.CodeProtocol, "failed to serialize artifact", map[string]any{"source": err.Error()})
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errtax.IO("failed to write artifact", err)
	}
	return w.recomputeChecksum(relPath)
}

func (w *Writer) recomputeChecksum(relPath string) *errtax.ErrorInfo {
	data, err := os.ReadFile(filepath.Join(w.dir, relPath))
	if err != nil {
		return errtax.IO("failed to read artifact for checksum", err)
	}
	w.checksums[relPath] = FNV1a64Hex(data)
	sum := blake2b.Sum256(data)
	w.strongSums[relPath] = hex.EncodeToString(sum[:])
	return nil
}

// FlushChecksums writes checksums.json (the contractual FNV-1a 64 map)
// from the in-memory map, plus checksums_strong.json, an additive
// blake2b-256 side file for callers that want collision-resistant
// verification beyond the wire format's own checksum. Idempotent:
// calling it twice with no intervening write produces the same
// content, since it overwrites rather than appends.
func (w *Writer) FlushChecksums() *errtax.ErrorInfo {
	if err := writeSortedMap(filepath.Join(w.dir, "checksums.json"), w.checksums); err != nil {
		return err
	}
	return writeSortedMap(filepath.Join(w.dir, "checksums_strong.json"), w.strongSums)
}

func writeSortedMap(path string, m map[string]string) *errtax.ErrorInfo {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	ordered := make(map[string]string, len(names))
	for _, name := range names {
		ordered[name] = m[name]
	}
	data, err := json.MarshalIndent(ordered, "", "  ")
	if err != nil {
		return errtax.New(errtax.CodeProtocol, "failed to serialize checksum map", map[string]any{"source": err.Error()})
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errtax.IO("failed to write checksum map", err)
	}
	return nil
}

// Close closes the transcript/events/driver-actions file handles.
// Checksums are not flushed here; callers must call FlushChecksums
// explicitly at end-of-run, matching the reference's explicit
// flush_checksums() call rather than an implicit Drop-time flush.
func (w *Writer) Close() error {
	_ = w.transcript.Close()
	_ = w.events.Close()
	if w.driverActions != nil {
		_ = w.driverActions.Close()
	}
	return nil
}

// FNV1a64Hex computes the FNV-1a 64 hash of data via the standard
// library's hash/fnv implementation, rendered as exactly sixteen
// lowercase hex digits.
func FNV1a64Hex(data []byte) string {
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// VerifyChecksums recomputes every entry in checksums.json under dir
// and reports each mismatch (or "missing" when the file no longer
// exists).
func VerifyChecksums(dir string) (map[string]error, *errtax.ErrorInfo) {
	data, err := os.ReadFile(filepath.Join(dir, "checksums.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errtax.New(errtax.CodeIO, "checksums.json missing", map[string]any{"dir": dir})
		}
		return nil, errtax.IO("failed to read checksums.json", err)
	}
	var recorded map[string]string
	if err := json.Unmarshal(data, &recorded); err != nil {
		return nil, errtax.New(errtax.CodeProtocol, "failed to parse checksums.json", map[string]any{"source": err.Error()})
	}
	results := map[string]error{}
	for relPath, want := range recorded {
		content, err := os.ReadFile(filepath.Join(dir, relPath))
		if err != nil {
			results[relPath] = fmt.Errorf("missing")
			continue
		}
		got := FNV1a64Hex(content)
		if got != want {
			results[relPath] = fmt.Errorf("checksum mismatch: want %s got %s", want, got)
		}
	}
	return results, nil
}
