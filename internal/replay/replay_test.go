package replay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ehrlich-b/termbox/internal/errtax"
	"github.com/ehrlich-b/termbox/internal/model"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll(%s) = %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) = %v", path, err)
	}
}

// identicalRunDirs seeds originalDir and replayDir with matching
// run.json and one matching snapshot each, differing only in the
// fields every filter set strips (run_id, timestamps).
func identicalRunDirs(t *testing.T) (originalDir, replayDir string) {
	t.Helper()
	originalDir = t.TempDir()
	replayDir = t.TempDir()
	writeFile(t, originalDir, "run.json", `{"run_id":"aaaa","started_at_ms":1,"ended_at_ms":2,"status":"passed"}`)
	writeFile(t, replayDir, "run.json", `{"run_id":"bbbb","started_at_ms":10,"ended_at_ms":20,"status":"passed"}`)
	writeFile(t, originalDir, "snapshots/000001.json", `{"snapshot_id":"s1","lines":["hello"]}`)
	writeFile(t, replayDir, "snapshots/000001.json", `{"snapshot_id":"s2","lines":["hello"]}`)
	return originalDir, replayDir
}

func TestCompareIdenticalRunsPass(t *testing.T) {
	originalDir, replayDir := identicalRunDirs(t)
	settings := model.NormalizationRecord{NormalizationVersion: model.NormalizationVersion, Strict: false, Filters: DefaultFilters()}

	report, err := Compare(originalDir, replayDir, settings)
	if err != nil {
		t.Fatalf("Compare() error = %v, want nil", err)
	}
	if !report.Passed() {
		t.Fatalf("report.Passed() = false, mismatches = %+v", report.Mismatches)
	}
}

// TestCompareNonStrictCorruptionStillMismatchErrors is the regression
// test for spec.md §9 Scenario 5: a replay snapshot corrupted in a
// field no filter strips must raise E_REPLAY_MISMATCH even when
// Strict is false. Before this fix Compare only raised the error when
// settings.Strict was true, so the scenario run exactly as spec.md
// describes it (no --strict) would exit 0 with a "failed" Report
// instead of the mandated exit 11.
func TestCompareNonStrictCorruptionStillMismatchErrors(t *testing.T) {
	originalDir, replayDir := identicalRunDirs(t)
	writeFile(t, replayDir, "snapshots/000001.json", `{"snapshot_id":"s2","lines":["goodbye"]}`)
	settings := model.NormalizationRecord{NormalizationVersion: model.NormalizationVersion, Strict: false, Filters: DefaultFilters()}

	report, err := Compare(originalDir, replayDir, settings)
	if err == nil || err.Code != errtax.CodeReplayMismatch {
		t.Fatalf("Compare() error = %v, want E_REPLAY_MISMATCH even without strict", err)
	}
	if errtax.ExitCode(err.Code) != 11 {
		t.Errorf("ExitCode = %d, want 11", errtax.ExitCode(err.Code))
	}
	if report.Passed() {
		t.Fatalf("report.Passed() = true, want a recorded mismatch")
	}
	paths, ok := err.Context["paths"].([]string)
	if !ok || len(paths) == 0 {
		t.Fatalf("context.paths = %v, want a non-empty []string", err.Context["paths"])
	}
	found := false
	for _, p := range paths {
		if p == filepath.Join("snapshots", "000001.json") {
			found = true
		}
	}
	if !found {
		t.Errorf("context.paths = %v, want it to name the corrupted snapshot", paths)
	}
}

// TestCompareStrictAndNonStrictAgreeOnMismatch confirms Strict no
// longer changes whether a mismatch is an error, only (potentially)
// which fields get normalized away first.
func TestCompareStrictAndNonStrictAgreeOnMismatch(t *testing.T) {
	originalDir, replayDir := identicalRunDirs(t)
	writeFile(t, replayDir, "snapshots/000001.json", `{"snapshot_id":"s2","lines":["goodbye"]}`)

	nonStrict := model.NormalizationRecord{NormalizationVersion: model.NormalizationVersion, Strict: false, Filters: DefaultFilters()}
	strict := model.NormalizationRecord{NormalizationVersion: model.NormalizationVersion, Strict: true, Filters: DefaultFilters()}

	_, errNonStrict := Compare(originalDir, replayDir, nonStrict)
	_, errStrict := Compare(originalDir, replayDir, strict)
	if errNonStrict == nil || errStrict == nil {
		t.Fatalf("expected both comparisons to report E_REPLAY_MISMATCH, got nonStrict=%v strict=%v", errNonStrict, errStrict)
	}
	if errNonStrict.Code != errStrict.Code {
		t.Errorf("nonStrict.Code = %s, strict.Code = %s, want equal", errNonStrict.Code, errStrict.Code)
	}
}

func TestCompareMissingSnapshotInReplay(t *testing.T) {
	originalDir := t.TempDir()
	replayDir := t.TempDir()
	writeFile(t, originalDir, "run.json", `{"run_id":"aaaa","status":"passed"}`)
	writeFile(t, replayDir, "run.json", `{"run_id":"bbbb","status":"passed"}`)
	writeFile(t, originalDir, "snapshots/000001.json", `{"snapshot_id":"s1","lines":["hello"]}`)

	settings := model.NormalizationRecord{NormalizationVersion: model.NormalizationVersion, Filters: DefaultFilters()}
	report, err := Compare(originalDir, replayDir, settings)
	if err == nil || err.Code != errtax.CodeReplayMismatch {
		t.Fatalf("Compare() error = %v, want E_REPLAY_MISMATCH", err)
	}
	if len(report.Mismatches) != 1 || report.Mismatches[0].Kind != "missing_in_replay" {
		t.Fatalf("Mismatches = %+v, want a single missing_in_replay entry", report.Mismatches)
	}
}
