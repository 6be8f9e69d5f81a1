package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ehrlich-b/termbox/internal/model"
)

// Record is one row of the run index.
type Record struct {
	RunId        string
	Command      string
	Args         []string
	Status       model.RunStatus
	StartedAtMs  uint64
	EndedAtMs    uint64
	ArtifactsDir string
}

// RecordRun inserts or replaces the index row for result, recording
// artifactsDir ("" if artifacts were not written for this run).
func (s *Store) RecordRun(result *model.RunResult, artifactsDir string) error {
	args, err := json.Marshal(result.Args)
	if err != nil {
		return fmt.Errorf("history: encode args: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO runs (run_id, command, args, status, started_at_ms, ended_at_ms, artifacts_dir)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		result.RunId.String(), result.Command, string(args), string(result.Status),
		result.StartedAtMs, result.EndedAtMs, artifactsDir,
	)
	if err != nil {
		return fmt.Errorf("history: insert run: %w", err)
	}
	return nil
}

// GetRun looks up one run by id.
func (s *Store) GetRun(runId string) (*Record, error) {
	row := s.db.QueryRow(
		`SELECT run_id, command, args, status, started_at_ms, ended_at_ms, artifacts_dir FROM runs WHERE run_id = ?`,
		runId,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// LatestRun returns the most recently started run, or nil if the
// index is empty.
func (s *Store) LatestRun() (*Record, error) {
	row := s.db.QueryRow(
		`SELECT run_id, command, args, status, started_at_ms, ended_at_ms, artifacts_dir
		 FROM runs ORDER BY started_at_ms DESC LIMIT 1`,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// ListRuns returns at most limit runs from the index, most recent first.
func (s *Store) ListRuns(limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT run_id, command, args, status, started_at_ms, ended_at_ms, artifacts_dir
		 FROM runs ORDER BY started_at_ms DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var argsJSON, status, artifactsDir sql.NullString
		if err := rows.Scan(&r.RunId, &r.Command, &argsJSON, &status, &r.StartedAtMs, &r.EndedAtMs, &artifactsDir); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		if argsJSON.Valid {
			_ = json.Unmarshal([]byte(argsJSON.String), &r.Args)
		}
		r.Status = model.RunStatus(status.String)
		r.ArtifactsDir = artifactsDir.String
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var argsJSON, status, artifactsDir sql.NullString
	if err := row.Scan(&r.RunId, &r.Command, &argsJSON, &status, &r.StartedAtMs, &r.EndedAtMs, &artifactsDir); err != nil {
		return nil, err
	}
	if argsJSON.Valid {
		_ = json.Unmarshal([]byte(argsJSON.String), &r.Args)
	}
	r.Status = model.RunStatus(status.String)
	r.ArtifactsDir = artifactsDir.String
	return &r, nil
}
