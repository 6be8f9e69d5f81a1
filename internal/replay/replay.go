// Package replay implements deterministic comparison between two
// artifact directories produced by the same scenario/policy: resolve
// the effective normalization settings, strip or rewrite the fields
// that are legitimately nondeterministic between runs, and diff what
// remains.
package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/ehrlich-b/termbox/internal/errtax"
	"github.com/ehrlich-b/termbox/internal/model"
	"github.com/ehrlich-b/termbox/internal/policy"
)

// DefaultFilters is the normalization filter set applied when neither
// the CLI nor the policy names one explicitly.
func DefaultFilters() []model.NormalizationFilter {
	return []model.NormalizationFilter{
		model.FilterSnapshotId,
		model.FilterRunId,
		model.FilterRunTimestamps,
		model.FilterStepTimestamps,
		model.FilterObservationTimestamp,
		model.FilterSessionId,
	}
}

// ResolveSettings implements the settings-resolution precedence: CLI
// strict, then CLI filters, then policy strict, then policy filters,
// then the default filter set. A strict setting that wins compares
// with no filters and no rewrite rules at all; CLI filters outrank a
// strict setting that comes from the policy.
func ResolveSettings(cliStrict *bool, cliFilters []string, p policy.Policy) model.NormalizationRecord {
	rec := model.NormalizationRecord{NormalizationVersion: model.NormalizationVersion}

	switch {
	case cliStrict != nil:
		rec.Strict = *cliStrict
		rec.Source = model.SourceCLI
	case p.Replay.Strict:
		rec.Strict = true
		rec.Source = model.SourcePolicy
	default:
		rec.Strict = false
		rec.Source = model.SourceDefault
	}

	switch {
	case len(cliFilters) > 0:
		rec.Filters = toFilters(cliFilters)
		if rec.Source != model.SourceCLI {
			rec.Source = model.SourceCLI
		}
	case len(p.Replay.NormalizationFilters) > 0:
		rec.Filters = toFilters(p.Replay.NormalizationFilters)
		if rec.Source == model.SourceDefault {
			rec.Source = model.SourcePolicy
		}
	default:
		rec.Filters = DefaultFilters()
	}

	for _, r := range p.Replay.NormalizationRules {
		rec.Rules = append(rec.Rules, model.NormalizationRule{
			Target:  model.NormalizationRuleTarget(r.Target),
			Pattern: r.Pattern,
			Replace: r.Replace,
		})
	}

	if rec.Strict {
		if cliStrict == nil && len(cliFilters) > 0 {
			rec.Strict = false
		} else {
			rec.Filters = []model.NormalizationFilter{}
			rec.Rules = nil
		}
	}

	return rec
}

func toFilters(names []string) []model.NormalizationFilter {
	out := make([]model.NormalizationFilter, len(names))
	for i, n := range names {
		out[i] = model.NormalizationFilter(n)
	}
	return out
}

// filterFieldNames maps each filter to the JSON object keys it erases,
// recursively, wherever they occur in a parsed artifact. run_timestamps
// and step_timestamps name the same two keys (started_at_ms,
// ended_at_ms) at different structural depths (the run result's own
// fields vs. each step result's fields); since erasure here is
// depth-independent, enabling either has the same effect as enabling
// both — a deliberate simplification over a depth-aware implementation,
// noted since it is the one place this engine's behavior is coarser
// than the filter list's naming suggests.
var filterFieldNames = map[model.NormalizationFilter][]string{
	model.FilterSnapshotId:           {"snapshot_id"},
	model.FilterRunId:                {"run_id"},
	model.FilterRunTimestamps:        {"started_at_ms", "ended_at_ms"},
	model.FilterStepTimestamps:       {"started_at_ms", "ended_at_ms"},
	model.FilterObservationTimestamp: {"timestamp_ms"},
	model.FilterSessionId:            {"session_id"},
}

func erasureKeys(filters []model.NormalizationFilter) map[string]bool {
	keys := map[string]bool{}
	for _, f := range filters {
		for _, k := range filterFieldNames[f] {
			keys[k] = true
		}
	}
	return keys
}

// stripKeys recursively removes every key in keys from v, which must
// be the result of json.Unmarshal into `any` (map[string]any /
// []any / scalars).
func stripKeys(v any, keys map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if keys[k] {
				continue
			}
			out[k] = stripKeys(val, keys)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = stripKeys(val, keys)
		}
		return out
	default:
		return v
	}
}

type compiledRule struct {
	re      *regexp.Regexp
	replace string
}

func compileRules(rules []model.NormalizationRule, target model.NormalizationRuleTarget) []*compiledRule {
	var out []*compiledRule
	for _, r := range rules {
		if r.Target != target {
			continue
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			continue
		}
		out = append(out, &compiledRule{re: re, replace: r.Replace})
	}
	return out
}

// applyTranscriptRules rewrites transcript text with every rule whose
// Target is transcript.
func applyTranscriptRules(text string, rules []model.NormalizationRule) string {
	for _, r := range compileRules(rules, model.RuleTargetTranscript) {
		text = r.re.ReplaceAllString(text, r.replace)
	}
	return text
}

// Mismatch is one point of divergence found between two artifact
// directories.
type Mismatch struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Report is the outcome of Compare.
type Report struct {
	NormalizationVersion int        `json:"normalization_version"`
	Strict               bool       `json:"strict"`
	Mismatches           []Mismatch `json:"mismatches"`
}

// Passed reports whether no mismatches were found.
func (r Report) Passed() bool { return len(r.Mismatches) == 0 }

// Compare diffs originalDir against replayDir under settings,
// comparing run.json, every snapshots/NNNNNN.json file present in
// either directory, transcript.log (after rule rewriting), and
// events.jsonl line by line. It returns a non-nil *errtax.ErrorInfo
// (E_REPLAY_MISMATCH) whenever at least one mismatch was found,
// independent of settings.Strict — Strict controls only which
// normalization filters and rules apply during the comparison (resolved by
// ResolveSettings), never whether a divergence is an error. The
// Report itself (with every mismatch recorded) is always returned
// alongside, strict or not.
func Compare(originalDir, replayDir string, settings model.NormalizationRecord) (Report, *errtax.ErrorInfo) {
	report := Report{NormalizationVersion: settings.NormalizationVersion, Strict: settings.Strict}
	keys := erasureKeys(settings.Filters)

	if m := compareJSONFile(originalDir, replayDir, "run.json", keys, settings.Rules); m != nil {
		report.Mismatches = append(report.Mismatches, *m)
	}

	origSnaps, _ := listSnapshots(originalDir)
	replaySnaps, _ := listSnapshots(replayDir)
	names := unionSorted(origSnaps, replaySnaps)
	for _, name := range names {
		rel := filepath.Join("snapshots", name)
		if m := compareJSONFile(originalDir, replayDir, rel, keys, settings.Rules); m != nil {
			report.Mismatches = append(report.Mismatches, *m)
		}
	}

	if m := compareTranscript(originalDir, replayDir, settings.Rules); m != nil {
		report.Mismatches = append(report.Mismatches, *m)
	}

	if m := compareEvents(originalDir, replayDir, keys, settings.Rules); m != nil {
		report.Mismatches = append(report.Mismatches, *m...)
	}

	if len(report.Mismatches) > 0 {
		paths := make([]string, len(report.Mismatches))
		for i, m := range report.Mismatches {
			paths[i] = m.Path
		}
		return report, errtax.ReplayMismatch("replay diverged from the original run", map[string]any{
			"paths": paths,
		})
	}
	return report, nil
}

func compareJSONFile(origDir, replayDir, rel string, keys map[string]bool, rules []model.NormalizationRule) *Mismatch {
	origData, origErr := os.ReadFile(filepath.Join(origDir, rel))
	replayData, replayErr := os.ReadFile(filepath.Join(replayDir, rel))
	if origErr != nil && replayErr != nil {
		return nil
	}
	if origErr != nil {
		return &Mismatch{Path: rel, Kind: "missing_in_original", Detail: origErr.Error()}
	}
	if replayErr != nil {
		return &Mismatch{Path: rel, Kind: "missing_in_replay", Detail: replayErr.Error()}
	}

	origNorm, err1 := normalizeJSON(origData, keys, rules)
	replayNorm, err2 := normalizeJSON(replayData, keys, rules)
	if err1 != nil || err2 != nil {
		return &Mismatch{Path: rel, Kind: "parse_error", Detail: "failed to parse JSON for comparison"}
	}
	if origNorm != replayNorm {
		return &Mismatch{Path: rel, Kind: "content_mismatch", Detail: "normalized JSON differs"}
	}
	return nil
}

func normalizeJSON(data []byte, keys map[string]bool, rules []model.NormalizationRule) (string, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return "", err
	}
	v = stripKeys(v, keys)
	v = applyLineRulesSimple(v, rules)
	canon, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(canon), nil
}

// applyLineRulesSimple rewrites string values under any "lines" array
// using snapshot_lines-targeted rules.
func applyLineRulesSimple(v any, rules []model.NormalizationRule) any {
	compiled := compileRules(rules, model.RuleTargetSnapshotLines)
	if len(compiled) == 0 {
		return v
	}
	return rewriteLinesSimple(v, compiled)
}

func rewriteLinesSimple(v any, rules []*compiledRule) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if k == "lines" {
				if arr, ok := val.([]any); ok {
					rewritten := make([]any, len(arr))
					for i, line := range arr {
						if s, ok := line.(string); ok {
							for _, r := range rules {
								s = r.re.ReplaceAllString(s, r.replace)
							}
							rewritten[i] = s
						} else {
							rewritten[i] = line
						}
					}
					out[k] = rewritten
					continue
				}
			}
			out[k] = rewriteLinesSimple(val, rules)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = rewriteLinesSimple(val, rules)
		}
		return out
	default:
		return v
	}
}

func compareTranscript(origDir, replayDir string, rules []model.NormalizationRule) *Mismatch {
	origData, origErr := os.ReadFile(filepath.Join(origDir, "transcript.log"))
	replayData, replayErr := os.ReadFile(filepath.Join(replayDir, "transcript.log"))
	if origErr != nil && replayErr != nil {
		return nil
	}
	if origErr != nil || replayErr != nil {
		return &Mismatch{Path: "transcript.log", Kind: "missing", Detail: "transcript present in only one directory"}
	}
	orig := applyTranscriptRules(string(origData), rules)
	rep := applyTranscriptRules(string(replayData), rules)
	if orig != rep {
		return &Mismatch{Path: "transcript.log", Kind: "content_mismatch", Detail: "normalized transcript differs"}
	}
	return nil
}

func compareEvents(origDir, replayDir string, keys map[string]bool, rules []model.NormalizationRule) *[]Mismatch {
	origLines := readLines(filepath.Join(origDir, "events.jsonl"))
	replayLines := readLines(filepath.Join(replayDir, "events.jsonl"))
	if len(origLines) != len(replayLines) {
		return &[]Mismatch{{Path: "events.jsonl", Kind: "length_mismatch", Detail: fmt.Sprintf("original has %d events, replay has %d", len(origLines), len(replayLines))}}
	}
	var mismatches []Mismatch
	for i := range origLines {
		a, errA := normalizeJSON([]byte(origLines[i]), keys, rules)
		b, errB := normalizeJSON([]byte(replayLines[i]), keys, rules)
		if errA != nil || errB != nil || a != b {
			mismatches = append(mismatches, Mismatch{Path: "events.jsonl", Kind: "content_mismatch", Detail: fmt.Sprintf("event %d differs", i)})
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	return &mismatches
}

func readLines(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var lines []string
	for _, l := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func listSnapshots(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, "snapshots"))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func unionSorted(a, b []string) []string {
	set := map[string]bool{}
	for _, n := range a {
		set[n] = true
	}
	for _, n := range b {
		set[n] = true
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// WriteReport writes report as diff.json under dir.
func WriteReport(dir string, report Report) *errtax.ErrorInfo {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errtax.New(errtax.CodeProtocol, "failed to serialize replay report", map[string]any{"source": err.Error()})
	}
	if werr := os.WriteFile(filepath.Join(dir, "diff.json"), data, 0o644); werr != nil {
		return errtax.IO("failed to write replay report", werr)
	}
	return nil
}

// WriteNormalization writes rec as normalization.json under dir,
// for callers (the replay CLI) writing into a sibling directory that
// was not produced through an artifacts.Writer.
func WriteNormalization(dir string, rec model.NormalizationRecord) *errtax.ErrorInfo {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errtax.New(errtax.CodeProtocol, "failed to serialize normalization record", map[string]any{"source": err.Error()})
	}
	if werr := os.WriteFile(filepath.Join(dir, "normalization.json"), data, 0o644); werr != nil {
		return errtax.IO("failed to write normalization record", werr)
	}
	return nil
}
