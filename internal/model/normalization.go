package model

// NormalizationVersion is the NormalizationRecord format version.
const NormalizationVersion = 1

// NormalizationFilter names a structural field erased before diffing
// two artifact directories in the replay engine.
type NormalizationFilter string

const (
	FilterSnapshotId         NormalizationFilter = "snapshot_id"
	FilterRunId              NormalizationFilter = "run_id"
	FilterRunTimestamps      NormalizationFilter = "run_timestamps"
	FilterStepTimestamps     NormalizationFilter = "step_timestamps"
	FilterObservationTimestamp NormalizationFilter = "observation_timestamp"
	FilterSessionId          NormalizationFilter = "session_id"
)

// NormalizationRuleTarget names which text a NormalizationRule applies to.
type NormalizationRuleTarget string

const (
	RuleTargetTranscript    NormalizationRuleTarget = "transcript"
	RuleTargetSnapshotLines NormalizationRuleTarget = "snapshot_lines"
)

// NormalizationRule rewrites matched text before diffing, for content
// that is legitimately nondeterministic (timestamps printed by the
// guest itself, PIDs, etc.) and cannot be erased by a structural filter.
type NormalizationRule struct {
	Target  NormalizationRuleTarget `json:"target"`
	Pattern string                  `json:"pattern"`
	Replace string                  `json:"replace"`
}

// NormalizationSource records where the resolved replay settings came
// from, for inclusion in normalization.json and explain output.
type NormalizationSource string

const (
	SourceDefault NormalizationSource = "default"
	SourcePolicy  NormalizationSource = "policy"
	SourceCLI     NormalizationSource = "cli"
	SourceNone    NormalizationSource = "none"
)

// NormalizationRecord is the normalization.json artifact: the
// resolved filter/rule set used for one replay. Only replay writes
// one: a plain run or driver session leaves no normalization.json,
// and no code path in this module produces a record with Source=none.
type NormalizationRecord struct {
	NormalizationVersion int                   `json:"normalization_version"`
	Filters              []NormalizationFilter `json:"filters"`
	Strict               bool                  `json:"strict"`
	Source               NormalizationSource   `json:"source"`
	Rules                []NormalizationRule   `json:"rules"`
}
