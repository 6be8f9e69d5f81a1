package model

import (
	"github.com/ehrlich-b/termbox/internal/errtax"
	"github.com/ehrlich-b/termbox/internal/ids"
	"github.com/ehrlich-b/termbox/internal/policy"
)

// ProtocolVersion is the protocol version stamped into Observation and
// RunResult records, and checked against DriverRequestV2.ProtocolVersion.
const ProtocolVersion = 2

// RunResultVersion is the RunResult format version.
const RunResultVersion = 1

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunPassed   RunStatus = "passed"
	RunFailed   RunStatus = "failed"
	RunErrored  RunStatus = "errored"
	RunCanceled RunStatus = "canceled"
)

// StepStatus is the outcome of one scenario step.
type StepStatus string

const (
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepErrored StepStatus = "errored"
	StepSkipped StepStatus = "skipped"
)

// AssertionResult is the outcome of evaluating one Assertion.
type AssertionResult struct {
	Type    string  `json:"type"`
	Passed  bool    `json:"passed"`
	Message *string `json:"message,omitempty"`
	Details any     `json:"details,omitempty"`
}

// StepResult is the outcome record for one scenario step.
type StepResult struct {
	StepId      ids.StepId        `json:"step_id"`
	Name        string            `json:"name"`
	Status      StepStatus        `json:"status"`
	Attempts    uint32            `json:"attempts"`
	StartedAtMs uint64            `json:"started_at_ms"`
	EndedAtMs   uint64            `json:"ended_at_ms"`
	Action      Action            `json:"action"`
	Assertions  []AssertionResult `json:"assertions"`
	Error       *errtax.ErrorInfo `json:"error,omitempty"`
}

// ExitStatus describes how the child process ended.
type ExitStatus struct {
	Success              bool  `json:"success"`
	ExitCode             *int  `json:"exit_code,omitempty"`
	Signal               *int  `json:"signal,omitempty"`
	TerminatedByHarness  bool  `json:"terminated_by_harness"`
}

// RunResult is the primary output record for exec/run/driver: the
// effective policy, optional scenario and step results, the final
// observation, exit status, and any terminating error.
type RunResult struct {
	RunResultVersion int               `json:"run_result_version"`
	ProtocolVersion  int               `json:"protocol_version"`
	RunId            ids.RunId         `json:"run_id"`
	Status           RunStatus         `json:"status"`
	StartedAtMs      uint64            `json:"started_at_ms"`
	EndedAtMs        uint64            `json:"ended_at_ms"`
	Command          string            `json:"command"`
	Args             []string          `json:"args"`
	Cwd              string            `json:"cwd"`
	Policy           policy.Policy     `json:"policy"`
	Scenario         *Scenario         `json:"scenario,omitempty"`
	Steps            []StepResult      `json:"steps,omitempty"`
	FinalObservation *Observation      `json:"final_observation,omitempty"`
	ExitStatus       *ExitStatus       `json:"exit_status,omitempty"`
	Error            *errtax.ErrorInfo `json:"error,omitempty"`
}
