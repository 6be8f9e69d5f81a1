package model

import (
	"encoding/json"

	"github.com/ehrlich-b/termbox/internal/ids"
	"github.com/ehrlich-b/termbox/internal/policy"
)

// ScenarioVersion is the Scenario format version.
const ScenarioVersion = 1

// ObservationVersion is the Observation format version.
const ObservationVersion = 1

// ScenarioMetadata is the free-text description attached to a Scenario.
type ScenarioMetadata struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

// PolicyRef is either an inline Policy or a path to one. The core
// never reads the path itself (policy/scenario file loading is an
// out-of-core CLI boundary concern); RunConfig.Policy is resolved to
// an inline Policy before it reaches the runner or driver.
type PolicyRef struct {
	Inline *policy.Policy `json:"inline,omitempty"`
	Path   string         `json:"path,omitempty"`
}

// RunConfig is the command/args/cwd/size/policy bundle that both the
// scenario runner and the `exec` fast path consume.
type RunConfig struct {
	Command      string        `json:"command"`
	Args         []string      `json:"args"`
	Cwd          *string       `json:"cwd,omitempty"`
	InitialSize  TerminalSize  `json:"initial_size"`
	Policy       PolicyRef     `json:"policy"`
}

// ActionType tags an Action's payload shape.
type ActionType string

const (
	ActionKey       ActionType = "key"
	ActionText      ActionType = "text"
	ActionResize    ActionType = "resize"
	ActionWait      ActionType = "wait"
	ActionTerminate ActionType = "terminate"
)

// Action is a closed tagged variant: what gets sent into the PTY, or
// a wait/terminate control action. The runner handles both before
// Session.Send; the driver loop handles terminate itself and passes
// wait on to Session.Send, where it is a no-op.
type Action struct {
	Type    ActionType      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// KeyPayload is the payload of an Action{Type: key}.
type KeyPayload struct {
	Key string `json:"key"`
}

// TextPayload is the payload of an Action{Type: text}.
type TextPayload struct {
	Text string `json:"text"`
}

// ResizePayload is the payload of an Action{Type: resize}.
type ResizePayload struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// WaitCondition is the tagged condition payload of a wait Action.
type WaitCondition struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WaitPayload is the payload of an Action{Type: wait}.
type WaitPayload struct {
	Condition WaitCondition `json:"condition"`
}

// Assertion is a closed tagged variant evaluated against an
// Observation after a step's action completes.
type Assertion struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Step is one entry in a Scenario's step list.
type Step struct {
	Id        ids.StepId  `json:"id"`
	Name      string      `json:"name"`
	Action    Action      `json:"action"`
	Assert    []Assertion `json:"assert"`
	TimeoutMs uint64      `json:"timeout_ms"`
	Retries   uint32      `json:"retries"`
}

// Scenario is a declarative sequence of steps plus a RunConfig.
type Scenario struct {
	ScenarioVersion int              `json:"scenario_version"`
	Metadata        ScenarioMetadata `json:"metadata"`
	Run             RunConfig        `json:"run"`
	Steps           []Step           `json:"steps"`
}

// Event is a free-form structured note attached to an Observation
// (e.g. "child exited", "resize applied").
type Event struct {
	Type    string          `json:"type"`
	Message *string         `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Observation is the bundle produced after every action: the current
// screen, the transcript bytes read since the previous observation (if
// any), and any events noted along the way.
type Observation struct {
	ProtocolVersion  int             `json:"protocol_version"`
	RunId            ids.RunId       `json:"run_id"`
	SessionId        ids.SessionId   `json:"session_id"`
	TimestampMs      uint64          `json:"timestamp_ms"`
	Screen           ScreenSnapshot  `json:"screen"`
	TranscriptDelta  *string         `json:"transcript_delta,omitempty"`
	Events           []Event         `json:"events"`
}
