package model

import "github.com/ehrlich-b/termbox/internal/errtax"

// DriverResponseStatus tags a DriverResponseV2 as ok or error.
type DriverResponseStatus string

const (
	DriverOk    DriverResponseStatus = "ok"
	DriverError DriverResponseStatus = "error"
)

// DriverRequestV2 is one NDJSON request line read from the driver's
// input stream.
type DriverRequestV2 struct {
	ProtocolVersion int     `json:"protocol_version"`
	RequestId       string  `json:"request_id"`
	Action          Action  `json:"action"`
	TimeoutMs       *uint64 `json:"timeout_ms,omitempty"`
}

// DriverActionMetrics reports per-action timing, attached to every
// successful DriverResponseV2.
type DriverActionMetrics struct {
	Sequence   uint64 `json:"sequence"`
	DurationMs uint64 `json:"duration_ms"`
}

// DriverResponseV2 is one NDJSON response line written to the
// driver's output stream, echoing the request's RequestId verbatim.
type DriverResponseV2 struct {
	ProtocolVersion int                   `json:"protocol_version"`
	RequestId       string                `json:"request_id"`
	Status          DriverResponseStatus  `json:"status"`
	Observation     *Observation          `json:"observation,omitempty"`
	Error           *errtax.ErrorInfo     `json:"error,omitempty"`
	ActionMetrics   *DriverActionMetrics  `json:"action_metrics,omitempty"`
}

// DriverActionRecord is one line of driver-actions.jsonl: the
// replayable record of what the driver loop actually did.
type DriverActionRecord struct {
	Sequence    uint64 `json:"sequence"`
	RequestId   string `json:"request_id"`
	Action      Action `json:"action"`
	TimeoutMs   uint64 `json:"timeout_ms"`
	StartedAtMs uint64 `json:"started_at_ms"`
	EndedAtMs   uint64 `json:"ended_at_ms"`
}
