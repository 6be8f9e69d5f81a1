// Package ids defines the opaque 128-bit identifiers used throughout
// the harness: RunId, SessionId, StepId, SnapshotId.
package ids

import (
	"github.com/google/uuid"
)

// RunId uniquely identifies one run of the harness.
type RunId struct{ v uuid.UUID }

// NewRunId returns a fresh random RunId.
func NewRunId() RunId { return RunId{uuid.New()} }

func (id RunId) String() string { return id.v.String() }

// MarshalJSON serialises the ID as its string form, mirroring the
// reference implementation's serde(transparent) ID types.
func (id RunId) MarshalJSON() ([]byte, error) { return marshalUUID(id.v) }

func (id *RunId) UnmarshalJSON(b []byte) error {
	v, err := unmarshalUUID(b)
	if err != nil {
		return err
	}
	id.v = v
	return nil
}

// SessionId uniquely identifies one PTY session.
type SessionId struct{ v uuid.UUID }

func NewSessionId() SessionId                    { return SessionId{uuid.New()} }
func (id SessionId) String() string              { return id.v.String() }
func (id SessionId) MarshalJSON() ([]byte, error) { return marshalUUID(id.v) }
func (id *SessionId) UnmarshalJSON(b []byte) error {
	v, err := unmarshalUUID(b)
	if err != nil {
		return err
	}
	id.v = v
	return nil
}

// StepId uniquely identifies one scenario step.
type StepId struct{ v uuid.UUID }

func NewStepId() StepId                    { return StepId{uuid.New()} }
func (id StepId) String() string              { return id.v.String() }
func (id StepId) MarshalJSON() ([]byte, error) { return marshalUUID(id.v) }
func (id *StepId) UnmarshalJSON(b []byte) error {
	v, err := unmarshalUUID(b)
	if err != nil {
		return err
	}
	id.v = v
	return nil
}

// SnapshotId uniquely identifies one screen snapshot. A fresh
// SnapshotId is minted on every snapshot, even when the rendered
// screen content is byte-identical to a previous one.
type SnapshotId struct{ v uuid.UUID }

func NewSnapshotId() SnapshotId                 { return SnapshotId{uuid.New()} }
func (id SnapshotId) String() string              { return id.v.String() }
func (id SnapshotId) MarshalJSON() ([]byte, error) { return marshalUUID(id.v) }
func (id *SnapshotId) UnmarshalJSON(b []byte) error {
	v, err := unmarshalUUID(b)
	if err != nil {
		return err
	}
	id.v = v
	return nil
}

func marshalUUID(v uuid.UUID) ([]byte, error) {
	s := `"` + v.String() + `"`
	return []byte(s), nil
}

func unmarshalUUID(b []byte) (uuid.UUID, error) {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return uuid.Parse(s)
}
