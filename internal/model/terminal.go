// Package model defines the wire/record data types shared across the
// policy validator, session, runner, driver, artifact writer, and
// replay engine: terminal snapshots, scenarios, actions, assertions,
// observations, and run results.
package model

import "github.com/ehrlich-b/termbox/internal/ids"

// SnapshotVersion is the ScreenSnapshot format version.
const SnapshotVersion = 1

// TerminalSize is the PTY/emulator grid dimensions.
type TerminalSize struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// DefaultTerminalSize is the harness default, 24x80.
func DefaultTerminalSize() TerminalSize { return TerminalSize{Rows: 24, Cols: 80} }

// Cursor is the 0-based, top-left-origin cursor position.
type Cursor struct {
	Row     uint16 `json:"row"`
	Col     uint16 `json:"col"`
	Visible bool   `json:"visible"`
}

// ColorKind tags the Color variant.
type ColorKind string

const (
	ColorDefault ColorKind = "default"
	ColorAnsi16  ColorKind = "ansi16"
	ColorAnsi256 ColorKind = "ansi256"
	ColorRGB     ColorKind = "rgb"
)

// Color is a tagged union: default | ansi16(0..15) | ansi256(0..255) | rgb{r,g,b}.
type Color struct {
	Kind ColorKind `json:"kind"`
	N    uint8     `json:"n,omitempty"`
	R    uint8     `json:"r,omitempty"`
	G    uint8     `json:"g,omitempty"`
	B    uint8     `json:"b,omitempty"`
}

// DefaultColor is the zero-value "no color set" variant.
func DefaultColor() Color { return Color{Kind: ColorDefault} }

// Style is the SGR attribute bundle attached to a Cell.
type Style struct {
	Fg        Color `json:"fg"`
	Bg        Color `json:"bg"`
	Bold      bool  `json:"bold"`
	Italic    bool  `json:"italic"`
	Underline bool  `json:"underline"`
	Inverse   bool  `json:"inverse"`
}

// Cell is one grid position. Wide-character continuation columns are
// omitted from the cell matrix; the lead cell carries Width=2.
type Cell struct {
	Ch    string `json:"ch"`
	Width uint8  `json:"width"`
	Style Style  `json:"style"`
}

// ScreenSnapshot is the canonical, immutable view of the emulator's
// screen at one point in time. A fresh SnapshotId is minted every time
// one is produced, even if the rendered content is identical to the
// previous snapshot.
type ScreenSnapshot struct {
	SnapshotVersion  int             `json:"snapshot_version"`
	SnapshotId       ids.SnapshotId  `json:"snapshot_id"`
	Rows             uint16          `json:"rows"`
	Cols             uint16          `json:"cols"`
	Cursor           Cursor          `json:"cursor"`
	AlternateScreen  bool            `json:"alternate_screen"`
	Lines            []string        `json:"lines"`
	Cells            [][]Cell        `json:"cells,omitempty"`
}
