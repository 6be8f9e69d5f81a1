// Package term is a thin facade over a VT/ANSI parser (charmbracelet's
// x/vt emulator), maintaining a fixed grid and producing canonical,
// serialisable ScreenSnapshot records on demand.
package term

import (
	"strings"
	"sync"
	"unicode"

	"github.com/charmbracelet/x/vt"

	"github.com/ehrlich-b/termbox/internal/ids"
	"github.com/ehrlich-b/termbox/internal/model"
)

// Emulator wraps vt.Emulator with zero scrollback (the harness only
// ever needs the current visible grid; scrollback capture is the
// interactive viewer's concern, out of scope here) and tracks
// alt-screen/cursor-visibility via callback side effects, the same
// pattern internal/egg's VTerm uses, since vt.Emulator exposes no
// direct getter for either.
type Emulator struct {
	mu           sync.Mutex
	emu          *vt.Emulator
	rows, cols   uint16
	altScreen    bool
	cursorHidden bool
}

// New initialises an Emulator at size with zero scrollback.
func New(size model.TerminalSize) *Emulator {
	e := &Emulator{rows: size.Rows, cols: size.Cols}
	e.emu = vt.NewEmulator(int(size.Cols), int(size.Rows))
	e.emu.SetCallbacks(vt.Callbacks{
		AltScreen: func(on bool) {
			e.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			e.cursorHidden = !visible
		},
	})
	return e
}

// Resize resizes the grid; content outside the new bounds is
// discarded by the underlying parser.
func (e *Emulator) Resize(size model.TerminalSize) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emu.Resize(int(size.Cols), int(size.Rows))
	e.rows, e.cols = size.Rows, size.Cols
}

// ProcessBytes feeds raw child output into the parser.
func (e *Emulator) ProcessBytes(b []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.emu.Write(b)
	return err
}

// Close releases the underlying parser's resources.
func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emu.Close()
}

// Snapshot returns a ScreenSnapshot with a fresh SnapshotId. lines
// comes from the parser's rendered text split per row; when
// includeCells is set, a row-major cell matrix is derived from the
// same rendered text by interpreting its embedded SGR sequences, one
// lead cell per column (wide-character continuation columns omitted,
// their lead cell carrying width=2).
func (e *Emulator) Snapshot(includeCells bool) model.ScreenSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	rendered := e.emu.Render()
	rows := splitRows(rendered, int(e.rows))
	lines := make([]string, len(rows))
	var cells [][]model.Cell
	if includeCells {
		cells = make([][]model.Cell, len(rows))
	}
	for i, row := range rows {
		plain, rowCells := decodeRow(row, int(e.cols))
		lines[i] = plain
		if includeCells {
			cells[i] = rowCells
		}
	}

	pos := e.emu.CursorPosition()
	return model.ScreenSnapshot{
		SnapshotVersion: model.SnapshotVersion,
		SnapshotId:      ids.NewSnapshotId(),
		Rows:            e.rows,
		Cols:            e.cols,
		Cursor: model.Cursor{
			Row:     clampUint16(pos.Y),
			Col:     clampUint16(pos.X),
			Visible: !e.cursorHidden,
		},
		AlternateScreen: e.altScreen,
		Lines:           lines,
		Cells:           cells,
	}
}

func clampUint16(n int) uint16 {
	if n < 0 {
		return 0
	}
	if n > 0xffff {
		return 0xffff
	}
	return uint16(n)
}

// splitRows splits a rendered screen into exactly want rows, padding
// with empty rows if the render produced fewer (e.g. a freshly
// resized, not-yet-repainted grid).
func splitRows(rendered string, want int) []string {
	rows := strings.Split(strings.TrimRight(rendered, "\n"), "\n")
	for len(rows) < want {
		rows = append(rows, "")
	}
	if len(rows) > want {
		rows = rows[:want]
	}
	return rows
}

// decodeRow strips SGR/CSI sequences from one rendered row, returning
// the plain text (padded/truncated to want columns) and, alongside it,
// a per-column Cell slice carrying the style active at each grapheme.
// Combining marks (Unicode category Mn) attach to their base cell:
// they are appended to the preceding cell's text without advancing
// the column counter.
func decodeRow(row string, wantCols int) (string, []model.Cell) {
	var plain strings.Builder
	cellsOut := make([]model.Cell, 0, wantCols)
	style := model.Style{Fg: model.DefaultColor(), Bg: model.DefaultColor()}

	runes := []rune(row)
	col := 0
	for i := 0; i < len(runes) && col < wantCols; {
		r := runes[i]
		if r == 0x1b && i+1 < len(runes) && runes[i+1] == '[' {
			seqEnd := i + 2
			for seqEnd < len(runes) && !isCSIFinal(runes[seqEnd]) {
				seqEnd++
			}
			if seqEnd < len(runes) {
				applySGR(&style, string(runes[i+2:seqEnd+1]))
				i = seqEnd + 1
				continue
			}
		}
		if unicode.Is(unicode.Mn, r) && len(cellsOut) > 0 {
			cellsOut[len(cellsOut)-1].Ch += string(r)
			plain.WriteRune(r)
			i++
			continue
		}
		width := runeWidth(r)
		plain.WriteRune(r)
		cellsOut = append(cellsOut, model.Cell{Ch: string(r), Width: uint8(width), Style: style})
		col += width
		i++
	}
	for col < wantCols {
		cellsOut = append(cellsOut, model.Cell{Ch: " ", Width: 1, Style: model.Style{Fg: model.DefaultColor(), Bg: model.DefaultColor()}})
		plain.WriteByte(' ')
		col++
	}
	return plain.String(), cellsOut
}

func isCSIFinal(r rune) bool { return r >= 0x40 && r <= 0x7e }

// runeWidth is a minimal East-Asian-width approximation: most CJK
// ranges are width 2, everything else is width 1 (decodeRow attaches
// combining marks to their base cell before consulting it).
func runeWidth(r rune) int {
	switch {
	case r >= 0x1100 && r <= 0x115f,
		r >= 0x2e80 && r <= 0xa4cf,
		r >= 0xac00 && r <= 0xd7a3,
		r >= 0xf900 && r <= 0xfaff,
		r >= 0xff00 && r <= 0xff60,
		r >= 0x20000 && r <= 0x3fffd:
		return 2
	default:
		return 1
	}
}

// applySGR updates style in place from the numeric parameters of one
// CSI ... m sequence (only SGR is expected in rendered output; other
// CSI finals are parsed only far enough to skip them, see decodeRow).
func applySGR(style *model.Style, params string) {
	if !strings.HasSuffix(params, "m") {
		return
	}
	params = strings.TrimSuffix(params, "m")
	if params == "" {
		*style = model.Style{Fg: model.DefaultColor(), Bg: model.DefaultColor()}
		return
	}
	parts := strings.Split(params, ";")
	for i := 0; i < len(parts); i++ {
		switch parts[i] {
		case "0":
			*style = model.Style{Fg: model.DefaultColor(), Bg: model.DefaultColor()}
		case "1":
			style.Bold = true
		case "3":
			style.Italic = true
		case "4":
			style.Underline = true
		case "7":
			style.Inverse = true
		case "22":
			style.Bold = false
		case "23":
			style.Italic = false
		case "24":
			style.Underline = false
		case "27":
			style.Inverse = false
		case "39":
			style.Fg = model.DefaultColor()
		case "49":
			style.Bg = model.DefaultColor()
		case "38", "48":
			consumed, color := parseExtendedColor(parts[i:])
			if parts[i] == "38" {
				style.Fg = color
			} else {
				style.Bg = color
			}
			i += consumed - 1
		default:
			if n, ok := ansi16Code(parts[i]); ok {
				if isFgCode(parts[i]) {
					style.Fg = model.Color{Kind: model.ColorAnsi16, N: n}
				} else {
					style.Bg = model.Color{Kind: model.ColorAnsi16, N: n}
				}
			}
		}
	}
}

func isFgCode(p string) bool {
	n := atoiSafe(p)
	return (n >= 30 && n <= 37) || (n >= 90 && n <= 97)
}

func ansi16Code(p string) (uint8, bool) {
	n := atoiSafe(p)
	switch {
	case n >= 30 && n <= 37:
		return uint8(n - 30), true
	case n >= 40 && n <= 47:
		return uint8(n - 40), true
	case n >= 90 && n <= 97:
		return uint8(n-90) + 8, true
	case n >= 100 && n <= 107:
		return uint8(n-100) + 8, true
	}
	return 0, false
}

// parseExtendedColor parses a 38/48;5;N or 38/48;2;R;G;B sequence
// starting at parts[0], returning how many parts it consumed.
func parseExtendedColor(parts []string) (int, model.Color) {
	if len(parts) >= 3 && parts[1] == "5" {
		n := atoiSafe(parts[2])
		return 3, model.Color{Kind: model.ColorAnsi256, N: uint8(n)}
	}
	if len(parts) >= 5 && parts[1] == "2" {
		r, g, b := atoiSafe(parts[2]), atoiSafe(parts[3]), atoiSafe(parts[4])
		return 5, model.Color{Kind: model.ColorRGB, R: uint8(r), G: uint8(g), B: uint8(b)}
	}
	return 1, model.DefaultColor()
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}
