package session

import (
	"strings"

	"github.com/tuzig/vt10x"
)

// defaultScreenCols/Rows size the virtual terminal used to render a raw PTY
// byte stream into stable screen text. They match a typical 80x24 tty and
// are large enough that agent CLI output rarely wraps unexpectedly.
const (
	defaultScreenCols = 80
	defaultScreenRows = 24
)

// RenderScreen interprets raw, possibly escape-sequence-laden PTY output as
// terminal screen state and returns the visible lines, trailing blank lines
// trimmed. CaptureOutput on its own returns the raw byte ring buffer, which
// is sufficient for log shipping but unreadable once an agent has used
// cursor movement or redraws; RenderScreen is the enrichment used by
// diagnostic tooling that wants what a human watching the session would see.
func RenderScreen(raw []byte) string {
	term := vt10x.New(vt10x.WithSize(defaultScreenCols, defaultScreenRows))
	_, _ = term.Write(raw)

	cols, rows := term.Size()
	lines := make([]string, 0, rows)
	for y := 0; y < rows; y++ {
		var b strings.Builder
		for x := 0; x < cols; x++ {
			ch, _, _ := term.Cell(x, y)
			if ch == 0 {
				ch = ' '
			}
			b.WriteRune(ch)
		}
		lines = append(lines, strings.TrimRight(b.String(), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
