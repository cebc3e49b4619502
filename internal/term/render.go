// Package term turns raw PTY byte streams into the clean text a user would
// see. The full path runs a headless terminal emulator; a cheaper escape
// stripper covers non-TUI output.
package term

import (
	"strings"

	"github.com/hinshun/vt10x"
)

// Grid dimensions for the headless terminal. Rows include the scrollback
// region so long outputs survive rendering.
const (
	RenderCols = 120
	RenderRows = 250
)

// Render feeds raw PTY bytes through a virtual terminal and returns the
// visible text: rows with trailing spaces trimmed, leading and trailing
// blank rows dropped.
func Render(raw []byte) string {
	vt := vt10x.New(vt10x.WithSize(RenderCols, RenderRows))
	_, _ = vt.Write(raw)
	return cleanScreen(vt.String())
}

func cleanScreen(screen string) string {
	lines := strings.Split(screen, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " ")
	}

	start := 0
	for start < len(lines) && lines[start] == "" {
		start++
	}
	end := len(lines)
	for end > start && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

// StripEscapes removes known escape sequences (CSI, OSC, character-set
// switches, single-byte escapes) and control bytes other than newline and
// tab. Used for non-TUI output where full emulation is overkill.
func StripEscapes(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	for i := 0; i < len(raw); {
		c := raw[i]
		if c != 0x1b {
			if c == '\n' || c == '\t' || c >= 0x20 {
				b.WriteByte(c)
			}
			i++
			continue
		}

		// ESC sequence
		if i+1 >= len(raw) {
			break
		}
		switch raw[i+1] {
		case '[': // CSI: parameters then a final byte in @-~
			j := i + 2
			for j < len(raw) && (raw[j] < 0x40 || raw[j] > 0x7e) {
				j++
			}
			if j < len(raw) {
				j++
			}
			i = j
		case ']': // OSC: terminated by BEL or ST (ESC \)
			j := i + 2
			for j < len(raw) {
				if raw[j] == 0x07 {
					j++
					break
				}
				if raw[j] == 0x1b && j+1 < len(raw) && raw[j+1] == '\\' {
					j += 2
					break
				}
				j++
			}
			i = j
		case '(', ')', '*', '+': // character set selection
			i += 3
		default: // single-byte escape
			i += 2
		}
	}
	return b.String()
}
