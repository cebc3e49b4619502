package term

import (
	"regexp"
	"strings"
)

// Chrome patterns for the known AI TUIs. The extractor is intentionally
// lossy: it is the fallback reply path, used only when neither the API proxy
// nor a hook notification can supply the assistant text.
var (
	// Rows consisting only of box-drawing characters and padding.
	boxOnlyRe = regexp.MustCompile(`^[\s─━│┃┄┆┈┊╌╍╎╏┌┐└┘├┤┬┴┼╭╮╯╰═║╔╗╚╝╠╣╦╩╬▀▄█▌▐░▒▓=\-+_|]+$`)

	// Spinner rows (braille spinners plus the common ASCII ones).
	spinnerRe = regexp.MustCompile(`^\s*[⠁-⣿✢✳✶✻✽*·][\s.…]*[A-Za-z]*…?\s*(\(.*\))?\s*$`)

	// Status rows: context meters, interrupt hints, token counters.
	statusRe = regexp.MustCompile(`(\d+%\s*context\s*left)|(esc\s+to\s+interrupt)|(ctrl\+[a-z])|(\btokens?\b.*\b(used|remaining)\b)|(^\s*[?⏵▸>]+\s*for\s+shortcuts)`)

	// Menu rows: selection carets.
	menuRe = regexp.MustCompile(`^\s*(❯|→)\s+\S`)

	// Bullet-prefixed mode indicators ("⏵⏵ accept edits on", "● plan mode").
	modeRe = regexp.MustCompile(`^\s*[●○◉◯⏵‣▪]+\s*.*\b(mode|accept edits|bypass|auto-accept)\b`)

	// Leading response bullets stripped from kept lines.
	bulletPrefixRe = regexp.MustCompile(`^\s*[⏺●•∙·]\s+`)
)

// ExtractResponse filters rendered terminal text down to assistant prose by
// dropping TUI chrome rows and stripping leading bullet glyphs.
func ExtractResponse(rendered string) string {
	var kept []string
	for _, line := range strings.Split(rendered, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			kept = append(kept, "")
			continue
		}
		if boxOnlyRe.MatchString(trimmed) ||
			spinnerRe.MatchString(trimmed) ||
			statusRe.MatchString(strings.ToLower(trimmed)) ||
			menuRe.MatchString(line) ||
			modeRe.MatchString(strings.ToLower(line)) {
			continue
		}
		// Box borders around content: strip the frame, keep the middle.
		if strings.HasPrefix(trimmed, "│") && strings.HasSuffix(trimmed, "│") {
			inner := strings.TrimSpace(strings.Trim(trimmed, "│"))
			if inner == "" {
				continue
			}
			trimmed = inner
		}
		kept = append(kept, bulletPrefixRe.ReplaceAllString(trimmed, ""))
	}

	// Collapse runs of blank lines left behind by dropped chrome.
	var out []string
	blank := true
	for _, line := range kept {
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
