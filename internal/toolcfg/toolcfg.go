// Package toolcfg installs the felay notifier into the two AI tools that
// ship completion hooks: codex (config.toml notify command) and claude
// (settings.json Stop hook). Setup is idempotent and preserves unrelated
// configuration.
package toolcfg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// NotifierCommand is the hook binary both tools invoke on completion.
const NotifierCommand = "felay-notify"

// Status reports whether a tool's hook points at the notifier.
type Status struct {
	Installed bool
	Path      string
}

// CodexConfigPath returns the codex configuration file location.
func CodexConfigPath(home string) string {
	return filepath.Join(home, ".codex", "config.toml")
}

// ClaudeSettingsPath returns the claude settings file location.
func ClaudeSettingsPath(home string) string {
	return filepath.Join(home, ".claude", "settings.json")
}

var codexNotifyLineRe = regexp.MustCompile(`(?m)^\s*notify\s*=`)

// CheckCodex reports whether codex's notify command invokes the notifier.
func CheckCodex(home string) Status {
	path := CodexConfigPath(home)
	data, err := os.ReadFile(path)
	if err != nil {
		return Status{Path: path}
	}
	return Status{
		Installed: strings.Contains(string(data), NotifierCommand),
		Path:      path,
	}
}

// SetupCodex points codex's notify command at the notifier. The config is
// edited line-wise: an existing notify entry is commented out and the new
// one is added as a top-level key (before the first table header);
// anything else is left byte-identical.
func SetupCodex(home string) error {
	path := CodexConfigPath(home)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	notifyLine := fmt.Sprintf(`notify = [%q, "codex"]`, NotifierCommand)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return os.WriteFile(path, []byte(notifyLine+"\n"), 0644)
	}
	if err != nil {
		return err
	}

	content := string(data)
	if strings.Contains(content, NotifierCommand) {
		return nil
	}
	if codexNotifyLineRe.MatchString(content) {
		content = codexNotifyLineRe.ReplaceAllString(content, "# was: notify =")
	}
	// Keys after a [table] header belong to that table.
	if loc := regexp.MustCompile(`(?m)^[ \t]*\[`).FindStringIndex(content); loc != nil {
		content = content[:loc[0]] + notifyLine + "\n" + content[loc[0]:]
		return os.WriteFile(path, []byte(content), 0644)
	}
	if !strings.HasSuffix(content, "\n") && content != "" {
		content += "\n"
	}
	content += notifyLine + "\n"
	return os.WriteFile(path, []byte(content), 0644)
}

// claude settings hook shapes, kept as loose maps so unrelated keys
// round-trip untouched.

// CheckClaude reports whether claude's Stop hook invokes the notifier.
func CheckClaude(home string) Status {
	path := ClaudeSettingsPath(home)
	data, err := os.ReadFile(path)
	if err != nil {
		return Status{Path: path}
	}
	return Status{
		Installed: strings.Contains(string(data), NotifierCommand),
		Path:      path,
	}
}

// SetupClaude appends a Stop hook invoking the notifier, preserving every
// other settings key and any existing hooks.
func SetupClaude(home string) error {
	path := ClaudeSettingsPath(home)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	settings := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if jsonErr := json.Unmarshal(data, &settings); jsonErr != nil {
			return fmt.Errorf("claude settings unreadable: %w", jsonErr)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	if strings.Contains(mustJSON(settings), NotifierCommand) {
		return nil
	}

	hooks, _ := settings["hooks"].(map[string]any)
	if hooks == nil {
		hooks = map[string]any{}
	}
	stop, _ := hooks["Stop"].([]any)
	stop = append(stop, map[string]any{
		"hooks": []any{
			map[string]any{
				"type":    "command",
				"command": NotifierCommand + " claude",
			},
		},
	})
	hooks["Stop"] = stop
	settings["hooks"] = hooks

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
