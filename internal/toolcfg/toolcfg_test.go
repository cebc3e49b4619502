package toolcfg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodexSetupFromScratch(t *testing.T) {
	home := t.TempDir()

	assert.False(t, CheckCodex(home).Installed)
	require.NoError(t, SetupCodex(home))

	status := CheckCodex(home)
	assert.True(t, status.Installed)

	data, err := os.ReadFile(status.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `notify = ["felay-notify", "codex"]`)
}

func TestCodexSetupPreservesExistingConfig(t *testing.T) {
	home := t.TempDir()
	path := CodexConfigPath(home)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	existing := "model = \"o3\"\nnotify = [\"notify-send\"]\n\n[profiles.fast]\nmodel = \"o4-mini\"\n"
	require.NoError(t, os.WriteFile(path, []byte(existing), 0644))

	require.NoError(t, SetupCodex(home))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "model = \"o3\"")
	assert.Contains(t, content, "[profiles.fast]")
	assert.Contains(t, content, NotifierCommand)
	assert.NotRegexp(t, `(?m)^notify = \["notify-send"\]`, content, "old notify entry disabled")
}

func TestCodexSetupIdempotent(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, SetupCodex(home))

	before, err := os.ReadFile(CodexConfigPath(home))
	require.NoError(t, err)
	require.NoError(t, SetupCodex(home))
	after, err := os.ReadFile(CodexConfigPath(home))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestClaudeSetupFromScratch(t *testing.T) {
	home := t.TempDir()

	assert.False(t, CheckClaude(home).Installed)
	require.NoError(t, SetupClaude(home))
	assert.True(t, CheckClaude(home).Installed)
}

func TestClaudeSetupPreservesUnrelatedKeys(t *testing.T) {
	home := t.TempDir()
	path := ClaudeSettingsPath(home)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`{
		"env": {"ANTHROPIC_BASE_URL": "https://relay.example.com"},
		"hooks": {"PreToolUse": [{"matcher": "Bash", "hooks": []}]}
	}`), 0644))

	require.NoError(t, SetupClaude(home))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var settings map[string]any
	require.NoError(t, json.Unmarshal(data, &settings))

	env := settings["env"].(map[string]any)
	assert.Equal(t, "https://relay.example.com", env["ANTHROPIC_BASE_URL"])

	hooks := settings["hooks"].(map[string]any)
	assert.Contains(t, hooks, "PreToolUse", "existing hooks preserved")

	stop := hooks["Stop"].([]any)
	require.Len(t, stop, 1)
	assert.True(t, strings.Contains(string(data), NotifierCommand))
}

func TestClaudeSetupIdempotent(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, SetupClaude(home))
	require.NoError(t, SetupClaude(home))

	data, err := os.ReadFile(ClaudeSettingsPath(home))
	require.NoError(t, err)

	var settings map[string]any
	require.NoError(t, json.Unmarshal(data, &settings))
	stop := settings["hooks"].(map[string]any)["Stop"].([]any)
	assert.Len(t, stop, 1, "no duplicate hook entries")
}

func TestClaudeSetupRefusesCorruptSettings(t *testing.T) {
	home := t.TempDir()
	path := ClaudeSettingsPath(home)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	assert.Error(t, SetupClaude(home), "never clobber a file we cannot parse")
}
