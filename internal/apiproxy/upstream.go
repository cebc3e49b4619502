// Package apiproxy implements the in-CLI reply-assembly proxy: a transparent
// HTTP reverse proxy between the AI tool and its upstream API that tees SSE
// responses through an assembler and emits one assembled message per turn.
//
// The proxy runs inside the CLI host process, not the daemon, so that
// intercepting the tool's outbound HTTP is a matter of environment and
// configuration only. Its output reaches the daemon as an api_proxy_event.
package apiproxy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/zqq-nuli/felay/pkg/types"
)

// Provider default origins.
const (
	DefaultAnthropicUpstream = "https://api.anthropic.com"
	DefaultOpenAIUpstream    = "https://api.openai.com"
)

// ToolIdentity derives the wrapped tool's identity from its executable
// basename, stripping the Windows launcher extensions.
func ToolIdentity(tool string) string {
	base := filepath.Base(tool)
	for _, ext := range []string{".exe", ".cmd", ".bat"} {
		if strings.EqualFold(filepath.Ext(base), ext) {
			base = base[:len(base)-len(ext)]
			break
		}
	}
	return strings.ToLower(base)
}

// ProviderFor maps a tool identity to the SSE format its upstream speaks.
func ProviderFor(tool string) types.Provider {
	if ToolIdentity(tool) == "claude" {
		return types.ProviderAnthropic
	}
	return types.ProviderOpenAI
}

// baseURLEnvVar is each provider's well-known base-URL environment variable.
func baseURLEnvVar(provider types.Provider) string {
	if provider == types.ProviderAnthropic {
		return "ANTHROPIC_BASE_URL"
	}
	return "OPENAI_BASE_URL"
}

// claudeSettings is the subset of ~/.claude/settings.json the resolver reads.
type claudeSettings struct {
	Env map[string]string `json:"env"`
}

// ResolveUpstream determines the upstream origin for a tool:
//  1. the provider's base-URL environment variable, when set;
//  2. for claude, the env block of its settings file;
//  3. the provider's public default.
func ResolveUpstream(tool string, getenv func(string) string, homeDir string) (string, types.Provider) {
	provider := ProviderFor(tool)
	envVar := baseURLEnvVar(provider)

	if base := strings.TrimRight(getenv(envVar), "/"); base != "" {
		return base, provider
	}

	if provider == types.ProviderAnthropic && homeDir != "" {
		settingsPath := filepath.Join(homeDir, ".claude", "settings.json")
		if data, err := os.ReadFile(settingsPath); err == nil {
			var settings claudeSettings
			if json.Unmarshal(data, &settings) == nil {
				if base := strings.TrimRight(settings.Env[envVar], "/"); base != "" {
					return base, provider
				}
			}
		}
	}

	if provider == types.ProviderAnthropic {
		return DefaultAnthropicUpstream, provider
	}
	return DefaultOpenAIUpstream, provider
}
