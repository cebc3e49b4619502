package types

import "time"

// Provider identifies the SSE wire format an assembled message came from.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Stop reasons worth special routing. The field itself is a free string;
// anything else is treated like a normal end of turn.
const (
	StopEndTurn   = "end_turn"
	StopStop      = "stop"
	StopToolUse   = "tool_use"
	StopToolCalls = "tool_calls"
)

// ToolUseBlock is one tool invocation captured from a stream. Input is the
// accumulated partial-JSON argument string, deliberately not parsed.
type ToolUseBlock struct {
	Name  string `json:"name"`
	Input string `json:"input"`
}

// AssembledMessage is the normalized per-turn output of an SSE assembler,
// provider-independent. Delivered at most once per AI turn.
type AssembledMessage struct {
	Provider      Provider       `json:"provider"`
	Model         string         `json:"model"`
	StopReason    string         `json:"stopReason"`
	TextContent   string         `json:"textContent"`
	ToolUseBlocks []ToolUseBlock `json:"toolUseBlocks,omitempty"`
	IsSuggestion  bool           `json:"isSuggestion"`
	CompletedAt   time.Time      `json:"completedAt"`
}

// IsToolTurn reports whether the turn stopped to invoke tools.
func (m *AssembledMessage) IsToolTurn() bool {
	return m.StopReason == StopToolUse || m.StopReason == StopToolCalls
}
