package sse

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/zqq-nuli/felay/pkg/types"
)

// Assembler turns framed SSE events into at most one AssembledMessage per
// turn. State resets after each emission; nothing is buffered across a
// message_stop / [DONE] boundary.
type Assembler interface {
	// Feed consumes one event and returns the assembled message when the
	// turn completes, nil otherwise.
	Feed(ev Event) *types.AssembledMessage
	// SetSuggestion marks the in-flight turn as a suggestion-mode call.
	SetSuggestion(on bool)
	// Abort finalizes a turn cut short by stream failure. Partial text that
	// already accumulated is still emitted; with nothing accumulated it
	// returns nil.
	Abort() *types.AssembledMessage
}

// NewAssembler returns the assembler for a provider.
func NewAssembler(provider types.Provider) Assembler {
	if provider == types.ProviderOpenAI {
		return NewOpenAIAssembler()
	}
	return NewAnthropicAssembler()
}

// anthropicBlock is the accumulating state of one content block.
type anthropicBlock struct {
	kind  string // "text" | "tool_use" | "thinking"
	name  string
	text  strings.Builder
	input strings.Builder
}

// AnthropicAssembler assembles the Anthropic event-per-block stream format.
type AnthropicAssembler struct {
	model      string
	stopReason string
	blocks     map[int]*anthropicBlock
	suggestion bool
}

// NewAnthropicAssembler creates an assembler in its reset state.
func NewAnthropicAssembler() *AnthropicAssembler {
	return &AnthropicAssembler{blocks: make(map[int]*anthropicBlock)}
}

// SetSuggestion marks the in-flight turn as a suggestion-mode call.
func (a *AnthropicAssembler) SetSuggestion(on bool) { a.suggestion = on }

// Wire shapes. Only the fields the assembler reads are declared.
type anthropicEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		Model string `json:"model"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		Thinking    string `json:"thinking"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
}

// Feed consumes one event, emitting on message_stop.
func (a *AnthropicAssembler) Feed(ev Event) *types.AssembledMessage {
	var payload anthropicEvent
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		return nil
	}

	kind := payload.Type
	if kind == "" {
		kind = ev.Event
	}

	switch kind {
	case "message_start":
		if payload.Message.Model != "" {
			a.model = payload.Message.Model
		}
	case "content_block_start":
		a.blocks[payload.Index] = &anthropicBlock{
			kind: payload.ContentBlock.Type,
			name: payload.ContentBlock.Name,
		}
	case "content_block_delta":
		block, ok := a.blocks[payload.Index]
		if !ok {
			// Delta without a start: tolerate and treat as text.
			block = &anthropicBlock{kind: "text"}
			a.blocks[payload.Index] = block
		}
		switch payload.Delta.Type {
		case "text_delta":
			block.text.WriteString(payload.Delta.Text)
		case "input_json_delta":
			block.input.WriteString(payload.Delta.PartialJSON)
		case "thinking_delta":
			// Parsed but never exported.
			block.text.WriteString(payload.Delta.Thinking)
		}
	case "message_delta":
		if payload.Delta.StopReason != "" {
			a.stopReason = payload.Delta.StopReason
		}
	case "message_stop":
		return a.emit()
	}
	return nil
}

// Abort emits whatever text accumulated before a stream failure.
func (a *AnthropicAssembler) Abort() *types.AssembledMessage {
	for _, block := range a.blocks {
		if block.kind == "text" && block.text.Len() > 0 {
			return a.emit()
		}
	}
	a.model = ""
	a.stopReason = ""
	a.blocks = make(map[int]*anthropicBlock)
	a.suggestion = false
	return nil
}

// emit finalizes the turn and resets state.
func (a *AnthropicAssembler) emit() *types.AssembledMessage {
	indexes := make([]int, 0, len(a.blocks))
	for i := range a.blocks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var text strings.Builder
	var tools []types.ToolUseBlock
	for _, i := range indexes {
		block := a.blocks[i]
		switch block.kind {
		case "text":
			text.WriteString(block.text.String())
		case "tool_use":
			tools = append(tools, types.ToolUseBlock{
				Name:  block.name,
				Input: block.input.String(),
			})
		}
		// thinking blocks are dropped
	}

	msg := &types.AssembledMessage{
		Provider:      types.ProviderAnthropic,
		Model:         a.model,
		StopReason:    a.stopReason,
		TextContent:   text.String(),
		ToolUseBlocks: tools,
		IsSuggestion:  a.suggestion,
		CompletedAt:   time.Now(),
	}

	a.model = ""
	a.stopReason = ""
	a.blocks = make(map[int]*anthropicBlock)
	a.suggestion = false
	return msg
}
