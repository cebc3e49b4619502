package sse

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/zqq-nuli/felay/pkg/types"
)

// openaiToolCall accumulates one tool call merged by index.
type openaiToolCall struct {
	name string
	args strings.Builder
}

// OpenAIAssembler assembles the OpenAI chat-completion chunk format.
type OpenAIAssembler struct {
	model        string
	finishReason string
	content      strings.Builder
	toolCalls    map[int]*openaiToolCall
	suggestion   bool
}

// NewOpenAIAssembler creates an assembler in its reset state.
func NewOpenAIAssembler() *OpenAIAssembler {
	return &OpenAIAssembler{toolCalls: make(map[int]*openaiToolCall)}
}

// SetSuggestion marks the in-flight turn as a suggestion-mode call.
func (a *OpenAIAssembler) SetSuggestion(on bool) { a.suggestion = on }

type openaiChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int `json:"index"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Feed consumes one event, emitting on the [DONE] sentinel.
func (a *OpenAIAssembler) Feed(ev Event) *types.AssembledMessage {
	if strings.TrimSpace(ev.Data) == DoneSentinel {
		return a.emit()
	}

	var chunk openaiChunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return nil
	}

	// Model name comes from whichever event first carries it.
	if a.model == "" && chunk.Model != "" {
		a.model = chunk.Model
	}
	if len(chunk.Choices) == 0 {
		return nil
	}

	choice := chunk.Choices[0]
	a.content.WriteString(choice.Delta.Content)

	for _, tc := range choice.Delta.ToolCalls {
		call, ok := a.toolCalls[tc.Index]
		if !ok {
			call = &openaiToolCall{}
			a.toolCalls[tc.Index] = call
		}
		// First occurrence sets the name; later events append arguments.
		if call.name == "" {
			call.name = tc.Function.Name
		}
		call.args.WriteString(tc.Function.Arguments)
	}

	if choice.FinishReason != "" {
		a.finishReason = choice.FinishReason
	}
	return nil
}

// Abort emits whatever text accumulated before a stream failure.
func (a *OpenAIAssembler) Abort() *types.AssembledMessage {
	if a.content.Len() > 0 {
		return a.emit()
	}
	a.model = ""
	a.finishReason = ""
	a.content.Reset()
	a.toolCalls = make(map[int]*openaiToolCall)
	a.suggestion = false
	return nil
}

// emit finalizes the turn and resets state.
func (a *OpenAIAssembler) emit() *types.AssembledMessage {
	indexes := make([]int, 0, len(a.toolCalls))
	for i := range a.toolCalls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var tools []types.ToolUseBlock
	for _, i := range indexes {
		call := a.toolCalls[i]
		tools = append(tools, types.ToolUseBlock{
			Name:  call.name,
			Input: call.args.String(),
		})
	}

	msg := &types.AssembledMessage{
		Provider:      types.ProviderOpenAI,
		Model:         a.model,
		StopReason:    a.finishReason,
		TextContent:   a.content.String(),
		ToolUseBlocks: tools,
		IsSuggestion:  a.suggestion,
		CompletedAt:   time.Now(),
	}

	a.model = ""
	a.finishReason = ""
	a.content.Reset()
	a.toolCalls = make(map[int]*openaiToolCall)
	a.suggestion = false
	return msg
}
