// Package main provides the completion-hook notifier installed into codex
// (config.toml notify command) and claude (settings.json Stop hook). It
// forwards the tool's final reply to the daemon as codex_notify or
// claude_notify and exits; a missing daemon is not an error, the hook must
// never break the wrapped tool.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zqq-nuli/felay/internal/config"
	"github.com/zqq-nuli/felay/internal/ipc"
)

// codexNotification is the JSON argument codex passes to its notify command.
type codexNotification struct {
	Type                 string `json:"type"`
	LastAssistantMessage string `json:"last-assistant-message"`
	Cwd                  string `json:"cwd"`
}

// claudeHookInput is the JSON claude writes to a Stop hook's stdin.
type claudeHookInput struct {
	Cwd            string `json:"cwd"`
	TranscriptPath string `json:"transcript_path"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: felay-notify <codex|claude> [payload]")
		os.Exit(2)
	}

	var msgType string
	var payload ipc.NotifyPayload

	switch os.Args[1] {
	case "codex":
		msgType = ipc.TypeCodexNotify
		var note codexNotification
		if len(os.Args) > 2 {
			_ = json.Unmarshal([]byte(os.Args[2]), &note)
		}
		if note.Type != "" && note.Type != "agent-turn-complete" {
			return
		}
		payload.Message = note.LastAssistantMessage
		payload.Cwd = note.Cwd

	case "claude":
		msgType = ipc.TypeClaudeNotify
		var input claudeHookInput
		data, _ := io.ReadAll(os.Stdin)
		_ = json.Unmarshal(data, &input)
		payload.Cwd = input.Cwd
		payload.Message = lastTranscriptReply(input.TranscriptPath)

	default:
		fmt.Fprintf(os.Stderr, "felay-notify: unknown tool %q\n", os.Args[1])
		os.Exit(2)
	}

	if payload.Cwd == "" {
		if cwd, err := os.Getwd(); err == nil {
			payload.Cwd = cwd
		}
	}
	if payload.Message == "" {
		return
	}

	client, err := ipc.DialEndpoint(config.GetPaths().SocketPath())
	if err != nil {
		// No daemon running; the hook stays silent.
		return
	}
	defer client.Close()
	_ = client.Send(msgType, payload)
}

// transcriptEntry is the subset of a claude transcript JSONL line the
// notifier reads.
type transcriptEntry struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// lastTranscriptReply extracts the final assistant text from a claude
// transcript file.
func lastTranscriptReply(path string) string {
	if path == "" {
		return ""
	}
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	var last string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var entry transcriptEntry
		if json.Unmarshal(scanner.Bytes(), &entry) != nil {
			continue
		}
		if entry.Type != "assistant" && entry.Message.Role != "assistant" {
			continue
		}
		var parts []string
		for _, block := range entry.Message.Content {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		if text := strings.TrimSpace(strings.Join(parts, "\n")); text != "" {
			last = text
		}
	}
	return last
}
