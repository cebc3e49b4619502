// Package ipc implements the daemon's local endpoint: a filesystem-namespaced
// listener carrying newline-delimited JSON messages. No network socket is
// ever bound.
package ipc

import (
	"encoding/json"

	"github.com/zqq-nuli/felay/internal/config"
	"github.com/zqq-nuli/felay/pkg/types"
)

// Message is the wire envelope. Type discriminates the payload schema;
// unknown types and payloads that fail validation are silently discarded.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope from a typed payload.
func NewMessage(msgType string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Payload: raw}, nil
}

// Events from the CLI host.
const (
	TypeRegisterSession = "register_session"
	TypePTYOutput       = "pty_output"
	TypeSessionEnded    = "session_ended"
	TypeAPIProxyEvent   = "api_proxy_event"
	TypeCodexNotify     = "codex_notify"
	TypeClaudeNotify    = "claude_notify"
)

// Events from the daemon to the CLI host.
const (
	TypeFeishuInput = "feishu_input"
)

// Control request/response pairs.
const (
	TypeStatusRequest         = "status_request"
	TypeStatusResponse        = "status_response"
	TypeStopRequest           = "stop_request"
	TypeStopResponse          = "stop_response"
	TypeListBotsRequest       = "list_bots_request"
	TypeListBotsResponse      = "list_bots_response"
	TypeSaveBotRequest        = "save_bot_request"
	TypeSaveBotResponse       = "save_bot_response"
	TypeDeleteBotRequest      = "delete_bot_request"
	TypeDeleteBotResponse     = "delete_bot_response"
	TypeBindBotRequest        = "bind_bot_request"
	TypeBindBotResponse       = "bind_bot_response"
	TypeUnbindBotRequest      = "unbind_bot_request"
	TypeUnbindBotResponse     = "unbind_bot_response"
	TypeTestBotRequest        = "test_bot_request"
	TypeTestBotResponse       = "test_bot_response"
	TypeGetConfigRequest      = "get_config_request"
	TypeGetConfigResponse     = "get_config_response"
	TypeSaveConfigRequest     = "save_config_request"
	TypeSaveConfigResponse    = "save_config_response"
	TypeSetDefaultBotRequest  = "set_default_bot_request"
	TypeSetDefaultBotResponse = "set_default_bot_response"
	TypeGetDefaultsRequest    = "get_defaults_request"
	TypeGetDefaultsResponse   = "get_defaults_response"
	TypeCheckCodexConfigReq   = "check_codex_config_request"
	TypeCheckCodexConfigResp  = "check_codex_config_response"
	TypeSetupCodexConfigReq   = "setup_codex_config_request"
	TypeSetupCodexConfigResp  = "setup_codex_config_response"
	TypeCheckClaudeConfigReq  = "check_claude_config_request"
	TypeCheckClaudeConfigResp = "check_claude_config_response"
	TypeSetupClaudeConfigReq  = "setup_claude_config_request"
	TypeSetupClaudeConfigResp = "setup_claude_config_response"
)

// Ack is the conventional response payload for operations with side effects.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// AckOK is the success acknowledgment.
func AckOK() Ack { return Ack{OK: true} }

// AckErr wraps an error into a negative acknowledgment.
func AckErr(err error) Ack {
	if err == nil {
		return AckOK()
	}
	return Ack{OK: false, Error: err.Error()}
}

// RegisterSessionPayload announces a CLI-host session.
type RegisterSessionPayload struct {
	SessionID string `json:"sessionId"`
	CLI       string `json:"cli"`
	Cwd       string `json:"cwd"`
	ProxyMode bool   `json:"proxyMode,omitempty"`
}

// PTYOutputPayload carries one chunk of raw PTY output.
type PTYOutputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// SessionEndedPayload marks the end of a session.
type SessionEndedPayload struct {
	SessionID string `json:"sessionId"`
}

// APIProxyEventPayload delivers one assembled AI turn from the in-CLI proxy.
type APIProxyEventPayload struct {
	SessionID string                 `json:"sessionId"`
	Message   types.AssembledMessage `json:"message"`
}

// NotifyPayload is a completion hook notification (codex_notify,
// claude_notify). The session is matched by exact cwd equality.
type NotifyPayload struct {
	Cwd     string `json:"cwd"`
	Message string `json:"message"`
}

// FeishuInputPayload injects chat input into the PTY, with the
// Windows-specific Enter-retry hints and any downloaded image paths.
type FeishuInputPayload struct {
	SessionID          string   `json:"sessionId"`
	Text               string   `json:"text"`
	EnterRetryCount    int      `json:"enterRetryCount"`
	EnterRetryInterval int      `json:"enterRetryInterval"`
	Images             []string `json:"images,omitempty"`
}

// Warning is a user-visible connector warning surfaced on status.
type Warning struct {
	BotID   string `json:"botId"`
	Message string `json:"message"`
}

// StatusResponse reports daemon health to the GUI.
type StatusResponse struct {
	Version  string          `json:"version"`
	PID      int             `json:"pid"`
	Sessions []types.Session `json:"sessions"`
	Warnings []Warning       `json:"warnings"`
}

// StopRequestPayload asks the daemon to shut down.
type StopRequestPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ListBotsResponse returns the configured bots. Secrets are blanked; the
// GUI edits them write-only.
type ListBotsResponse struct {
	Interactive []types.InteractiveBot `json:"interactive"`
	Push        []types.PushBot        `json:"push"`
}

// SaveBotPayload upserts a bot of either kind.
type SaveBotPayload struct {
	Kind        types.BotKind         `json:"kind"`
	Interactive *types.InteractiveBot `json:"interactive,omitempty"`
	Push        *types.PushBot        `json:"push,omitempty"`
}

// SaveBotResponse acknowledges an upsert and echoes the stored id.
type SaveBotResponse struct {
	Ack
	BotID string `json:"botId,omitempty"`
}

// DeleteBotPayload removes a bot by id.
type DeleteBotPayload struct {
	BotID string `json:"botId"`
}

// BindBotPayload binds a bot to a session.
type BindBotPayload struct {
	SessionID string        `json:"sessionId"`
	Kind      types.BotKind `json:"kind"`
	BotID     string        `json:"botId"`
}

// UnbindBotPayload clears a session's binding of the given kind.
type UnbindBotPayload struct {
	SessionID string        `json:"sessionId"`
	Kind      types.BotKind `json:"kind"`
}

// TestBotPayload probes a bot's credentials/webhook.
type TestBotPayload struct {
	Kind  types.BotKind `json:"kind"`
	BotID string        `json:"botId"`
}

// GetConfigResponse returns the full document (secrets plaintext; the GUI is
// a local trusted client).
type GetConfigResponse struct {
	Config *types.Config `json:"config"`
}

// SaveConfigPayload replaces the non-bot portion of the document.
type SaveConfigPayload struct {
	Settings config.Settings `json:"settings"`
}

// SetDefaultBotPayload records a default bot binding.
type SetDefaultBotPayload struct {
	Kind  types.BotKind `json:"kind"`
	BotID string        `json:"botId"`
}

// GetDefaultsResponse returns the default bot bindings.
type GetDefaultsResponse struct {
	Defaults types.DefaultsConfig `json:"defaults"`
}

// ToolConfigStatus reports whether an AI tool's completion hook points at
// the felay notifier.
type ToolConfigStatus struct {
	Installed bool   `json:"installed"`
	Path      string `json:"path"`
}
