// Package router glues the registry, config store, buffers, chat connector,
// and IPC server together: every validated IPC message and every inbound
// chat event lands here.
//
// The router holds one-way capability handles only; registry rows are plain
// data and connector callbacks arrive through the event bus, so no cycle
// exists. Per-session routing state (reply target, pending reply, reply
// serialization) is guarded per sessionId.
package router

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zqq-nuli/felay/internal/buffer"
	"github.com/zqq-nuli/felay/internal/chat"
	"github.com/zqq-nuli/felay/internal/config"
	"github.com/zqq-nuli/felay/internal/event"
	"github.com/zqq-nuli/felay/internal/ipc"
	"github.com/zqq-nuli/felay/internal/logging"
	"github.com/zqq-nuli/felay/internal/registry"
	"github.com/zqq-nuli/felay/internal/toolcfg"
	"github.com/zqq-nuli/felay/pkg/types"
)

// Version is reported on status.
const Version = "0.3.1"

// lightweightModelMarker identifies a provider's internal/auxiliary model
// requests, which never carry user-visible replies.
const lightweightModelMarker = "haiku"

// hookCLIs are the AI tools that ship their own completion hooks; their
// terminal output is never used for reply capture.
var hookCLIs = map[string]bool{
	"codex":  true,
	"claude": true,
}

// InHookSet reports whether a cli name (as invoked) belongs to a tool with
// completion hooks.
func InHookSet(cli string) bool {
	base := strings.ToLower(cli)
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	for _, ext := range []string{".exe", ".cmd", ".bat"} {
		base = strings.TrimSuffix(base, ext)
	}
	return hookCLIs[base]
}

// Sender delivers daemon→CLI-host messages; implemented by the IPC server.
type Sender interface {
	SendToSession(sessionID string, msg ipc.Message) error
	HasSessionSocket(sessionID string) bool
}

// sessionState is the router's per-session routing state, torn down with
// the session.
type sessionState struct {
	mu sync.Mutex
	// sendMu serializes reply dispatch for the session.
	sendMu sync.Mutex

	// chatID is the persistent reply target, first-seen wins.
	chatID string
	// lastUserMsgID carries the message holding the ack reaction.
	lastUserMsgID string
	// pendingReply means a user turn is awaiting its reply.
	pendingReply bool
}

// Router implements ipc.Handler and owns message routing.
type Router struct {
	cfg     *config.Store
	reg     *registry.Registry
	chat    chat.Transport
	buffers *buffer.Manager
	paths   *config.Paths
	sender  Sender

	// reactionKind is the acknowledgment emoji token; the service
	// vocabulary shifts, so it stays configurable.
	reactionKind string
	homeDir      string

	mu    sync.Mutex
	state map[string]*sessionState

	unsubChat func()
}

var _ ipc.Handler = (*Router)(nil)

// Options configures a Router.
type Options struct {
	Config   *config.Store
	Registry *registry.Registry
	Chat     chat.Transport
	Buffers  *buffer.Manager
	Paths    *config.Paths
	Sender   Sender
	// ReactionKind overrides the acknowledgment emoji token.
	ReactionKind string
	// HomeDir overrides the user home used for tool hook setup.
	HomeDir string
}

// New creates the router and subscribes it to inbound chat events. The
// buffer manager's flush callbacks are bound here.
func New(opts Options) *Router {
	r := &Router{
		cfg:          opts.Config,
		reg:          opts.Registry,
		chat:         opts.Chat,
		buffers:      opts.Buffers,
		paths:        opts.Paths,
		sender:       opts.Sender,
		reactionKind: opts.ReactionKind,
		homeDir:      opts.HomeDir,
		state:        make(map[string]*sessionState),
	}
	if r.reactionKind == "" {
		r.reactionKind = chat.DefaultReactionKind
	}
	if r.homeDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			r.homeDir = home
		}
	}

	r.unsubChat = event.Subscribe(event.ChatMessageReceived, func(e event.Event) {
		if data, ok := e.Data.(event.ChatMessageData); ok {
			r.onChatMessage(data)
		}
	})
	return r
}

// Close unsubscribes from the bus.
func (r *Router) Close() {
	if r.unsubChat != nil {
		r.unsubChat()
	}
}

// session returns the routing state for a session, creating it on demand.
func (r *Router) session(sessionID string) *sessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[sessionID]
	if !ok {
		st = &sessionState{}
		r.state[sessionID] = st
	}
	return st
}

func (r *Router) dropState(sessionID string) {
	r.mu.Lock()
	delete(r.state, sessionID)
	r.mu.Unlock()
}

// RegisterSession inserts or refreshes the session and auto-binds the
// configured defaults on a brand-new registration.
func (r *Router) RegisterSession(p ipc.RegisterSessionPayload) {
	_, fresh := r.reg.Register(p.SessionID, p.CLI, p.Cwd)
	if p.ProxyMode {
		_, _ = r.reg.SetProxyMode(p.SessionID, true)
	}
	logging.Info().Str("session", p.SessionID).Str("cli", p.CLI).Bool("fresh", fresh).Msg("session registered")

	if !fresh {
		return
	}

	defaults := r.cfg.Defaults()
	if defaults.DefaultInteractiveBotID != "" {
		if _, ok := r.cfg.InteractiveBot(defaults.DefaultInteractiveBotID); ok {
			if _, err := r.reg.BindInteractive(p.SessionID, defaults.DefaultInteractiveBotID); err == nil {
				if err := r.chat.StartInteractive(defaults.DefaultInteractiveBotID); err != nil {
					logging.Warn().Err(err).Str("bot", defaults.DefaultInteractiveBotID).Msg("default interactive bot failed to start")
				}
			}
		}
	}
	if defaults.DefaultPushBotID != "" {
		if _, ok := r.cfg.PushBot(defaults.DefaultPushBotID); ok {
			_, _ = r.reg.BindPush(p.SessionID, defaults.DefaultPushBotID)
		}
	}
}

// SessionEnded handles the explicit end event.
func (r *Router) SessionEnded(p ipc.SessionEndedPayload) {
	r.endSession(p.SessionID)
}

// SessionsReleased treats a dropped IPC client as session_ended for routing
// purposes.
func (r *Router) SessionsReleased(sessionIDs []string) {
	for _, id := range sessionIDs {
		logging.Info().Str("session", id).Msg("ipc client dropped, ending session")
		r.endSession(id)
	}
}

// Status reports daemon state to the GUI.
func (r *Router) Status() ipc.StatusResponse {
	warnings := r.chat.Warnings()
	out := make([]ipc.Warning, 0, len(warnings))
	for _, w := range warnings {
		out = append(out, ipc.Warning{BotID: w.BotID, Message: w.Message})
	}
	return ipc.StatusResponse{
		Version:  Version,
		PID:      os.Getpid(),
		Sessions: r.reg.List(),
		Warnings: out,
	}
}

// Stop publishes the shutdown request; the daemon's run loop reacts.
func (r *Router) Stop(p ipc.StopRequestPayload) ipc.Ack {
	event.Publish(event.Event{
		Type: event.StopRequested,
		Data: event.StopRequestedData{Reason: p.Reason},
	})
	return ipc.AckOK()
}

// ListBots returns configured bots with secrets blanked.
func (r *Router) ListBots() ipc.ListBotsResponse {
	doc := r.cfg.Get()
	for i := range doc.Bots.Interactive {
		doc.Bots.Interactive[i].AppSecret = ""
		doc.Bots.Interactive[i].EncryptKey = ""
	}
	for i := range doc.Bots.Push {
		doc.Bots.Push[i].SigningSecret = ""
	}
	return ipc.ListBotsResponse{Interactive: doc.Bots.Interactive, Push: doc.Bots.Push}
}

// SaveBot upserts a bot of either kind.
func (r *Router) SaveBot(p ipc.SaveBotPayload) ipc.SaveBotResponse {
	switch p.Kind {
	case types.BotKindInteractive:
		if p.Interactive == nil || p.Interactive.AppID == "" {
			return ipc.SaveBotResponse{Ack: ipc.Ack{Error: "missing interactive bot fields"}}
		}
		bot, err := r.cfg.UpsertInteractiveBot(*p.Interactive)
		if err != nil {
			return ipc.SaveBotResponse{Ack: ipc.AckErr(err)}
		}
		return ipc.SaveBotResponse{Ack: ipc.AckOK(), BotID: bot.ID}
	case types.BotKindPush:
		if p.Push == nil {
			return ipc.SaveBotResponse{Ack: ipc.Ack{Error: "missing push bot fields"}}
		}
		if err := chat.ValidateWebhookURL(p.Push.WebhookURL); err != nil {
			return ipc.SaveBotResponse{Ack: ipc.AckErr(err)}
		}
		bot, err := r.cfg.UpsertPushBot(*p.Push)
		if err != nil {
			return ipc.SaveBotResponse{Ack: ipc.AckErr(err)}
		}
		return ipc.SaveBotResponse{Ack: ipc.AckOK(), BotID: bot.ID}
	default:
		return ipc.SaveBotResponse{Ack: ipc.Ack{Error: "unknown bot kind"}}
	}
}

// DeleteBot removes the bot, unbinds every session referencing it, and stops
// an orphaned interactive connection.
func (r *Router) DeleteBot(p ipc.DeleteBotPayload) ipc.Ack {
	bound := r.reg.BoundTo(p.BotID)

	kind, err := r.cfg.DeleteBot(p.BotID)
	if err != nil {
		return ipc.AckErr(err)
	}

	for _, row := range bound {
		switch kind {
		case types.BotKindInteractive:
			if row.InteractiveBotID == p.BotID {
				_, _ = r.reg.UnbindInteractive(row.SessionID)
			}
		case types.BotKindPush:
			if row.PushBotID == p.BotID {
				_, _ = r.reg.UnbindPush(row.SessionID)
				r.buffers.ResetPush(row.SessionID)
			}
		}
	}

	if kind == types.BotKindInteractive {
		r.chat.StopInteractive(p.BotID)
	}
	return ipc.AckOK()
}

// BindBot binds a bot to a session; binding a non-existent session is a
// negative acknowledgment, never an implicit registration.
func (r *Router) BindBot(p ipc.BindBotPayload) ipc.Ack {
	switch p.Kind {
	case types.BotKindInteractive:
		if _, ok := r.cfg.InteractiveBot(p.BotID); !ok {
			return ipc.AckErr(config.ErrBotNotFound)
		}
		if _, err := r.reg.BindInteractive(p.SessionID, p.BotID); err != nil {
			return ipc.AckErr(err)
		}
		if err := r.chat.StartInteractive(p.BotID); err != nil {
			return ipc.AckErr(err)
		}
	case types.BotKindPush:
		if _, ok := r.cfg.PushBot(p.BotID); !ok {
			return ipc.AckErr(config.ErrBotNotFound)
		}
		if _, err := r.reg.BindPush(p.SessionID, p.BotID); err != nil {
			return ipc.AckErr(err)
		}
	default:
		return ipc.Ack{Error: "unknown bot kind"}
	}
	return ipc.AckOK()
}

// UnbindBot clears a binding, stopping the interactive connection when no
// other session still references the bot.
func (r *Router) UnbindBot(p ipc.UnbindBotPayload) ipc.Ack {
	row, ok := r.reg.Get(p.SessionID)
	if !ok {
		return ipc.AckErr(registry.ErrSessionNotFound)
	}

	switch p.Kind {
	case types.BotKindInteractive:
		botID := row.InteractiveBotID
		if _, err := r.reg.UnbindInteractive(p.SessionID); err != nil {
			return ipc.AckErr(err)
		}
		if botID != "" && len(r.reg.BoundTo(botID)) == 0 {
			r.chat.StopInteractive(botID)
		}
	case types.BotKindPush:
		if _, err := r.reg.UnbindPush(p.SessionID); err != nil {
			return ipc.AckErr(err)
		}
		r.buffers.ResetPush(p.SessionID)
	default:
		return ipc.Ack{Error: "unknown bot kind"}
	}
	return ipc.AckOK()
}

// TestBot probes a bot's credentials or webhook.
func (r *Router) TestBot(p ipc.TestBotPayload) ipc.Ack {
	switch p.Kind {
	case types.BotKindInteractive:
		bot, ok := r.cfg.InteractiveBot(p.BotID)
		if !ok {
			return ipc.AckErr(config.ErrBotNotFound)
		}
		return ipc.AckErr(r.chat.TestInteractive(bot))
	case types.BotKindPush:
		bot, ok := r.cfg.PushBot(p.BotID)
		if !ok {
			return ipc.AckErr(config.ErrBotNotFound)
		}
		return ipc.AckErr(r.chat.TestPush(bot))
	default:
		return ipc.Ack{Error: "unknown bot kind"}
	}
}

// GetConfig returns the full document.
func (r *Router) GetConfig() ipc.GetConfigResponse {
	return ipc.GetConfigResponse{Config: r.cfg.Get()}
}

// SaveConfig replaces the non-bot settings and re-tunes the buffers.
func (r *Router) SaveConfig(p ipc.SaveConfigPayload) ipc.Ack {
	if err := r.cfg.SaveSettings(p.Settings); err != nil {
		return ipc.AckErr(err)
	}
	doc := r.cfg.Get()
	r.buffers.SetMergeWindow(time.Duration(doc.Push.MergeWindowMs) * time.Millisecond)
	r.buffers.SetMaxMessageBytes(doc.Push.MaxMessageBytes)
	return ipc.AckOK()
}

// SetDefaultBot records the default binding.
func (r *Router) SetDefaultBot(p ipc.SetDefaultBotPayload) ipc.Ack {
	return ipc.AckErr(r.cfg.SetDefaultBot(p.Kind, p.BotID))
}

// GetDefaults returns the default bindings.
func (r *Router) GetDefaults() ipc.GetDefaultsResponse {
	return ipc.GetDefaultsResponse{Defaults: r.cfg.Defaults()}
}

// CheckToolConfig reports whether the tool's completion hook is installed.
func (r *Router) CheckToolConfig(tool string) ipc.ToolConfigStatus {
	var status toolcfg.Status
	switch tool {
	case "codex":
		status = toolcfg.CheckCodex(r.homeDir)
	case "claude":
		status = toolcfg.CheckClaude(r.homeDir)
	}
	return ipc.ToolConfigStatus{Installed: status.Installed, Path: status.Path}
}

// SetupToolConfig installs the tool's completion hook.
func (r *Router) SetupToolConfig(tool string) ipc.Ack {
	switch tool {
	case "codex":
		return ipc.AckErr(toolcfg.SetupCodex(r.homeDir))
	case "claude":
		return ipc.AckErr(toolcfg.SetupClaude(r.homeDir))
	default:
		return ipc.Ack{Error: "unknown tool"}
	}
}
