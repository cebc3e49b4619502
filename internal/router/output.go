package router

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/zqq-nuli/felay/internal/chat"
	"github.com/zqq-nuli/felay/internal/ipc"
	"github.com/zqq-nuli/felay/internal/logging"
	"github.com/zqq-nuli/felay/internal/richtext"
	"github.com/zqq-nuli/felay/internal/term"
	"github.com/zqq-nuli/felay/pkg/types"
)

// PTYOutput fans one raw output chunk into the session's buffers. The
// summary tail sees everything; the live buffers only feed the terminal
// fallback path.
func (r *Router) PTYOutput(p ipc.PTYOutputPayload) {
	_, _ = r.reg.TouchProxy(p.SessionID)

	r.buffers.AppendSummary(p.SessionID, p.Data)

	row, ok := r.reg.Get(p.SessionID)
	if !ok || row.Ended() {
		return
	}
	// Hook-based CLIs deliver their reply via *_notify; proxy-mode sessions
	// via api_proxy_event. Either way the live buffers stay out of it.
	if InHookSet(row.CLI) || row.ProxyMode {
		return
	}

	if row.InteractiveBotID != "" {
		r.buffers.AppendInteractive(p.SessionID, p.Data)
	}
	if row.PushBotID != "" && row.PushEnabled {
		r.buffers.AppendPush(p.SessionID, p.Data)
	}
}

// APIProxyEvent handles one assembled AI turn from the in-CLI proxy: the
// highest-priority reply source.
func (r *Router) APIProxyEvent(p ipc.APIProxyEventPayload) {
	_, _ = r.reg.TouchProxy(p.SessionID)
	_, _ = r.reg.SetProxyMode(p.SessionID, true)

	row, ok := r.reg.Get(p.SessionID)
	if !ok || row.Ended() {
		return
	}

	msg := p.Message
	if strings.Contains(strings.ToLower(msg.Model), lightweightModelMarker) {
		logging.Debug().Str("session", p.SessionID).Str("model", msg.Model).Msg("dropping lightweight-model turn")
		return
	}
	if msg.IsSuggestion {
		logging.Debug().Str("session", p.SessionID).Msg("dropping suggestion turn")
		return
	}

	if msg.IsToolTurn() {
		// Tool activity goes to the push bot only.
		r.sendPushText(row, formatToolActivity(msg.ToolUseBlocks))
		return
	}

	r.deliverReply(row, msg.TextContent)
}

// ToolNotify handles a completion hook notification, matched to a session
// by exact cwd equality. Proxy mode wins: source 1 is authoritative there.
func (r *Router) ToolNotify(tool string, p ipc.NotifyPayload) {
	if p.Message == "" {
		return
	}

	var match *types.Session
	for _, row := range r.reg.List() {
		if row.Ended() || row.Cwd != p.Cwd {
			continue
		}
		row := row
		match = &row
		break
	}
	if match == nil {
		logging.Debug().Str("tool", tool).Str("cwd", p.Cwd).Msg("hook notify without matching session")
		return
	}
	if match.ProxyMode {
		return
	}

	r.deliverReply(*match, p.Message)
}

// deliverReply fans a final reply out to the bound bots: rich-text post to
// the interactive bot, basic-variant post to the push bot.
func (r *Router) deliverReply(row types.Session, markdown string) {
	if strings.TrimSpace(markdown) == "" {
		return
	}
	st := r.session(row.SessionID)
	st.sendMu.Lock()
	defer st.sendMu.Unlock()

	r.sendInteractiveReply(row, st, markdown)
	r.sendPushPost(row, markdown)
}

// sendInteractiveReply posts a full-variant rich-text reply to the session's
// chat target and clears the turn's acknowledgment reaction.
func (r *Router) sendInteractiveReply(row types.Session, st *sessionState, markdown string) {
	if row.InteractiveBotID == "" {
		return
	}
	st.mu.Lock()
	chatID := st.chatID
	ackMsgID := st.lastUserMsgID
	st.pendingReply = false
	st.mu.Unlock()
	if chatID == "" {
		return
	}

	post := richtext.NewPost(row.CLI, richtext.Convert(markdown, richtext.Full))
	if err := r.chat.SendPost(row.InteractiveBotID, chatID, post); err != nil {
		logging.Error().Err(err).Str("session", row.SessionID).Str("bot", row.InteractiveBotID).Msg("interactive reply failed")
		return
	}

	if ackMsgID != "" {
		go func() {
			if err := r.chat.RemoveReaction(row.InteractiveBotID, ackMsgID, r.reactionKind); err != nil {
				logging.Debug().Err(err).Msg("ack reaction removal failed")
			}
		}()
	}
}

// sendPushPost sends a basic-variant rich-text document through the
// session's push webhook.
func (r *Router) sendPushPost(row types.Session, markdown string) {
	bot, ok := r.pushTarget(row)
	if !ok {
		return
	}
	post := richtext.NewPost(row.CLI, richtext.Convert(markdown, richtext.Basic))
	r.handlePushError(row.SessionID, r.chat.SendWebhookPost(bot, post))
}

// sendPushText sends plain text through the session's push webhook as a
// card.
func (r *Router) sendPushText(row types.Session, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	bot, ok := r.pushTarget(row)
	if !ok {
		return
	}
	r.handlePushError(row.SessionID, r.chat.SendWebhookCard(bot, chat.NewTextCard(row.CLI, text)))
}

func (r *Router) pushTarget(row types.Session) (types.PushBot, bool) {
	if row.PushBotID == "" || !row.PushEnabled {
		return types.PushBot{}, false
	}
	bot, ok := r.cfg.PushBot(row.PushBotID)
	if !ok {
		return types.PushBot{}, false
	}
	return bot, true
}

// handlePushError logs a push failure; the rate-limit response additionally
// widens the session's merge window. The dropped message is not retried.
func (r *Router) handlePushError(sessionID string, err error) {
	if err == nil {
		return
	}
	if err == chat.ErrRateLimited {
		window := r.buffers.IncreaseMergeWindow(sessionID)
		logging.Warn().Str("session", sessionID).Dur("merge_window", window).Msg("push rate limited, widening merge window")
		return
	}
	logging.Error().Err(err).Str("session", sessionID).Msg("push send failed")
}

// toolArgPreference is the ordered list of recognized argument keys; the
// first present wins.
var toolArgPreference = []string{"command", "file_path", "pattern", "query", "workdir"}

// formatToolLine renders one tool invocation as "tool <name>: <selected arg>".
func formatToolLine(block types.ToolUseBlock) string {
	var args map[string]any
	if err := json.Unmarshal([]byte(block.Input), &args); err == nil {
		for _, key := range toolArgPreference {
			if v, ok := args[key]; ok {
				return fmt.Sprintf("tool %s: %v", block.Name, v)
			}
		}
		// No recognized key: a lone argument still names the turn better
		// than a JSON dump.
		if len(args) == 1 {
			for _, v := range args {
				return fmt.Sprintf("tool %s: %v", block.Name, v)
			}
		}
	}
	raw := block.Input
	if len(raw) > 120 {
		raw = raw[:120] + "…"
	}
	return fmt.Sprintf("tool %s: %s", block.Name, raw)
}

func formatToolActivity(blocks []types.ToolUseBlock) string {
	lines := make([]string, 0, len(blocks))
	for _, b := range blocks {
		lines = append(lines, formatToolLine(b))
	}
	return strings.Join(lines, "\n")
}

// OnInteractiveFlush is the interactive buffer's emission callback: render
// the accumulated PTY bytes, extract the assistant prose, reply.
func (r *Router) OnInteractiveFlush(sessionID, raw string) {
	row, ok := r.reg.Get(sessionID)
	if !ok || row.InteractiveBotID == "" {
		return
	}

	text := term.ExtractResponse(term.Render([]byte(raw)))
	if strings.TrimSpace(text) == "" {
		return
	}

	st := r.session(sessionID)
	st.sendMu.Lock()
	defer st.sendMu.Unlock()
	r.sendInteractiveReply(row, st, text)
}

// OnPushFlush is the push buffer's emission callback: strip escapes, push.
func (r *Router) OnPushFlush(sessionID, raw string) {
	row, ok := r.reg.Get(sessionID)
	if !ok {
		return
	}
	r.sendPushText(row, term.StripEscapes(raw))
}

// endSession finalizes a session: force-flush the pending interactive
// collection, post the task summary card, clean up reactions, tear down all
// per-session state.
func (r *Router) endSession(sessionID string) {
	r.buffers.ForceFlushInteractive(sessionID)

	row, known := r.reg.End(sessionID)
	st := r.session(sessionID)

	st.mu.Lock()
	chatID := st.chatID
	ackMsgID := st.lastUserMsgID
	st.mu.Unlock()

	if known {
		tail := strings.TrimSpace(term.StripEscapes(r.buffers.Summary(sessionID)))
		card := chat.NewSummaryCard(row.CLI, row.Cwd, tail)

		switch {
		case row.InteractiveBotID != "" && chatID != "":
			if err := r.chat.SendCard(row.InteractiveBotID, chatID, card); err != nil {
				logging.Error().Err(err).Str("session", sessionID).Msg("summary card failed")
			}
		default:
			if bot, ok := r.pushTarget(row); ok {
				r.handlePushError(sessionID, r.chat.SendWebhookCard(bot, card))
			}
		}

		if row.InteractiveBotID != "" && ackMsgID != "" {
			// Best-effort; never blocks session teardown.
			go func() {
				_ = r.chat.RemoveReaction(row.InteractiveBotID, ackMsgID, r.reactionKind)
			}()
		}

		// Invariant 6: a bot with zero bound sessions is not kept connected.
		if row.InteractiveBotID != "" && len(r.reg.BoundTo(row.InteractiveBotID)) == 0 {
			r.chat.StopInteractive(row.InteractiveBotID)
		}
	}

	r.buffers.Drop(sessionID)
	r.dropState(sessionID)
	if err := os.RemoveAll(r.paths.SessionImagesPath(sessionID)); err != nil {
		logging.Debug().Err(err).Str("session", sessionID).Msg("image dir cleanup failed")
	}
	logging.Info().Str("session", sessionID).Msg("session ended")
}
