package router

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/zqq-nuli/felay/internal/chat"
	"github.com/zqq-nuli/felay/internal/event"
	"github.com/zqq-nuli/felay/internal/ipc"
	"github.com/zqq-nuli/felay/internal/logging"
	"github.com/zqq-nuli/felay/pkg/types"
)

// onChatMessage handles one user message from an interactive bot's event
// stream: acknowledge, extract, inject into the PTY, arm the reply
// collection.
func (r *Router) onChatMessage(data event.ChatMessageData) {
	// Acknowledge receipt first so the user sees the message landed.
	if err := r.chat.AddReaction(data.BotID, data.MessageID, r.reactionKind); err != nil {
		logging.Debug().Err(err).Str("message", data.MessageID).Msg("ack reaction failed")
	}

	text, imageKeys := extractContent(data.MessageType, data.RawContent)
	if text == "" && len(imageKeys) == 0 {
		// Stickers, system notices and the rest are ignored by mandate.
		return
	}

	row, ok := r.activeSessionFor(data.BotID)
	if !ok {
		if err := r.chat.SendCard(data.BotID, data.ChatID, chat.NewNoSessionCard()); err != nil {
			logging.Warn().Err(err).Str("bot", data.BotID).Msg("no-session card failed")
		}
		return
	}

	// The reply target persists from the first message so the end-of-session
	// summary is addressable even with no reply in flight.
	st := r.session(row.SessionID)
	st.mu.Lock()
	if st.chatID == "" {
		st.chatID = data.ChatID
	}
	st.lastUserMsgID = data.MessageID
	st.mu.Unlock()

	images := r.downloadImages(row.SessionID, data.BotID, data.MessageID, imageKeys)
	if text == "" && len(images) == 0 {
		return
	}

	input := r.cfg.Get().Input
	payload := ipc.FeishuInputPayload{
		SessionID:          row.SessionID,
		Text:               text + "\n",
		EnterRetryCount:    input.EnterRetryCount,
		EnterRetryInterval: input.EnterRetryInterval,
		Images:             images,
	}
	msg, err := ipc.NewMessage(ipc.TypeFeishuInput, payload)
	if err != nil {
		return
	}
	if err := r.sender.SendToSession(row.SessionID, msg); err != nil {
		logging.Warn().Err(err).Str("session", row.SessionID).Msg("input injection failed")
		return
	}

	st.mu.Lock()
	alreadyPending := st.pendingReply
	st.pendingReply = true
	st.mu.Unlock()

	// Arm the interactive collection unless a prior reply is still in
	// flight; restarting would clobber the first turn's collection.
	if !alreadyPending && !row.ProxyMode && !InHookSet(row.CLI) {
		r.buffers.StartCollecting(row.SessionID)
	}
}

// activeSessionFor returns the most recently started non-ended session
// bound to the interactive bot.
func (r *Router) activeSessionFor(botID string) (types.Session, bool) {
	for _, row := range r.reg.List() {
		if !row.Ended() && row.InteractiveBotID == botID {
			return row, true
		}
	}
	return types.Session{}, false
}

// downloadImages fetches attached images into the session's image
// directory, returning local paths. Failures drop the image, not the
// message.
func (r *Router) downloadImages(sessionID, botID, messageID string, keys []string) []string {
	var paths []string
	for _, key := range keys {
		dest := filepath.Join(r.paths.SessionImagesPath(sessionID), uuid.NewString()+".png")
		if err := r.chat.DownloadImage(botID, messageID, key, dest); err != nil {
			logging.Warn().Err(err).Str("image", key).Msg("image download failed")
			continue
		}
		paths = append(paths, dest)
	}
	return paths
}

// Content shapes of the chat service's opaque message payloads. Only the
// text and image fields are interpreted; everything else is ignored.
type textContent struct {
	Text string `json:"text"`
}

type imageContent struct {
	ImageKey string `json:"image_key"`
}

// extractContent pulls plain text and image keys out of a message's opaque
// content JSON. Message types other than text/image/post yield nothing.
func extractContent(messageType, raw string) (string, []string) {
	switch messageType {
	case "text":
		var content textContent
		if err := json.Unmarshal([]byte(raw), &content); err != nil {
			return "", nil
		}
		return strings.TrimSpace(stripMentions(content.Text)), nil

	case "image":
		var content imageContent
		if err := json.Unmarshal([]byte(raw), &content); err != nil || content.ImageKey == "" {
			return "", nil
		}
		return "", []string{content.ImageKey}

	case "post":
		return extractPostContent(raw)

	default:
		return "", nil
	}
}

// postNode is one inline element of a rich-text message.
type postNode struct {
	Tag      string `json:"tag"`
	Text     string `json:"text"`
	ImageKey string `json:"image_key"`
}

type postLocale struct {
	Content [][]postNode `json:"content"`
}

// extractPostContent flattens a rich-text message into plain text lines and
// image keys. The payload nests the post under a locale key in some service
// versions and not in others; both shapes are accepted.
func extractPostContent(raw string) (string, []string) {
	var post postLocale
	if json.Unmarshal([]byte(raw), &post) != nil || len(post.Content) == 0 {
		var locales map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &locales); err != nil {
			return "", nil
		}
		for _, rawLocale := range locales {
			var candidate postLocale
			if json.Unmarshal(rawLocale, &candidate) == nil && len(candidate.Content) > 0 {
				post = candidate
				break
			}
		}
	}

	var lines []string
	var images []string
	for _, paragraph := range post.Content {
		var parts []string
		for _, node := range paragraph {
			switch node.Tag {
			case "text", "a":
				if node.Text != "" {
					parts = append(parts, node.Text)
				}
			case "img":
				if node.ImageKey != "" {
					images = append(images, node.ImageKey)
				}
			}
		}
		if len(parts) > 0 {
			lines = append(lines, strings.Join(parts, ""))
		}
	}
	return strings.TrimSpace(stripMentions(strings.Join(lines, "\n"))), images
}

// stripMentions drops the service's @-mention placeholders so the PTY sees
// only the user's words.
func stripMentions(text string) string {
	for {
		start := strings.Index(text, "@_user_")
		if start < 0 {
			return text
		}
		end := start + len("@_user_")
		for end < len(text) && text[end] >= '0' && text[end] <= '9' {
			end++
		}
		text = text[:start] + text[end:]
	}
}
