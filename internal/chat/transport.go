// Package chat maintains the daemon's connections to the chat service:
// persistent event streams for interactive bots and signed webhook posts for
// push bots. At most one live connection exists per interactive bot, shared
// by every session bound to it.
package chat

import (
	"errors"

	"github.com/zqq-nuli/felay/internal/richtext"
	"github.com/zqq-nuli/felay/pkg/types"
)

var (
	// ErrRateLimited reports the service's rate-limit response; the caller
	// widens its merge window and does not retry the dropped message.
	ErrRateLimited = errors.New("chat service rate limited")
	// ErrWebhookDomain rejects webhook URLs outside the whitelisted hosts
	// before any network call.
	ErrWebhookDomain = errors.New("webhook host not allowed")
	// ErrNotConnected means the interactive bot has no live connection.
	ErrNotConnected = errors.New("bot not connected")
)

// DefaultReactionKind is the acknowledgment emoji token. The service's
// vocabulary is configurable at the call sites; this is only the default.
const DefaultReactionKind = "EYES"

// Warning is a user-visible connector warning.
type Warning struct {
	BotID   string `json:"botId"`
	Message string `json:"message"`
}

// Card is the chat service's interactive-card document.
type Card map[string]any

// Transport is the daemon's capability handle onto the chat service. The
// production implementation is the Lark-SDK connector; tests substitute it.
type Transport interface {
	// StartInteractive brings up the bot's event stream. Idempotent.
	StartInteractive(botID string) error
	// StopInteractive tears the stream down. Idempotent.
	StopInteractive(botID string)
	// IsHealthy reports whether the bot's stream has seen recent traffic.
	IsHealthy(botID string) bool
	// Warnings returns current user-visible connection warnings.
	Warnings() []Warning

	// SendCard posts an interactive card to a chat.
	SendCard(botID, chatID string, card Card) error
	// SendPost posts a rich-text document to a chat.
	SendPost(botID, chatID string, post richtext.Post) error
	// AddReaction places an emoji reaction on a message.
	AddReaction(botID, messageID, kind string) error
	// RemoveReaction removes a reaction of the given kind from the message,
	// best-effort (listing is needed to learn the reaction id).
	RemoveReaction(botID, messageID, kind string) error
	// DownloadImage fetches a message image resource to destPath.
	DownloadImage(botID, messageID, imageKey, destPath string) error

	// SendWebhookCard posts a card through a push bot's webhook.
	SendWebhookCard(bot types.PushBot, card Card) error
	// SendWebhookPost posts a rich-text document through a push bot's
	// webhook.
	SendWebhookPost(bot types.PushBot, post richtext.Post) error

	// TestInteractive verifies the bot's credentials.
	TestInteractive(bot types.InteractiveBot) error
	// TestPush sends a signed test card through the webhook.
	TestPush(bot types.PushBot) error

	// Close stops every connection.
	Close()
}
