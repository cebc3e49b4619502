package chat

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zqq-nuli/felay/internal/logging"
	"github.com/zqq-nuli/felay/pkg/types"
)

// rateLimitCode is the service's structured rate-limit response code.
const rateLimitCode = 11232

// allowedWebhookSuffixes is the host whitelist: the two target services'
// CN and international domains. Any other host is rejected before a request
// is issued.
var allowedWebhookSuffixes = []string{
	"open.feishu.cn",
	"open.larksuite.com",
	"oapi.dingtalk.com",
}

// ValidateWebhookURL checks a push bot's URL against the whitelist.
func ValidateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "https" {
		return ErrWebhookDomain
	}
	host := strings.ToLower(u.Hostname())
	for _, suffix := range allowedWebhookSuffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return nil
		}
	}
	return ErrWebhookDomain
}

// signWebhook computes the service's webhook signature: HMAC-SHA256 keyed by
// "timestamp\nsecret" over the empty message, base64-encoded. The
// empty-message input is the reference service's documented scheme.
func signWebhook(secret string, timestamp int64) string {
	key := fmt.Sprintf("%d\n%s", timestamp, secret)
	mac := hmac.New(sha256.New, []byte(key))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// webhookEnvelope is the POST body for webhook pushes. Card and Content are
// alternatives selected by MsgType.
type webhookEnvelope struct {
	Timestamp string `json:"timestamp,omitempty"`
	Sign      string `json:"sign,omitempty"`
	MsgType   string `json:"msg_type"`
	Card      Card   `json:"card,omitempty"`
	Content   any    `json:"content,omitempty"`
}

type webhookResult struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// sendWebhook posts one card. Single-shot: transient failures are the
// caller's to log, rate limits map to ErrRateLimited.
func (c *Connector) sendWebhook(bot types.PushBot, card Card) error {
	return c.postWebhook(bot, webhookEnvelope{MsgType: "interactive", Card: card})
}

// sendWebhookPost posts a rich-text document.
func (c *Connector) sendWebhookPost(bot types.PushBot, post any) error {
	return c.postWebhook(bot, webhookEnvelope{
		MsgType: "post",
		Content: map[string]any{"post": post},
	})
}

func (c *Connector) postWebhook(bot types.PushBot, envelope webhookEnvelope) error {
	if err := ValidateWebhookURL(bot.WebhookURL); err != nil {
		return err
	}

	if bot.SigningSecret != "" {
		now := time.Now().Unix()
		envelope.Timestamp = fmt.Sprintf("%d", now)
		envelope.Sign = signWebhook(bot.SigningSecret, now)
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	ctx, cancel := c.sendContext()
	defer cancel()
	if err := c.limiter(bot.ID).Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bot.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer resp.Body.Close()

	var result webhookResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		// Some gateways answer 200 with an empty body; treat as delivered.
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}

	switch {
	case result.Code == 0:
		return nil
	case result.Code == rateLimitCode:
		logging.Warn().Str("bot", bot.ID).Msg("webhook rate limited")
		return ErrRateLimited
	default:
		return fmt.Errorf("webhook rejected: code %d: %s", result.Code, result.Msg)
	}
}
