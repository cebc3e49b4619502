package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
	"golang.org/x/time/rate"

	"github.com/zqq-nuli/felay/internal/config"
	"github.com/zqq-nuli/felay/internal/event"
	"github.com/zqq-nuli/felay/internal/logging"
	"github.com/zqq-nuli/felay/internal/richtext"
	"github.com/zqq-nuli/felay/pkg/types"
)

const (
	sendTimeout = 15 * time.Second

	// Outbound message pacing per bot. The service throttles bursts well
	// below this; the limiter just keeps us off the hard limit.
	sendRatePerSecond = 4
	sendBurst         = 4
)

// botConn is one interactive bot's live connection.
type botConn struct {
	bot    types.InteractiveBot
	api    *lark.Client
	cancel context.CancelFunc

	mu             sync.Mutex
	lastEvent      time.Time
	unhealthy      bool
	unhealthySince time.Time
	terminal       bool
}

func (bc *botConn) markEvent() (recovered bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.lastEvent = time.Now()
	if bc.unhealthy {
		bc.unhealthy = false
		bc.terminal = false
		return true
	}
	return false
}

// Connector is the production Transport on the Lark open-platform SDK.
type Connector struct {
	cfg        *config.Store
	httpClient *http.Client

	mu       sync.Mutex
	conns    map[string]*botConn
	limiters map[string]*rate.Limiter
	warnings map[string]string

	healthStop chan struct{}
	healthOnce sync.Once
}

var _ Transport = (*Connector)(nil)

// NewConnector creates the connector and starts its health ticker.
func NewConnector(cfg *config.Store) *Connector {
	c := &Connector{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: sendTimeout},
		conns:      make(map[string]*botConn),
		limiters:   make(map[string]*rate.Limiter),
		warnings:   make(map[string]string),
		healthStop: make(chan struct{}),
	}
	go c.healthLoop()
	return c
}

func (c *Connector) sendContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), sendTimeout)
}

func (c *Connector) limiter(botID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[botID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(sendRatePerSecond), sendBurst)
		c.limiters[botID] = l
	}
	return l
}

func (c *Connector) conn(botID string) (*botConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bc, ok := c.conns[botID]
	if !ok {
		return nil, ErrNotConnected
	}
	return bc, nil
}

// StartInteractive brings up the bot's outbound event stream. Starting an
// already-connected bot is a no-op.
func (c *Connector) StartInteractive(botID string) error {
	bot, ok := c.cfg.InteractiveBot(botID)
	if !ok {
		return config.ErrBotNotFound
	}

	c.mu.Lock()
	if _, exists := c.conns[botID]; exists {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	bc := &botConn{
		bot:       bot,
		api:       lark.NewClient(bot.AppID, bot.AppSecret),
		cancel:    cancel,
		lastEvent: time.Now(),
	}
	c.conns[botID] = bc
	c.mu.Unlock()

	handler := dispatcher.NewEventDispatcher("", bot.EncryptKey).
		OnP2MessageReceiveV1(func(_ context.Context, ev *larkim.P2MessageReceiveV1) error {
			c.onMessage(botID, bc, ev)
			return nil
		})

	ws := larkws.NewClient(bot.AppID, bot.AppSecret,
		larkws.WithEventHandler(handler),
		larkws.WithAutoReconnect(true),
	)

	go c.runStream(ctx, botID, bc, ws)
	logging.Info().Str("bot", botID).Msg("interactive connection starting")
	return nil
}

// runStream keeps the event stream alive under the configured retry policy.
func (c *Connector) runStream(ctx context.Context, botID string, bc *botConn, ws *larkws.Client) {
	rc := c.cfg.Get().Reconnect

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(rc.InitialInterval) * time.Second
	policy.Multiplier = rc.BackoffMultiplier
	policy.MaxElapsedTime = 0

	operation := func() error {
		if err := ws.Start(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logging.Warn().Str("bot", botID).Err(err).Msg("event stream dropped")
			return err
		}
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(rc.MaxRetries)), ctx))
	if err != nil && ctx.Err() == nil {
		bc.mu.Lock()
		bc.terminal = true
		bc.mu.Unlock()
		c.setWarning(botID, fmt.Sprintf("connection failed after %d retries: %v", rc.MaxRetries, err))
		logging.Error().Str("bot", botID).Err(err).Msg("event stream gave up")
	}
}

// onMessage fans an inbound user message into the router's queue.
func (c *Connector) onMessage(botID string, bc *botConn, ev *larkim.P2MessageReceiveV1) {
	if bc.markEvent() {
		c.clearWarning(botID)
		event.Publish(event.Event{
			Type: event.ConnectorRecovered,
			Data: event.ConnectorHealthData{BotID: botID},
		})
	}

	msg := ev.Event.Message
	if msg == nil {
		return
	}
	data := event.ChatMessageData{BotID: botID}
	if msg.MessageId != nil {
		data.MessageID = *msg.MessageId
	}
	if msg.ChatId != nil {
		data.ChatID = *msg.ChatId
	}
	if msg.MessageType != nil {
		data.MessageType = *msg.MessageType
	}
	if msg.Content != nil {
		data.RawContent = *msg.Content
	}

	// Synchronous publish keeps per-connection arrival order.
	event.PublishSync(event.Event{Type: event.ChatMessageReceived, Data: data})
}

// StopInteractive tears down the bot's connection.
func (c *Connector) StopInteractive(botID string) {
	c.mu.Lock()
	bc, ok := c.conns[botID]
	if ok {
		delete(c.conns, botID)
	}
	delete(c.warnings, botID)
	c.mu.Unlock()

	if ok {
		bc.cancel()
		logging.Info().Str("bot", botID).Msg("interactive connection stopped")
	}
}

// SendCard posts an interactive card.
func (c *Connector) SendCard(botID, chatID string, card Card) error {
	content, err := json.Marshal(card)
	if err != nil {
		return err
	}
	return c.createMessage(botID, chatID, "interactive", string(content))
}

// SendPost posts a rich-text document.
func (c *Connector) SendPost(botID, chatID string, post richtext.Post) error {
	content, err := json.Marshal(post)
	if err != nil {
		return err
	}
	return c.createMessage(botID, chatID, "post", string(content))
}

func (c *Connector) createMessage(botID, chatID, msgType, content string) error {
	bc, err := c.conn(botID)
	if err != nil {
		return err
	}

	ctx, cancel := c.sendContext()
	defer cancel()
	if err := c.limiter(botID).Wait(ctx); err != nil {
		return err
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := bc.api.Im.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("message create failed: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("message create rejected: code %d: %s", resp.Code, resp.Msg)
	}
	return nil
}

// AddReaction places an emoji reaction on a message.
func (c *Connector) AddReaction(botID, messageID, kind string) error {
	bc, err := c.conn(botID)
	if err != nil {
		return err
	}

	ctx, cancel := c.sendContext()
	defer cancel()

	req := larkim.NewCreateMessageReactionReqBuilder().
		MessageId(messageID).
		Body(larkim.NewCreateMessageReactionReqBodyBuilder().
			ReactionType(larkim.NewEmojiBuilder().EmojiType(kind).Build()).
			Build()).
		Build()

	resp, err := bc.api.Im.MessageReaction.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("reaction create failed: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("reaction create rejected: code %d: %s", resp.Code, resp.Msg)
	}
	return nil
}

// RemoveReaction deletes the first listed reaction of the given kind on the
// message; the list is not filtered by who reacted. Learning the reaction id
// requires listing by emoji kind first; every step is best-effort by design.
func (c *Connector) RemoveReaction(botID, messageID, kind string) error {
	bc, err := c.conn(botID)
	if err != nil {
		return err
	}

	ctx, cancel := c.sendContext()
	defer cancel()

	listReq := larkim.NewListMessageReactionReqBuilder().
		MessageId(messageID).
		ReactionType(kind).
		Build()
	listResp, err := bc.api.Im.MessageReaction.List(ctx, listReq)
	if err != nil {
		return fmt.Errorf("reaction list failed: %w", err)
	}
	if !listResp.Success() {
		return fmt.Errorf("reaction list rejected: code %d: %s", listResp.Code, listResp.Msg)
	}

	for _, item := range listResp.Data.Items {
		if item.ReactionId == nil {
			continue
		}
		delReq := larkim.NewDeleteMessageReactionReqBuilder().
			MessageId(messageID).
			ReactionId(*item.ReactionId).
			Build()
		if _, err := bc.api.Im.MessageReaction.Delete(ctx, delReq); err != nil {
			return fmt.Errorf("reaction delete failed: %w", err)
		}
		return nil
	}
	return nil
}

// DownloadImage fetches a message image resource to destPath.
func (c *Connector) DownloadImage(botID, messageID, imageKey, destPath string) error {
	bc, err := c.conn(botID)
	if err != nil {
		return err
	}

	ctx, cancel := c.sendContext()
	defer cancel()

	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(imageKey).
		Type("image").
		Build()
	resp, err := bc.api.Im.MessageResource.Get(ctx, req)
	if err != nil {
		return fmt.Errorf("resource get failed: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("resource get rejected: code %d: %s", resp.Code, resp.Msg)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.File); err != nil {
		return fmt.Errorf("resource write failed: %w", err)
	}
	return nil
}

// SendWebhookCard posts a card through a push bot's webhook.
func (c *Connector) SendWebhookCard(bot types.PushBot, card Card) error {
	return c.sendWebhook(bot, card)
}

// SendWebhookPost posts a rich-text document through a push bot's webhook.
func (c *Connector) SendWebhookPost(bot types.PushBot, post richtext.Post) error {
	return c.sendWebhookPost(bot, post)
}

// TestInteractive verifies credentials with a cheap authenticated call.
func (c *Connector) TestInteractive(bot types.InteractiveBot) error {
	ctx, cancel := c.sendContext()
	defer cancel()

	client := lark.NewClient(bot.AppID, bot.AppSecret)
	resp, err := client.Im.Chat.List(ctx, larkim.NewListChatReqBuilder().PageSize(1).Build())
	if err != nil {
		return fmt.Errorf("credential check failed: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("credential check rejected: code %d: %s", resp.Code, resp.Msg)
	}
	return nil
}

// TestPush sends a signed test card through the webhook.
func (c *Connector) TestPush(bot types.PushBot) error {
	return c.sendWebhook(bot, NewTextCard("felay", "connection test"))
}

// Close stops the health loop and every connection.
func (c *Connector) Close() {
	c.healthOnce.Do(func() { close(c.healthStop) })

	c.mu.Lock()
	conns := make([]*botConn, 0, len(c.conns))
	for _, bc := range c.conns {
		conns = append(conns, bc)
	}
	c.conns = make(map[string]*botConn)
	c.mu.Unlock()

	for _, bc := range conns {
		bc.cancel()
	}
}
