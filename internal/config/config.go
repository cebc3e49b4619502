package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/zqq-nuli/felay/internal/logging"
	"github.com/zqq-nuli/felay/internal/secret"
	"github.com/zqq-nuli/felay/internal/storage"
	"github.com/zqq-nuli/felay/pkg/types"
)

var (
	ErrBotNotFound = errors.New("bot not found")
)

// Store owns the configuration document. All writes serialize through the
// store and pass secret fields through the secret store; reads return
// plaintext copies.
type Store struct {
	mu      sync.Mutex
	paths   *Paths
	secrets *secret.Store
	doc     *types.Config
}

// NewStore loads the configuration document, writing defaults when the file
// is absent or corrupt. Only failures to write that document (including
// encrypting its secrets) are returned.
func NewStore(paths *Paths, secrets *secret.Store) (*Store, error) {
	s := &Store{paths: paths, secrets: secrets}

	doc := &types.Config{}
	err := storage.ReadJSON(paths.ConfigPath(), doc)
	switch {
	case err == nil:
		s.doc = normalize(doc)
		s.decryptAll()
	case errors.Is(err, storage.ErrNotFound):
		s.doc = types.DefaultConfig()
		if werr := s.save(); werr != nil {
			return nil, fmt.Errorf("failed to write default config: %w", werr)
		}
	default:
		// Corrupt document: start over rather than refuse to start.
		logging.Warn().Err(err).Msg("config unreadable, rewriting defaults")
		s.doc = types.DefaultConfig()
		if werr := s.save(); werr != nil {
			return nil, fmt.Errorf("failed to rewrite config: %w", werr)
		}
	}

	return s, nil
}

// normalize fills zero-valued sections of a loaded document with defaults so
// hand-edited or older config files keep working.
func normalize(doc *types.Config) *types.Config {
	def := types.DefaultConfig()
	if doc.Reconnect.MaxRetries == 0 {
		doc.Reconnect = def.Reconnect
	}
	if doc.Push.MergeWindowMs == 0 {
		doc.Push.MergeWindowMs = def.Push.MergeWindowMs
	}
	if doc.Push.MaxMessageBytes == 0 {
		doc.Push.MaxMessageBytes = def.Push.MaxMessageBytes
	}
	if doc.Input.EnterRetryCount == 0 {
		doc.Input = def.Input
	}
	return doc
}

// decryptAll converts every sensitive field to plaintext in memory. A field
// that no longer decrypts (rotated key file) is blanked so the GUI prompts
// for it again instead of sending garbage to the chat service.
func (s *Store) decryptAll() {
	dec := func(field *string, botID, name string) {
		v, err := s.secrets.Decrypt(*field)
		if err != nil {
			logging.Warn().Str("bot", botID).Str("field", name).Msg("secret no longer decrypts, clearing")
			*field = ""
			return
		}
		*field = v
	}

	for i := range s.doc.Bots.Interactive {
		b := &s.doc.Bots.Interactive[i]
		dec(&b.AppSecret, b.ID, "appSecret")
		dec(&b.EncryptKey, b.ID, "encryptKey")
	}
	for i := range s.doc.Bots.Push {
		b := &s.doc.Bots.Push[i]
		dec(&b.SigningSecret, b.ID, "signingSecret")
	}
}

// save encrypts secret fields into a disk copy and writes it atomically.
// Callers must hold s.mu.
func (s *Store) save() error {
	disk := cloneConfig(s.doc)

	enc := func(field *string) error {
		v, err := s.secrets.Encrypt(*field)
		if err != nil {
			return err
		}
		*field = v
		return nil
	}

	for i := range disk.Bots.Interactive {
		b := &disk.Bots.Interactive[i]
		if err := enc(&b.AppSecret); err != nil {
			return err
		}
		if err := enc(&b.EncryptKey); err != nil {
			return err
		}
	}
	for i := range disk.Bots.Push {
		if err := enc(&disk.Bots.Push[i].SigningSecret); err != nil {
			return err
		}
	}

	return storage.WriteJSON(s.paths.ConfigPath(), disk)
}

func cloneConfig(doc *types.Config) *types.Config {
	out := *doc
	out.Bots.Interactive = append([]types.InteractiveBot(nil), doc.Bots.Interactive...)
	out.Bots.Push = append([]types.PushBot(nil), doc.Bots.Push...)
	return &out
}

// Get returns a plaintext snapshot of the document.
func (s *Store) Get() *types.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneConfig(s.doc)
}

// InteractiveBot looks up an interactive bot by id.
func (s *Store) InteractiveBot(id string) (types.InteractiveBot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.doc.Bots.Interactive {
		if b.ID == id {
			return b, true
		}
	}
	return types.InteractiveBot{}, false
}

// PushBot looks up a push bot by id.
func (s *Store) PushBot(id string) (types.PushBot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.doc.Bots.Push {
		if b.ID == id {
			return b, true
		}
	}
	return types.PushBot{}, false
}

// UpsertInteractiveBot inserts or replaces an interactive bot by id. A bot
// without an id gets a fresh one. Returns the stored bot.
func (s *Store) UpsertInteractiveBot(bot types.InteractiveBot) (types.InteractiveBot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bot.ID == "" {
		bot.ID = uuid.NewString()
	}
	replaced := false
	for i := range s.doc.Bots.Interactive {
		if s.doc.Bots.Interactive[i].ID == bot.ID {
			s.doc.Bots.Interactive[i] = bot
			replaced = true
			break
		}
	}
	if !replaced {
		s.doc.Bots.Interactive = append(s.doc.Bots.Interactive, bot)
	}
	return bot, s.save()
}

// UpsertPushBot inserts or replaces a push bot by id.
func (s *Store) UpsertPushBot(bot types.PushBot) (types.PushBot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bot.ID == "" {
		bot.ID = uuid.NewString()
	}
	replaced := false
	for i := range s.doc.Bots.Push {
		if s.doc.Bots.Push[i].ID == bot.ID {
			s.doc.Bots.Push[i] = bot
			replaced = true
			break
		}
	}
	if !replaced {
		s.doc.Bots.Push = append(s.doc.Bots.Push, bot)
	}
	return bot, s.save()
}

// DeleteBot removes a bot of either kind and clears a matching default.
func (s *Store) DeleteBot(id string) (types.BotKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, b := range s.doc.Bots.Interactive {
		if b.ID == id {
			s.doc.Bots.Interactive = append(s.doc.Bots.Interactive[:i], s.doc.Bots.Interactive[i+1:]...)
			if s.doc.Defaults.DefaultInteractiveBotID == id {
				s.doc.Defaults.DefaultInteractiveBotID = ""
			}
			return types.BotKindInteractive, s.save()
		}
	}
	for i, b := range s.doc.Bots.Push {
		if b.ID == id {
			s.doc.Bots.Push = append(s.doc.Bots.Push[:i], s.doc.Bots.Push[i+1:]...)
			if s.doc.Defaults.DefaultPushBotID == id {
				s.doc.Defaults.DefaultPushBotID = ""
			}
			return types.BotKindPush, s.save()
		}
	}
	return "", ErrBotNotFound
}

// SetDefaultBot records the bot auto-bound to new sessions. An empty id
// clears the default; a non-empty id must name a configured bot.
func (s *Store) SetDefaultBot(kind types.BotKind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		found := false
		switch kind {
		case types.BotKindInteractive:
			for _, b := range s.doc.Bots.Interactive {
				if b.ID == id {
					found = true
					break
				}
			}
		case types.BotKindPush:
			for _, b := range s.doc.Bots.Push {
				if b.ID == id {
					found = true
					break
				}
			}
		}
		if !found {
			return ErrBotNotFound
		}
	}

	switch kind {
	case types.BotKindInteractive:
		s.doc.Defaults.DefaultInteractiveBotID = id
	case types.BotKindPush:
		s.doc.Defaults.DefaultPushBotID = id
	default:
		return fmt.Errorf("unknown bot kind %q", kind)
	}
	return s.save()
}

// Defaults returns the default-bot bindings.
func (s *Store) Defaults() types.DefaultsConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Defaults
}

// Settings is the non-bot portion of the document as sent by the GUI.
// Defaults and Input are optional: a nil section keeps the stored values,
// which is the backward-compat path for older GUI builds that never send
// them.
type Settings struct {
	Reconnect types.ReconnectConfig `json:"reconnect"`
	Push      types.PushConfig      `json:"push"`
	Defaults  *types.DefaultsConfig `json:"defaults,omitempty"`
	Input     *types.InputConfig    `json:"input,omitempty"`
}

// SaveSettings replaces the non-bot portion of the document.
func (s *Store) SaveSettings(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Reconnect = settings.Reconnect
	s.doc.Push = settings.Push
	if settings.Defaults != nil {
		s.doc.Defaults = *settings.Defaults
	}
	if settings.Input != nil {
		s.doc.Input = *settings.Input
	}
	normalize(s.doc)
	return s.save()
}
