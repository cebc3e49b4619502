package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zqq-nuli/felay/internal/secret"
	"github.com/zqq-nuli/felay/pkg/types"
)

func newTestStore(t *testing.T) (*Store, *Paths) {
	t.Helper()
	paths := &Paths{Home: t.TempDir()}
	secrets, err := secret.Open(paths.MasterKeyPath())
	require.NoError(t, err)
	store, err := NewStore(paths, secrets)
	require.NoError(t, err)
	return store, paths
}

func TestDefaultsWrittenOnFirstStart(t *testing.T) {
	store, paths := newTestStore(t)

	doc := store.Get()
	assert.Equal(t, 5, doc.Reconnect.MaxRetries)
	assert.Equal(t, 2000, doc.Push.MergeWindowMs)
	assert.Equal(t, 3, doc.Input.EnterRetryCount)

	_, err := os.Stat(paths.ConfigPath())
	assert.NoError(t, err)
}

func TestCorruptConfigRewritten(t *testing.T) {
	paths := &Paths{Home: t.TempDir()}
	require.NoError(t, os.MkdirAll(paths.Home, 0755))
	require.NoError(t, os.WriteFile(paths.ConfigPath(), []byte("{not json"), 0644))

	secrets, err := secret.Open(paths.MasterKeyPath())
	require.NoError(t, err)
	store, err := NewStore(paths, secrets)
	require.NoError(t, err)

	assert.Equal(t, 5, store.Get().Reconnect.MaxRetries)
}

func TestSecretsEncryptedOnDisk(t *testing.T) {
	store, paths := newTestStore(t)

	_, err := store.UpsertInteractiveBot(types.InteractiveBot{
		ID:        "bot-1",
		Name:      "dev bot",
		AppID:     "cli_xxx",
		AppSecret: "super-secret",
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(paths.ConfigPath())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret")
	assert.Contains(t, string(raw), secret.Prefix)

	// In-memory view stays plaintext.
	bot, ok := store.InteractiveBot("bot-1")
	require.True(t, ok)
	assert.Equal(t, "super-secret", bot.AppSecret)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, paths := newTestStore(t)

	_, err := store.UpsertInteractiveBot(types.InteractiveBot{
		ID: "bot-1", Name: "a", AppID: "cli_a", AppSecret: "sa",
	})
	require.NoError(t, err)
	_, err = store.UpsertPushBot(types.PushBot{
		ID: "push-1", Name: "p", WebhookURL: "https://open.feishu.cn/open-apis/bot/v2/hook/x", SigningSecret: "sp",
	})
	require.NoError(t, err)
	require.NoError(t, store.SetDefaultBot(types.BotKindInteractive, "bot-1"))

	secrets, err := secret.Open(paths.MasterKeyPath())
	require.NoError(t, err)
	reloaded, err := NewStore(paths, secrets)
	require.NoError(t, err)

	assert.Equal(t, store.Get(), reloaded.Get())
	bot, ok := reloaded.InteractiveBot("bot-1")
	require.True(t, ok)
	assert.Equal(t, "sa", bot.AppSecret)
}

func TestUpsertAssignsID(t *testing.T) {
	store, _ := newTestStore(t)

	bot, err := store.UpsertPushBot(types.PushBot{Name: "p", WebhookURL: "https://open.feishu.cn/x"})
	require.NoError(t, err)
	assert.NotEmpty(t, bot.ID)
}

func TestDeleteBotClearsDefault(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.UpsertInteractiveBot(types.InteractiveBot{ID: "bot-1", AppID: "a", AppSecret: "s"})
	require.NoError(t, err)
	require.NoError(t, store.SetDefaultBot(types.BotKindInteractive, "bot-1"))

	kind, err := store.DeleteBot("bot-1")
	require.NoError(t, err)
	assert.Equal(t, types.BotKindInteractive, kind)
	assert.Empty(t, store.Defaults().DefaultInteractiveBotID)

	_, err = store.DeleteBot("bot-1")
	assert.ErrorIs(t, err, ErrBotNotFound)
}

func TestSetDefaultBotValidatesExistence(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.SetDefaultBot(types.BotKindPush, "ghost")
	assert.ErrorIs(t, err, ErrBotNotFound)

	// Clearing never requires existence.
	assert.NoError(t, store.SetDefaultBot(types.BotKindPush, ""))
}

func TestSaveSettingsPreservesOmittedSections(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.UpsertInteractiveBot(types.InteractiveBot{ID: "bot-1", AppID: "a", AppSecret: "s"})
	require.NoError(t, err)
	require.NoError(t, store.SetDefaultBot(types.BotKindInteractive, "bot-1"))

	// Older GUI builds omit defaults/input in save_config.
	var settings Settings
	require.NoError(t, json.Unmarshal([]byte(`{
		"reconnect": {"maxRetries": 7, "initialInterval": 3, "backoffMultiplier": 1.5},
		"push": {"mergeWindowMs": 4000, "maxMessageBytes": 10000}
	}`), &settings))
	require.NoError(t, store.SaveSettings(settings))

	doc := store.Get()
	assert.Equal(t, 7, doc.Reconnect.MaxRetries)
	assert.Equal(t, 4000, doc.Push.MergeWindowMs)
	assert.Equal(t, "bot-1", doc.Defaults.DefaultInteractiveBotID, "defaults preserved when omitted")
	assert.Equal(t, 3, doc.Input.EnterRetryCount, "input preserved when omitted")
}

func TestPathsLayout(t *testing.T) {
	p := &Paths{Home: "/home/u/.felay"}
	assert.Equal(t, "/home/u/.felay/config.json", p.ConfigPath())
	assert.Equal(t, "/home/u/.felay/.master-key", p.MasterKeyPath())
	assert.Equal(t, "/home/u/.felay/daemon.json", p.LockPath())
	assert.True(t, strings.HasPrefix(p.SessionImagesPath("s1"), filepath.Join("/home/u/.felay", "images")))
}
