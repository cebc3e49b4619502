package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zqq-nuli/felay/pkg/types"
)

func TestRegisterIsIdempotent(t *testing.T) {
	r := New()

	row, fresh := r.Register("s1", "claude", "/work")
	assert.True(t, fresh)
	assert.Equal(t, types.SessionListening, row.Status)

	_, err := r.BindInteractive("s1", "bot-1")
	require.NoError(t, err)
	_, err = r.BindPush("s1", "push-1")
	require.NoError(t, err)

	row, fresh = r.Register("s1", "claude", "/work")
	assert.False(t, fresh, "re-registering an active session is a refresh")
	assert.Equal(t, "bot-1", row.InteractiveBotID, "bindings preserved")
	assert.Equal(t, "push-1", row.PushBotID)
	assert.True(t, row.PushEnabled)
}

func TestRegisterAfterEndRecreates(t *testing.T) {
	r := New()

	r.Register("s1", "claude", "/work")
	_, err := r.BindInteractive("s1", "bot-1")
	require.NoError(t, err)
	r.End("s1")

	row, fresh := r.Register("s1", "claude", "/work")
	assert.True(t, fresh)
	assert.Equal(t, types.SessionListening, row.Status)
	assert.Empty(t, row.InteractiveBotID, "ended rows do not resurrect bindings")
}

func TestEndIsTerminal(t *testing.T) {
	r := New()
	r.Register("s1", "codex", "/w")
	r.End("s1")

	row, err := r.TouchProxy("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionEnded, row.Status)

	row, err = r.BindInteractive("s1", "bot-1")
	require.NoError(t, err)
	assert.Empty(t, row.InteractiveBotID)
}

func TestTouchProxyTransition(t *testing.T) {
	r := New()
	r.Register("s1", "gemini", "/w")

	row, err := r.TouchProxy("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionProxyOn, row.Status)

	// Second touch is a no-op.
	row, err = r.TouchProxy("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionProxyOn, row.Status)
}

func TestBindUnknownSession(t *testing.T) {
	r := New()

	_, err := r.BindInteractive("ghost", "bot-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = r.UnbindPush("ghost")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Binding must not create a row as a side effect.
	_, ok := r.Get("ghost")
	assert.False(t, ok)
}

func TestBoundTo(t *testing.T) {
	r := New()
	r.Register("s1", "claude", "/a")
	r.Register("s2", "claude", "/b")
	r.Register("s3", "claude", "/c")

	_, err := r.BindInteractive("s1", "bot-1")
	require.NoError(t, err)
	_, err = r.BindPush("s2", "bot-1")
	require.NoError(t, err)
	r.End("s1")

	bound := r.BoundTo("bot-1")
	require.Len(t, bound, 1, "ended sessions excluded")
	assert.Equal(t, "s2", bound[0].SessionID)
}

func TestPruneEnded(t *testing.T) {
	r := New()
	now := time.Now()
	r.now = func() time.Time { return now }

	r.Register("old", "claude", "/a")
	r.Register("live", "claude", "/b")
	r.End("old")

	// Advance past the retention window.
	now = now.Add(DefaultPruneAge + time.Minute)
	pruned := r.PruneEnded(DefaultPruneAge)

	assert.Equal(t, []string{"old"}, pruned)
	_, ok := r.Get("old")
	assert.False(t, ok)
	_, ok = r.Get("live")
	assert.True(t, ok)
}
