package apiproxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zqq-nuli/felay/pkg/types"
)

type emitted struct {
	mu   sync.Mutex
	msgs []types.AssembledMessage
}

func (e *emitted) emit(msg types.AssembledMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, msg)
}

func (e *emitted) get() []types.AssembledMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.AssembledMessage(nil), e.msgs...)
}

func startProxy(t *testing.T, upstream string, provider types.Provider) (string, *emitted) {
	t.Helper()
	sink := &emitted{}
	p, err := New(Options{Upstream: upstream, Provider: provider, Emit: sink.emit})
	require.NoError(t, err)
	origin, err := p.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Close(ctx)
	})
	return origin, sink
}

func TestForwardsVerbatim(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotBody, gotHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotMethod, gotPath, gotQuery, gotBody = r.Method, r.URL.Path, r.URL.RawQuery, string(body)
		gotHeader = r.Header.Get("X-Api-Key")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	origin, _ := startProxy(t, upstream.URL, types.ProviderAnthropic)

	req, _ := http.NewRequest(http.MethodPost, origin+"/v1/messages?beta=true", strings.NewReader(`{"model":"claude-x"}`))
	req.Header.Set("X-Api-Key", "sk-test")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	assert.Equal(t, `{"ok":true}`, string(body))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "beta=true", gotQuery)
	assert.Equal(t, `{"model":"claude-x"}`, gotBody)
	assert.Equal(t, "sk-test", gotHeader)
}

const anthropicStream = "event: message_start\n" +
	"data: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-x\"}}\n\n" +
	"event: content_block_start\n" +
	"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\"}}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello world\"}}\n\n" +
	"event: message_delta\n" +
	"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"}}\n\n" +
	"event: message_stop\n" +
	"data: {\"type\":\"message_stop\"}\n\n"

func sseUpstream(t *testing.T, stream string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, stream)
	}))
}

func TestSSETeedAndForwarded(t *testing.T) {
	upstream := sseUpstream(t, anthropicStream)
	defer upstream.Close()

	origin, sink := startProxy(t, upstream.URL, types.ProviderAnthropic)

	resp, err := http.Post(origin+"/v1/messages", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, anthropicStream, string(body), "client stream is byte-for-byte")

	msgs := sink.get()
	require.Len(t, msgs, 1)
	assert.Equal(t, "claude-x", msgs[0].Model)
	assert.Equal(t, "end_turn", msgs[0].StopReason)
	assert.Equal(t, "Hello world", msgs[0].TextContent)
	assert.False(t, msgs[0].IsSuggestion)
}

func TestSuggestionMarkerFlagsTurn(t *testing.T) {
	upstream := sseUpstream(t, anthropicStream)
	defer upstream.Close()

	origin, sink := startProxy(t, upstream.URL, types.ProviderAnthropic)

	body := `{"system":"SUGGESTION MODE","messages":[]}`
	resp, err := http.Post(origin+"/v1/messages", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	msgs := sink.get()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsSuggestion)
}

func TestUpstreamDownReturns502(t *testing.T) {
	origin, _ := startProxy(t, "http://127.0.0.1:1", types.ProviderAnthropic)

	resp, err := http.Get(origin + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, string(body), "upstream error")
}

func TestPartialStreamStillEmits(t *testing.T) {
	partial := "event: content_block_start\n" +
		"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\"}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"partial answer\"}}\n\n"
	// The upstream dies before message_stop.
	upstream := sseUpstream(t, partial)
	defer upstream.Close()

	origin, sink := startProxy(t, upstream.URL, types.ProviderAnthropic)

	resp, err := http.Post(origin+"/v1/messages", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	msgs := sink.get()
	require.Len(t, msgs, 1)
	assert.Equal(t, "partial answer", msgs[0].TextContent)
}

func TestNonSSEPassthroughDoesNotEmit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer upstream.Close()

	origin, sink := startProxy(t, upstream.URL, types.ProviderOpenAI)

	resp, err := http.Get(origin + "/v1/models")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	assert.Empty(t, sink.get())
}
