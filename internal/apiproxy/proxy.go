package apiproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zqq-nuli/felay/internal/logging"
	"github.com/zqq-nuli/felay/internal/sse"
	"github.com/zqq-nuli/felay/pkg/types"
)

// suggestionMarker flags requests made for in-place input suggestions; their
// replies never reach the user and are filtered by the router.
const suggestionMarker = "SUGGESTION MODE"

// Options configures a proxy instance.
type Options struct {
	// Upstream is the resolved upstream origin, e.g. "https://api.anthropic.com".
	Upstream string
	// Provider selects the SSE assembler.
	Provider types.Provider
	// Emit receives one assembled message per completed AI turn.
	Emit func(types.AssembledMessage)
}

// Proxy is the loopback reverse proxy.
type Proxy struct {
	opts     Options
	upstream *url.URL
	client   *http.Client
	router   chi.Router
	server   *http.Server
	ln       net.Listener
}

// New creates a proxy for the given upstream.
func New(opts Options) (*Proxy, error) {
	upstream, err := url.Parse(opts.Upstream)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream origin %q", opts.Upstream)
	}
	if opts.Emit == nil {
		opts.Emit = func(types.AssembledMessage) {}
	}

	p := &Proxy{
		opts:     opts,
		upstream: upstream,
		client: &http.Client{
			// The process environment carries HTTP_PROXY pointed at this
			// very proxy for static tools; the outbound client must not
			// honor it.
			Transport: &http.Transport{Proxy: nil},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	r := chi.NewRouter()
	r.Handle("/*", http.HandlerFunc(p.handle))
	p.router = r
	return p, nil
}

// Start listens on an ephemeral loopback port and returns the proxy origin.
func (p *Proxy) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	p.ln = ln
	p.server = &http.Server{Handler: p.router}

	go func() {
		if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error().Err(err).Msg("proxy server failed")
		}
	}()

	origin := fmt.Sprintf("http://%s", ln.Addr().String())
	logging.Info().Str("origin", origin).Str("upstream", p.upstream.String()).Msg("api proxy listening")
	return origin, nil
}

// Close shuts the proxy down.
func (p *Proxy) Close(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}

// handle forwards one request verbatim, teeing SSE responses through the
// provider assembler.
func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	// The body is buffered to inspect it for the suggestion marker.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "felay proxy: failed to read request body", http.StatusBadGateway)
		return
	}
	suggestion := bytes.Contains(body, []byte(suggestionMarker))

	outURL := *p.upstream
	outURL.Path = r.URL.Path
	outURL.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), bytes.NewReader(body))
	if err != nil {
		http.Error(w, "felay proxy: "+err.Error(), http.StatusBadGateway)
		return
	}
	out.Header = r.Header.Clone()
	// The SSE tee needs an identity-encoded body.
	out.Header.Del("Accept-Encoding")
	out.Host = p.upstream.Host

	resp, err := p.client.Do(out)
	if err != nil {
		logging.Warn().Err(err).Str("path", r.URL.Path).Msg("upstream request failed")
		http.Error(w, "felay proxy: upstream error: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if isSSE(resp) {
		p.tee(w, resp.Body, suggestion)
		return
	}
	_, _ = io.Copy(w, resp.Body)
}

func isSSE(resp *http.Response) bool {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	return strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
}

// tee streams the body to the client byte-for-byte while feeding the
// assembler. A partial upstream failure still emits accumulated text.
func (p *Proxy) tee(w http.ResponseWriter, body io.Reader, suggestion bool) {
	flusher, _ := w.(http.Flusher)
	scanner := &sse.Scanner{}
	assembler := sse.NewAssembler(p.opts.Provider)
	assembler.SetSuggestion(suggestion)

	emitted := false
	feed := func(events []sse.Event) {
		for _, ev := range events {
			if msg := assembler.Feed(ev); msg != nil {
				emitted = true
				p.opts.Emit(*msg)
			}
		}
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr == nil && flusher != nil {
				flusher.Flush()
			}
			feed(scanner.Feed(buf[:n]))
		}
		if err != nil {
			if err != io.EOF {
				logging.Warn().Err(err).Msg("upstream stream failed mid-turn")
			}
			break
		}
	}

	feed(scanner.Flush())
	if !emitted {
		if msg := assembler.Abort(); msg != nil {
			p.opts.Emit(*msg)
		}
	}
}
