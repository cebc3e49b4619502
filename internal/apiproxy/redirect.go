package apiproxy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvProxyVars returns the standard proxy variables, both casings, pointed
// at the proxy origin. Used for statically compiled tools that honor the
// conventional environment instead of running in a hookable runtime.
func EnvProxyVars(proxyOrigin string) map[string]string {
	return map[string]string{
		"HTTP_PROXY":  proxyOrigin,
		"HTTPS_PROXY": proxyOrigin,
		"http_proxy":  proxyOrigin,
		"https_proxy": proxyOrigin,
	}
}

// nodePreloadTemplate is the require hook injected into Node-runtime tools.
// It rewrites every request whose URL begins with the upstream origin to the
// proxy origin, covering both the classic http/https clients and fetch.
const nodePreloadTemplate = `// felay request redirect hook (generated)
const UPSTREAM = %q;
const PROXY = %q;

function rewrite(url) {
  if (typeof url === "string" && url.startsWith(UPSTREAM)) {
    return PROXY + url.slice(UPSTREAM.length);
  }
  if (url instanceof URL && url.href.startsWith(UPSTREAM)) {
    return new URL(PROXY + url.href.slice(UPSTREAM.length));
  }
  return url;
}

for (const name of ["http", "https"]) {
  const mod = require(name);
  for (const fn of ["request", "get"]) {
    const original = mod[fn];
    mod[fn] = function (input, ...rest) {
      return original.call(this, rewrite(input), ...rest);
    };
  }
}

if (typeof globalThis.fetch === "function") {
  const originalFetch = globalThis.fetch;
  globalThis.fetch = function (input, ...rest) {
    return originalFetch.call(this, rewrite(input), ...rest);
  };
}
`

// WriteNodePreload writes the require hook into dir and returns its path.
func WriteNodePreload(dir, upstreamOrigin, proxyOrigin string) (string, error) {
	hookPath := filepath.Join(dir, "felay-redirect.js")
	content := fmt.Sprintf(nodePreloadTemplate, upstreamOrigin, proxyOrigin)
	if err := os.WriteFile(hookPath, []byte(content), 0644); err != nil {
		return "", err
	}
	return hookPath, nil
}

// NodeOptions appends the preload flag to an existing NODE_OPTIONS value.
func NodeOptions(existing, hookPath string) string {
	flag := fmt.Sprintf("--require %q", hookPath)
	if strings.TrimSpace(existing) == "" {
		return flag
	}
	return existing + " " + flag
}

// NodeRuntimeTools are the wrapped tools known to run on Node and therefore
// redirected via the preload hook; anything else gets the proxy environment
// variables.
var NodeRuntimeTools = map[string]bool{
	"claude": true,
	"codex":  true,
	"gemini": true,
}

// RedirectEnv computes the environment additions for a tool: the preload
// hook for Node-runtime tools, HTTP(S)_PROXY for everything else. hookDir is
// where the hook file may be written.
func RedirectEnv(tool, hookDir, upstreamOrigin, proxyOrigin string, getenv func(string) string) (map[string]string, error) {
	if NodeRuntimeTools[ToolIdentity(tool)] {
		hookPath, err := WriteNodePreload(hookDir, upstreamOrigin, proxyOrigin)
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"NODE_OPTIONS": NodeOptions(getenv("NODE_OPTIONS"), hookPath),
		}, nil
	}
	return EnvProxyVars(proxyOrigin), nil
}
