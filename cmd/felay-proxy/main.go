// Package main provides the reply-assembly proxy runner. The CLI host
// launches it next to the AI tool, points the tool's HTTP at the printed
// origin, and the proxy forwards every turn to the daemon as an
// api_proxy_event.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zqq-nuli/felay/internal/apiproxy"
	"github.com/zqq-nuli/felay/internal/config"
	"github.com/zqq-nuli/felay/internal/ipc"
	"github.com/zqq-nuli/felay/internal/logging"
	"github.com/zqq-nuli/felay/pkg/types"
)

var (
	sessionID = flag.String("session", "", "Session id (required)")
	tool      = flag.String("tool", "claude", "Wrapped AI tool executable name")
	endpoint  = flag.String("ipc", "", "Daemon IPC endpoint (default: the standard socket)")
	upstream  = flag.String("upstream", "", "Upstream origin override")
	hookDir   = flag.String("hook-dir", os.TempDir(), "Directory for the Node preload hook")
)

// startupInfo is printed as one JSON line for the CLI host to consume.
type startupInfo struct {
	Origin string            `json:"origin"`
	PID    int               `json:"pid"`
	Env    map[string]string `json:"env"`
}

func main() {
	flag.Parse()
	logging.Init(logging.Config{Level: logging.WarnLevel, Output: os.Stderr})

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "felay-proxy: -session is required")
		os.Exit(1)
	}

	ipcPath := *endpoint
	if ipcPath == "" {
		ipcPath = config.GetPaths().SocketPath()
	}

	origin, provider := apiproxy.ResolveUpstream(*tool, os.Getenv, userHome())
	if *upstream != "" {
		origin = *upstream
	}

	client, err := ipc.DialEndpoint(ipcPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "felay-proxy: daemon unreachable: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	emit := func(msg types.AssembledMessage) {
		err := client.Send(ipc.TypeAPIProxyEvent, ipc.APIProxyEventPayload{
			SessionID: *sessionID,
			Message:   msg,
		})
		if err != nil {
			logging.Warn().Err(err).Msg("api_proxy_event send failed")
		}
	}

	proxy, err := apiproxy.New(apiproxy.Options{
		Upstream: origin,
		Provider: provider,
		Emit:     emit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "felay-proxy: %v\n", err)
		os.Exit(1)
	}

	proxyOrigin, err := proxy.Start()
	if err != nil {
		fmt.Fprintf(os.Stderr, "felay-proxy: listen failed: %v\n", err)
		os.Exit(1)
	}

	env, err := apiproxy.RedirectEnv(*tool, *hookDir, origin, proxyOrigin, os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "felay-proxy: redirect setup failed: %v\n", err)
		os.Exit(1)
	}

	info, _ := json.Marshal(startupInfo{Origin: proxyOrigin, PID: os.Getpid(), Env: env})
	fmt.Println(string(info))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = proxy.Close(shutdownCtx)
}

func userHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}
