// Package daemon assembles and runs the felay daemon: config, secrets,
// registry, buffers, chat connector, router, and the IPC endpoint.
package daemon

import (
	"context"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zqq-nuli/felay/internal/buffer"
	"github.com/zqq-nuli/felay/internal/chat"
	"github.com/zqq-nuli/felay/internal/config"
	"github.com/zqq-nuli/felay/internal/event"
	"github.com/zqq-nuli/felay/internal/ipc"
	"github.com/zqq-nuli/felay/internal/logging"
	"github.com/zqq-nuli/felay/internal/registry"
	"github.com/zqq-nuli/felay/internal/router"
	"github.com/zqq-nuli/felay/internal/secret"
)

const (
	pruneInterval    = 5 * time.Minute
	shutdownDeadline = 5 * time.Second
)

// lateSender lets the router hold its Sender before the IPC server exists;
// the server needs the router as its handler, so one side binds late.
type lateSender struct {
	server *ipc.Server
}

func (l *lateSender) SendToSession(sessionID string, msg ipc.Message) error {
	if l.server == nil {
		return ipc.ErrNoSessionSocket
	}
	return l.server.SendToSession(sessionID, msg)
}

func (l *lateSender) HasSessionSocket(sessionID string) bool {
	return l.server != nil && l.server.HasSessionSocket(sessionID)
}

// Daemon is the assembled process.
type Daemon struct {
	paths     *config.Paths
	cfg       *config.Store
	reg       *registry.Registry
	buffers   *buffer.Manager
	connector *chat.Connector
	router    *router.Router
	server    *ipc.Server
}

// New wires the daemon together. Key-file and configuration failures are
// fatal; the caller exits with code 1.
func New(paths *config.Paths) (*Daemon, error) {
	if err := paths.EnsurePaths(); err != nil {
		return nil, err
	}

	secrets, err := secret.Open(paths.MasterKeyPath())
	if err != nil {
		return nil, err
	}
	cfg, err := config.NewStore(paths, secrets)
	if err != nil {
		return nil, err
	}

	doc := cfg.Get()
	reg := registry.New()
	connector := chat.NewConnector(cfg)
	sender := &lateSender{}

	var rt *router.Router
	buffers := buffer.NewManager(buffer.Options{
		MergeWindow:     time.Duration(doc.Push.MergeWindowMs) * time.Millisecond,
		MaxMessageBytes: doc.Push.MaxMessageBytes,
		OnInteractive:   func(id, text string) { rt.OnInteractiveFlush(id, text) },
		OnPush:          func(id, text string) { rt.OnPushFlush(id, text) },
	})
	rt = router.New(router.Options{
		Config:   cfg,
		Registry: reg,
		Chat:     connector,
		Buffers:  buffers,
		Paths:    paths,
		Sender:   sender,
	})

	server := ipc.NewServer(paths, rt)
	sender.server = server

	return &Daemon{
		paths:     paths,
		cfg:       cfg,
		reg:       reg,
		buffers:   buffers,
		connector: connector,
		router:    rt,
		server:    server,
	}, nil
}

// Run starts the endpoint and blocks until the context is cancelled or a
// stop request arrives, then drains gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	// Leftover images belong to sessions that no longer exist.
	if err := os.RemoveAll(d.paths.ImagesPath()); err != nil {
		logging.Debug().Err(err).Msg("image sweep failed")
	}
	_ = os.MkdirAll(d.paths.ImagesPath(), 0755)

	if err := d.server.Start(); err != nil {
		return err
	}
	logging.Info().Str("home", d.paths.Home).Str("version", router.Version).Msg("daemon running")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsubStop := event.Subscribe(event.StopRequested, func(e event.Event) {
		logging.Info().Msg("stop requested")
		cancel()
	})
	defer unsubStop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if pruned := d.reg.PruneEnded(registry.DefaultPruneAge); len(pruned) > 0 {
					logging.Debug().Strs("sessions", pruned).Msg("pruned ended sessions")
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	_ = g.Wait()

	d.shutdown()
	return nil
}

// shutdown drains the daemon under a hard deadline: flush pending
// interactive replies best-effort, stop chat connections, close the
// endpoint and remove its files.
func (d *Daemon) shutdown() {
	done := make(chan struct{})
	go func() {
		defer close(done)

		for _, row := range d.reg.List() {
			if !row.Ended() {
				d.buffers.ForceFlushInteractive(row.SessionID)
			}
		}
		d.connector.Close()
		d.router.Close()
		if err := d.server.Close(); err != nil {
			logging.Warn().Err(err).Msg("endpoint close failed")
		}
	}()

	select {
	case <-done:
		logging.Info().Msg("daemon stopped")
	case <-time.After(shutdownDeadline):
		logging.Warn().Msg("shutdown deadline exceeded, exiting hard")
	}
}
