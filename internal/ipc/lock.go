package ipc

import (
	"fmt"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/zqq-nuli/felay/internal/config"
	"github.com/zqq-nuli/felay/internal/logging"
	"github.com/zqq-nuli/felay/internal/storage"
)

// LockFile is the daemon's service-discovery document (~/.felay/daemon.json).
type LockFile struct {
	PID       int       `json:"pid"`
	IPC       string    `json:"ipc"`
	StartedAt time.Time `json:"started_at"`
}

// acquireLock writes the lock file after clearing a stale predecessor. A
// live predecessor is a fatal startup condition; the endpoint itself also
// enforces single-daemon via address-in-use.
func acquireLock(paths *config.Paths) error {
	var prior LockFile
	err := storage.ReadJSON(paths.LockPath(), &prior)
	if err == nil && prior.PID != 0 && processAlive(prior.PID) {
		return fmt.Errorf("daemon already running (pid %d)", prior.PID)
	}
	if err == nil {
		// Stale lock from a crashed daemon: clear it and any leftover socket.
		logging.Info().Int("pid", prior.PID).Msg("removing stale daemon lock")
		_ = storage.Remove(paths.LockPath())
		if runtime.GOOS != "windows" {
			_ = storage.Remove(paths.SocketPath())
		}
	}

	return storage.WriteJSON(paths.LockPath(), &LockFile{
		PID:       os.Getpid(),
		IPC:       paths.SocketPath(),
		StartedAt: time.Now(),
	})
}

// releaseLock removes the lock file on clean shutdown.
func releaseLock(paths *config.Paths) {
	_ = storage.Remove(paths.LockPath())
}

// processAlive probes whether a pid refers to a live process.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		// FindProcess already opened a handle; existence is the probe.
		return true
	}
	return p.Signal(syscall.Signal(0)) == nil
}
