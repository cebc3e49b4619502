// Package config provides the daemon's configuration document and path
// management. All secret fields pass through the secret store at the
// load/save boundary; the in-memory document is always plaintext.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppDirName is the per-user application directory under $HOME.
const AppDirName = ".felay"

// PipeName is the Windows named-pipe endpoint.
const PipeName = `\\.\pipe\felay`

// Paths contains the standard paths for felay data.
type Paths struct {
	Home string // ~/.felay
}

// GetPaths returns the standard paths, honoring the FELAY_HOME override.
func GetPaths() *Paths {
	if home := os.Getenv("FELAY_HOME"); home != "" {
		return &Paths{Home: home}
	}
	return &Paths{Home: filepath.Join(userHome(), AppDirName)}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Home, p.ImagesPath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// ConfigPath returns the path to the configuration document.
func (p *Paths) ConfigPath() string {
	return filepath.Join(p.Home, "config.json")
}

// MasterKeyPath returns the path to the master key file.
func (p *Paths) MasterKeyPath() string {
	return filepath.Join(p.Home, ".master-key")
}

// LockPath returns the path to the daemon lock file.
func (p *Paths) LockPath() string {
	return filepath.Join(p.Home, "daemon.json")
}

// SocketPath returns the IPC endpoint. On Windows the endpoint is a named
// pipe and the socket file path is unused.
func (p *Paths) SocketPath() string {
	if runtime.GOOS == "windows" {
		return PipeName
	}
	return filepath.Join(p.Home, "daemon.sock")
}

// LogPath returns the daemon log file path.
func (p *Paths) LogPath() string {
	return filepath.Join(p.Home, "daemon.log")
}

// ImagesPath returns the root directory for downloaded inbound images.
func (p *Paths) ImagesPath() string {
	return filepath.Join(p.Home, "images")
}

// SessionImagesPath returns the image directory for one session.
func (p *Paths) SessionImagesPath(sessionID string) string {
	return filepath.Join(p.ImagesPath(), sessionID)
}

func userHome() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	if runtime.GOOS == "windows" {
		return os.Getenv("USERPROFILE")
	}
	return os.Getenv("HOME")
}
