//go:build !windows

package ipc

import (
	"net"
	"os"

	"github.com/zqq-nuli/felay/internal/config"
)

// listen binds the per-user unix socket. Address-in-use means another
// daemon is live and is returned as-is.
func listen(paths *config.Paths) (net.Listener, error) {
	ln, err := net.Listen("unix", paths.SocketPath())
	if err != nil {
		return nil, err
	}
	// Owner-only: the endpoint accepts credential-bearing control traffic.
	_ = os.Chmod(paths.SocketPath(), 0600)
	return ln, nil
}

// Dial connects a client to the daemon endpoint.
func Dial(path string) (net.Conn, error) {
	return net.Dial("unix", path)
}
