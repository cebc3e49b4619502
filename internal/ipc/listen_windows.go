//go:build windows

package ipc

import (
	"net"

	"github.com/Microsoft/go-winio"

	"github.com/zqq-nuli/felay/internal/config"
)

// listen binds the uniquely-named local pipe. A second daemon fails here
// with pipe-busy, which is the single-instance guarantee.
func listen(paths *config.Paths) (net.Listener, error) {
	return winio.ListenPipe(config.PipeName, &winio.PipeConfig{
		// Grant access to the owner only.
		SecurityDescriptor: "D:P(A;;GA;;;OW)",
	})
}

// Dial connects a client to the daemon endpoint.
func Dial(path string) (net.Conn, error) {
	return winio.DialPipe(path, nil)
}
