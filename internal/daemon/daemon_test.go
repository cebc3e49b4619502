package daemon

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zqq-nuli/felay/internal/config"
	"github.com/zqq-nuli/felay/internal/ipc"
)

func TestDaemonLifecycle(t *testing.T) {
	paths := &config.Paths{Home: t.TempDir()}

	d, err := New(paths)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Wait for the endpoint to come up, then exercise it.
	var client *ipc.Client
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		client, err = ipc.DialEndpoint(paths.SocketPath())
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err, "endpoint never came up")
	defer client.Close()

	require.NoError(t, client.Send(ipc.TypeStatusRequest, struct{}{}))
	msg, err := client.Recv()
	require.NoError(t, err)
	assert.Equal(t, ipc.TypeStatusResponse, msg.Type)

	var status ipc.StatusResponse
	require.NoError(t, json.Unmarshal(msg.Payload, &status))
	assert.Equal(t, os.Getpid(), status.PID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "clean shutdown")
	case <-time.After(10 * time.Second):
		t.Fatal("daemon never stopped")
	}

	_, statErr := os.Stat(paths.SocketPath())
	assert.True(t, os.IsNotExist(statErr), "socket removed")
	_, statErr = os.Stat(paths.LockPath())
	assert.True(t, os.IsNotExist(statErr), "lock removed")
}

func TestDaemonStartupSweepsImages(t *testing.T) {
	paths := &config.Paths{Home: t.TempDir()}
	require.NoError(t, paths.EnsurePaths())
	stale := paths.SessionImagesPath("dead-session")
	require.NoError(t, os.MkdirAll(stale, 0755))
	require.NoError(t, os.WriteFile(stale+"/img.png", []byte("x"), 0644))

	d, err := New(paths)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(stale); os.IsNotExist(err) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, statErr := os.Stat(stale)
	assert.True(t, os.IsNotExist(statErr), "stale image dir removed on startup")

	cancel()
	<-done
}
