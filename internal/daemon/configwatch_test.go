package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchConfig_EmptyPathIsNoOp(t *testing.T) {
	d, _ := newTestDaemon(t)
	require.NoError(t, d.Start(context.Background()))
	defer d.Shutdown()

	watcher, err := d.WatchConfig("")
	require.NoError(t, err)
	assert.Nil(t, watcher)
	watcher.Stop() // nil receiver must not panic
}

func TestWatchConfig_ReloadsOnFileWrite(t *testing.T) {
	d, _ := newTestDaemon(t)
	require.NoError(t, d.Start(context.Background()))
	defer d.Shutdown()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	original := "daemon:\n  socket_path: " + d.cfg.Daemon.SocketPath + "\n  pid_path: " + d.cfg.Daemon.PIDPath + "\n  log_level: INFO\n"
	require.NoError(t, os.WriteFile(path, []byte(original), 0644))

	watcher, err := d.WatchConfig(path)
	require.NoError(t, err)
	require.NotNil(t, watcher)
	defer watcher.Stop()

	updated := "daemon:\n  socket_path: " + d.cfg.Daemon.SocketPath + "\n  pid_path: " + d.cfg.Daemon.PIDPath + "\n  log_level: DEBUG\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		level := d.cfg.Daemon.LogLevel
		d.mu.Unlock()
		if level == "DEBUG" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("config was not reloaded after file write")
}
