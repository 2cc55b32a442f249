// Package daemon implements fastsearchd's service layer: the JSON-RPC
// socket server, request dispatch, and process lifecycle (socket/PID file
// management, signal-driven shutdown).
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/narlysoftware/fastsearchd/internal/config"
	"github.com/narlysoftware/fastsearchd/internal/model"
	"github.com/narlysoftware/fastsearchd/internal/search"
)

// Daemon is the long-lived service process described in spec.md §4.5: it
// owns the listening socket and the model manager, and dispatches framed
// JSON-RPC requests against the search engine.
type Daemon struct {
	cfg     *config.Config
	engine  search.Engine
	models  *model.Manager
	compact *CompactionManager

	listener net.Listener
	pidFile  *PIDFile

	startedAt    time.Time
	requestCount atomic.Int64
	shuttingDown atomic.Bool

	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewDaemon wires a daemon from a validated configuration, a search engine
// and a model manager. The engine is expected to have been built with
// newManagedEmbedder/newManagedReranker so that model lifecycle stays
// exclusively owned by models.
func NewDaemon(cfg *config.Config, engine search.Engine, models *model.Manager) *Daemon {
	return &Daemon{
		cfg:     cfg,
		engine:  engine,
		models:  models,
		compact: NewCompactionManager(engine, cfg.Compaction),
		pidFile: NewPIDFile(cfg.Daemon.PIDPath),
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Start executes lifecycle steps 2-6 of spec.md §4.5 (unlink stale socket,
// bind and chmod, write PID file, load pinned model slots, install signal
// handlers) and launches the accept loop in the background. It returns once
// the socket is listening; call Wait to block until shutdown completes.
func (d *Daemon) Start(ctx context.Context) error {
	_ = os.Remove(d.cfg.Daemon.SocketPath)

	listener, err := net.Listen("unix", d.cfg.Daemon.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to bind socket %s: %w", d.cfg.Daemon.SocketPath, err)
	}
	if err := os.Chmod(d.cfg.Daemon.SocketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to chmod socket: %w", err)
	}
	d.listener = listener
	d.startedAt = time.Now()

	if err := d.pidFile.Write(); err != nil {
		_ = listener.Close()
		_ = os.Remove(d.cfg.Daemon.SocketPath)
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.models.LoadStartupSlots(ctx)
	d.compact.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigCh:
			slog.Info("received shutdown signal")
			d.Shutdown()
		case <-d.done:
		}
		signal.Stop(sigCh)
	}()

	d.wg.Add(1)
	go d.acceptLoop()

	slog.Info("daemon listening", slog.String("socket", d.cfg.Daemon.SocketPath))
	return nil
}

// Wait blocks until the daemon has fully shut down.
func (d *Daemon) Wait() {
	<-d.done
}

func (d *Daemon) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if d.shuttingDown.Load() {
				return
			}
			slog.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		d.mu.Lock()
		d.conns[conn] = struct{}{}
		d.mu.Unlock()

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConnection(conn)
		}()
	}
}

// handleConnection serves a single long-lived connection, reading and
// responding to sequential framed requests until the client disconnects or
// a framing violation occurs. Responses are written in request order.
func (d *Daemon) handleConnection(conn net.Conn) {
	defer func() {
		d.mu.Lock()
		delete(d.conns, conn)
		d.mu.Unlock()
		_ = conn.Close()
	}()

	dispatcher := &dispatcher{daemon: d}

	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			return // clean disconnect or framing violation either way
		}

		resp := dispatcher.dispatchFrame(context.Background(), payload)
		d.requestCount.Add(1)

		out, err := encodeResponse(resp)
		if err != nil {
			slog.Error("failed to encode response", slog.String("error", err.Error()))
			return
		}
		if err := WriteFrame(conn, out); err != nil {
			return // client disconnected mid-write; drop silently, no retry
		}

		if resp.Result != nil {
			if _, ok := resp.Result.(ShutdownResult); ok {
				return
			}
		}
	}
}

// Shutdown implements lifecycle step 8: stop accepting, close outstanding
// connections, shut down the model manager, and unlink the socket and PID
// files. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.closeOnce.Do(func() {
		d.shuttingDown.Store(true)

		if d.listener != nil {
			_ = d.listener.Close()
		}

		d.mu.Lock()
		for conn := range d.conns {
			_ = conn.Close()
		}
		d.mu.Unlock()

		d.compact.Stop()
		d.models.Shutdown()
		if err := d.engine.Close(); err != nil {
			slog.Warn("error closing search engine", slog.String("error", err.Error()))
		}

		_ = os.Remove(d.cfg.Daemon.SocketPath)
		_ = d.pidFile.Remove()

		close(d.done)
	})

	d.wg.Wait()
}

// GetStatus implements the status RPC result.
func (d *Daemon) GetStatus() StatusResult {
	snap := d.models.GetStatus()

	loaded := make(map[string]LoadedModelStatus, len(snap.LoadedModels))
	for slot, s := range snap.LoadedModels {
		loaded[slot] = LoadedModelStatus{
			LoadedAt:    s.LoadedAt.Format(time.RFC3339),
			LastUsed:    s.LastUsed.Format(time.RFC3339),
			MemoryMB:    s.MemoryMB,
			IdleSeconds: s.IdleSeconds,
		}
	}

	return StatusResult{
		UptimeSeconds: time.Since(d.startedAt).Seconds(),
		RequestCount:  d.requestCount.Load(),
		SocketPath:    d.cfg.Daemon.SocketPath,
		LoadedModels:  loaded,
		TotalMemoryMB: snap.TotalMemoryMB,
		MaxMemoryMB:   snap.MaxMemoryMB,
	}
}

// ReloadConfig re-reads configuration from configPath (or the original
// lookup order if empty) and swaps it in. The listening socket is not
// rebound; socket_path changes take effect on the next restart.
func (d *Daemon) ReloadConfig(configPath string) (ReloadConfigResult, error) {
	newCfg, err := config.Load(configPath)
	if err != nil {
		return ReloadConfigResult{}, fmt.Errorf("failed to reload config: %w", err)
	}

	d.mu.Lock()
	d.cfg = newCfg
	d.mu.Unlock()

	return ReloadConfigResult{Reloaded: true, SocketPath: newCfg.Daemon.SocketPath}, nil
}

// recoverToServerError converts a handler panic into a -32000 response
// rather than killing the serving goroutine, per spec.md §7's propagation
// policy.
func recoverToServerError(id json.RawMessage, resp *Response) {
	if r := recover(); r != nil {
		slog.Error("panic in request handler",
			slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		*resp = NewErrorResponse(id, ErrCodeServerError, "internal server error")
	}
}
