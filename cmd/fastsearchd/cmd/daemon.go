package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/narlysoftware/fastsearchd/internal/config"
	"github.com/narlysoftware/fastsearchd/internal/daemon"
	"github.com/narlysoftware/fastsearchd/internal/logging"
	"github.com/narlysoftware/fastsearchd/internal/output"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background search daemon",
		Long: `The daemon keeps the embedder (and, on demand, the reranker) loaded in
memory and serves hybrid search over a persistent Unix socket connection.

Commands:
  start   Start the daemon (runs in background by default)
  stop    Stop the running daemon
  status  Show daemon status and loaded models
  logs    View or follow the daemon's log file`,
	}

	cmd.AddCommand(newDaemonStartCmd())
	cmd.AddCommand(newDaemonStopCmd())
	cmd.AddCommand(newDaemonStatusCmd())
	cmd.AddCommand(newDaemonLogsCmd())
	return cmd
}

func newDaemonStartCmd() *cobra.Command {
	var foreground bool
	var dbPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the background daemon",
		Long: `Start the search daemon.

By default the process re-executes itself detached in the background.
Use --foreground to run inline, which is useful for debugging.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemonStart(cmd, foreground, dbPath)
		},
	}

	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (don't daemonize)")
	cmd.Flags().StringVar(&dbPath, "db", "fastsearch.db", "Path to the index database")
	return cmd
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Long:  `Request a graceful shutdown of the running daemon over its socket.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemonStop(cmd)
		},
	}
}

func newDaemonStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  `Show whether the daemon is running, its uptime, and its loaded model slots.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemonStatus(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newDaemonLogsCmd() *cobra.Command {
	var lines int
	var follow bool
	var level string
	var pattern string
	var noColor bool
	var logPath string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View or follow daemon logs",
		Long: `Show the tail of the daemon's structured log file, optionally following
it for new entries as they're written.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemonLogs(cmd, lines, follow, level, pattern, noColor, logPath)
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().StringVar(&level, "level", "", "Minimum level to show (debug, info, warn, error)")
	cmd.Flags().StringVar(&pattern, "grep", "", "Only show entries matching this regular expression")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	cmd.Flags().StringVar(&logPath, "path", "", "Explicit log file path (defaults to ~/.fastsearch/logs/server.log)")

	return cmd
}

func runDaemonLogs(cmd *cobra.Command, lines int, follow bool, level, pattern string, noColor bool, logPath string) error {
	path, err := logging.FindLogFile(logPath)
	if err != nil {
		return err
	}

	var re *regexp.Regexp
	if pattern != "" {
		re, err = regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid --grep pattern: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	viewer := logging.NewViewer(logging.ViewerConfig{
		Level:   level,
		Pattern: re,
		NoColor: noColor,
	}, out)

	entries, err := viewer.Tail(path, lines)
	if err != nil {
		return fmt.Errorf("failed to read logs: %w", err)
	}
	viewer.Print(entries)

	if !follow {
		return nil
	}

	ch := make(chan logging.LogEntry, 64)
	go func() {
		_ = viewer.Follow(cmd.Context(), path, ch)
	}()

	for {
		select {
		case entry := <-ch:
			_, _ = fmt.Fprintln(out, viewer.FormatEntry(entry))
		case <-cmd.Context().Done():
			return nil
		}
	}
}

func runDaemonStart(cmd *cobra.Command, foreground bool, dbPath string) error {
	out := output.New(cmd.OutOrStdout())

	cfg, resolvedConfigPath, err := config.LoadWithPath(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client := newDaemonClient(cfg)
	if client.IsRunning() {
		out.Status("", "Daemon is already running")
		return nil
	}

	if foreground {
		out.Status("", "Starting daemon in foreground...")
		out.Statusf("", "Socket: %s", cfg.Daemon.SocketPath)
		out.Status("", "Press Ctrl+C to stop")
		out.Newline()

		d, err := daemon.Bootstrap(cmd.Context(), cfg, dbPath)
		if err != nil {
			return fmt.Errorf("failed to bootstrap daemon: %w", err)
		}
		if err := d.Start(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}

		watcher, err := d.WatchConfig(resolvedConfigPath)
		if err != nil {
			slog.Warn("config watch disabled", slog.String("error", err.Error()))
		}
		defer watcher.Stop()

		d.Wait()
		return nil
	}

	out.Status("", "Starting daemon in background...")

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	args := []string{"daemon", "start", "--foreground", "--db", dbPath}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	bgCmd := exec.Command(execPath, args...)
	bgCmd.Stdout = nil
	bgCmd.Stderr = nil
	bgCmd.Stdin = nil
	bgCmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := bgCmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- bgCmd.Wait() }()

	for i := 0; i < 50; i++ {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("daemon process exited unexpectedly: %w", err)
			}
			return fmt.Errorf("daemon process exited unexpectedly with code 0")
		default:
		}

		time.Sleep(100 * time.Millisecond)
		if client.IsRunning() {
			out.Success(fmt.Sprintf("Daemon started (pid: %d)", bgCmd.Process.Pid))
			return nil
		}
	}

	return fmt.Errorf("daemon failed to start within timeout")
}

func runDaemonStop(cmd *cobra.Command) error {
	out := output.New(cmd.OutOrStdout())

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client := newDaemonClient(cfg)
	if !client.IsRunning() {
		out.Status("", "Daemon is not running")
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), daemon.DefaultClientConfig().ShutdownGracePeriod)
	defer cancel()

	if _, err := client.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	out.Success("Daemon stopped")
	return nil
}

func runDaemonStatus(cmd *cobra.Command, jsonOutput bool) error {
	out := output.New(cmd.OutOrStdout())

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client := newDaemonClient(cfg)
	if !client.IsRunning() {
		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]bool{"running": false})
		}
		out.Status("", "Daemon is not running")
		out.Status("", "Run 'fastsearchd daemon start' to start it")
		return nil
	}

	status, err := client.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	out.Status("", "Daemon is running")
	out.Statusf("", "  Socket:         %s", status.SocketPath)
	out.Statusf("", "  Uptime:         %.0fs", status.UptimeSeconds)
	out.Statusf("", "  Requests:       %d", status.RequestCount)
	out.Statusf("", "  Memory:         %d/%d MB", status.TotalMemoryMB, status.MaxMemoryMB)
	for slot, s := range status.LoadedModels {
		out.Statusf("", "  Slot %-10s memory=%dMB idle=%ds", slot, s.MemoryMB, s.IdleSeconds)
	}

	return nil
}
