package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/narlysoftware/fastsearchd/internal/config"
	"github.com/narlysoftware/fastsearchd/internal/daemon"
	"github.com/narlysoftware/fastsearchd/internal/logging"
)

var (
	configPath string
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "fastsearchd",
		Short: "Local hybrid search daemon and CLI",
		Long: `fastsearchd keeps an embedding model loaded in memory and serves
BM25 + vector hybrid search over a local SQLite/HNSW index through a
long-lived Unix socket, so repeated searches skip per-process model
load time.

Commands:
  daemon start|stop|status   Manage the background daemon
  search                     Run a search against the daemon
  embed                      Embed text through the daemon's embedder
  rerank                     Rerank documents through the daemon's reranker
  config init                Write a default config file`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !debug {
				return nil
			}
			logCfg := logging.DebugConfig()
			logger, _, err := logging.Setup(logCfg)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
		SilenceUsage: true,
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (overrides lookup order)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging to file")

	rootCmd.AddCommand(newDaemonCmd())
	rootCmd.AddCommand(newSearchCmd())
	rootCmd.AddCommand(newEmbedCmd())
	rootCmd.AddCommand(newRerankCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// loadConfig resolves the effective configuration for client commands using
// the --config flag override.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newDaemonClient builds a daemon.Client wired to cfg's socket path.
func newDaemonClient(cfg *config.Config) *daemon.Client {
	ccfg := daemon.DefaultClientConfig()
	ccfg.SocketPath = cfg.Daemon.SocketPath
	return daemon.NewClient(ccfg)
}
