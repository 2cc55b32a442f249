package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/narlysoftware/fastsearchd/internal/daemon"
)

func newEmbedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embed <text...>",
		Short: "Embed one or more texts through the daemon's embedder",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEmbed(cmd, args)
		},
	}
	return cmd
}

func runEmbed(cmd *cobra.Command, texts []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client := newDaemonClient(cfg)
	if !client.IsRunning() {
		return fmt.Errorf("daemon is not running; run 'fastsearchd daemon start' first")
	}

	result, err := client.Embed(cmd.Context(), daemon.EmbedParams{Texts: texts})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
