package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/narlysoftware/fastsearchd/internal/daemon"
)

func newRerankCmd() *cobra.Command {
	var query string

	cmd := &cobra.Command{
		Use:   "rerank <document...>",
		Short: "Rerank documents against a query through the daemon's reranker",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRerank(cmd, query, args)
		},
	}

	cmd.Flags().StringVar(&query, "query", "", "Query to rerank documents against (required)")
	_ = cmd.MarkFlagRequired("query")

	return cmd
}

func runRerank(cmd *cobra.Command, query string, documents []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client := newDaemonClient(cfg)
	if !client.IsRunning() {
		return fmt.Errorf("daemon is not running; run 'fastsearchd daemon start' first")
	}

	result, err := client.Rerank(cmd.Context(), daemon.RerankParams{Query: query, Documents: documents})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
