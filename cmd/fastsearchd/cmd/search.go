package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/narlysoftware/fastsearchd/internal/daemon"
	"github.com/narlysoftware/fastsearchd/internal/output"
)

func newSearchCmd() *cobra.Command {
	var (
		limit      int
		mode       string
		rerank     bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the index through the running daemon",
		Long: `Send a search request to the daemon over its socket.

The daemon must already be running (see 'fastsearchd daemon start').`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, strings.Join(args, " "), limit, mode, rerank, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of results")
	cmd.Flags().StringVar(&mode, "mode", "hybrid", "Search mode: hybrid, bm25, or vector")
	cmd.Flags().BoolVar(&rerank, "rerank", false, "Rerank results with the cross-encoder")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runSearch(cmd *cobra.Command, query string, limit int, mode string, rerank, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client := newDaemonClient(cfg)
	if !client.IsRunning() {
		return fmt.Errorf("daemon is not running; run 'fastsearchd daemon start' first")
	}

	result, err := client.Search(cmd.Context(), daemon.SearchParams{
		Query:  query,
		Limit:  limit,
		Mode:   daemon.SearchMode(mode),
		Rerank: rerank,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	out := output.New(cmd.OutOrStdout())
	out.Statusf("", "%d results for %q (%s, %.1fms)", len(result.Results), result.Query, result.Mode, result.SearchTimeMs)
	out.Newline()
	for _, r := range result.Results {
		out.Statusf("", "[%d] %s:%d", r.Rank, r.Source, r.ChunkIndex)
		snippet := r.Content
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		out.Status("", "    "+snippet)
	}

	return nil
}
