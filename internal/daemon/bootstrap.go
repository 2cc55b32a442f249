package daemon

import (
	"context"
	"fmt"
	"os"

	"github.com/narlysoftware/fastsearchd/internal/config"
	"github.com/narlysoftware/fastsearchd/internal/embed"
	"github.com/narlysoftware/fastsearchd/internal/model"
	"github.com/narlysoftware/fastsearchd/internal/search"
	"github.com/narlysoftware/fastsearchd/internal/store"
)

// defaultEmbeddingDimensions matches qwen3-embedding:0.6b, the default
// embedder model in config.NewConfig.
const defaultEmbeddingDimensions = 1024

// Bootstrap opens the on-disk index at dbPath (the SQLite metadata/BM25
// store and its companion HNSW vector file, per SPEC_FULL.md §4.1) and
// wires a search engine, model manager and Daemon from cfg. The caller owns
// calling Start/Shutdown on the returned Daemon; closing it also closes the
// opened stores.
func Bootstrap(ctx context.Context, cfg *config.Config, dbPath string) (*Daemon, error) {
	meta, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	bm25, err := store.NewSQLiteBM25Index(dbPath, store.DefaultBM25Config())
	if err != nil {
		_ = meta.Close()
		return nil, fmt.Errorf("failed to open BM25 index: %w", err)
	}

	dims := defaultEmbeddingDimensions
	vectorPath := dbPath + ".hnsw"
	if n, derr := store.ReadHNSWStoreDimensions(vectorPath); derr == nil && n > 0 {
		dims = n
	}

	vec, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dims))
	if err != nil {
		_ = meta.Close()
		_ = bm25.Close()
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}
	if dbPath != "" {
		if _, statErr := os.Stat(vectorPath); statErr == nil {
			if lerr := vec.Load(vectorPath); lerr != nil {
				_ = meta.Close()
				_ = bm25.Close()
				return nil, fmt.Errorf("failed to load vector store: %w", lerr)
			}
		} else {
			// No prior index yet; still persist on shutdown once one exists.
			vec.SetPath(vectorPath)
		}
	}

	models := model.NewManager(cfg.Memory, cfg.Models)
	models.RegisterLoader("embedder", embedderLoader())
	models.RegisterLoader("reranker", rerankerLoader())

	engine := search.NewEngine(bm25, vec, meta,
		newManagedEmbedder(models, "embedder"),
		newManagedReranker(models, "reranker"),
		search.DefaultEngineConfig())

	return NewDaemon(cfg, engine, models), nil
}

// embedderLoader builds the embedder slot's model.Loader. The slot's
// configured name selects the provider: an Ollama-tagged name (e.g.
// "qwen3-embedding:0.6b") loads through Ollama; an empty name falls back to
// the dependency-free static embedder, useful for tests and for running
// without a local model server.
func embedderLoader() model.Loader {
	return func(ctx context.Context, name string) (model.Handle, error) {
		provider := embed.ProviderOllama
		if name == "" {
			provider = embed.ProviderStatic
		}
		emb, err := embed.NewEmbedder(ctx, provider, name)
		if err != nil {
			return nil, fmt.Errorf("failed to load embedder %q: %w", name, err)
		}
		return emb, nil
	}
}

// rerankerLoader builds the reranker slot's model.Loader against the MLX
// cross-encoder server, matching the Python reference's reranker backend.
func rerankerLoader() model.Loader {
	return func(ctx context.Context, name string) (model.Handle, error) {
		rcfg := search.DefaultMLXRerankerConfig()
		if name != "" {
			rcfg.Model = name
		}
		rr, err := search.NewMLXReranker(ctx, rcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to load reranker %q: %w", name, err)
		}
		return rr, nil
	}
}
