package daemon

import (
	"context"
	"fmt"

	"github.com/narlysoftware/fastsearchd/internal/embed"
	"github.com/narlysoftware/fastsearchd/internal/model"
	"github.com/narlysoftware/fastsearchd/internal/search"
)

// managedEmbedder adapts the model manager's "embedder" slot to the
// embed.Embedder interface the search engine is built against. Every call
// resolves (and, if absent, loads) the slot through the manager first, so
// an embedder evicted under memory pressure is transparently reloaded on
// the next use (spec.md §8 scenario S5) without the engine holding a stale
// reference.
type managedEmbedder struct {
	models *model.Manager
	slot   string
}

func newManagedEmbedder(models *model.Manager, slot string) embed.Embedder {
	return &managedEmbedder{models: models, slot: slot}
}

func (e *managedEmbedder) resolve(ctx context.Context) (embed.Embedder, error) {
	lm, err := e.models.LoadModel(ctx, e.slot)
	if err != nil {
		return nil, err
	}
	emb, ok := lm.Handle.(embed.Embedder)
	if !ok {
		return nil, fmt.Errorf("slot %q handle does not implement embed.Embedder", e.slot)
	}
	return emb, nil
}

func (e *managedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	emb, err := e.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return emb.Embed(ctx, text)
}

func (e *managedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	emb, err := e.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return emb.EmbedBatch(ctx, texts)
}

func (e *managedEmbedder) Dimensions() int {
	emb, err := e.resolve(context.Background())
	if err != nil {
		return 0
	}
	return emb.Dimensions()
}

func (e *managedEmbedder) ModelName() string {
	emb, err := e.resolve(context.Background())
	if err != nil {
		return ""
	}
	return emb.ModelName()
}

func (e *managedEmbedder) Available(ctx context.Context) bool {
	emb, err := e.resolve(ctx)
	if err != nil {
		return false
	}
	return emb.Available(ctx)
}

func (e *managedEmbedder) SetBatchIndex(idx int) {
	if emb, err := e.resolve(context.Background()); err == nil {
		emb.SetBatchIndex(idx)
	}
}

func (e *managedEmbedder) SetFinalBatch(isFinal bool) {
	if emb, err := e.resolve(context.Background()); err == nil {
		emb.SetFinalBatch(isFinal)
	}
}

// Close is a no-op: the model manager owns the underlying handle's
// lifecycle (load_model/unload_model/idle-timeout/shutdown), not the
// engine that merely borrows it through this adapter.
func (e *managedEmbedder) Close() error { return nil }

// managedReranker adapts the model manager's "reranker" slot to the
// search.Reranker interface, mirroring managedEmbedder.
type managedReranker struct {
	models *model.Manager
	slot   string
}

func newManagedReranker(models *model.Manager, slot string) search.Reranker {
	return &managedReranker{models: models, slot: slot}
}

func (r *managedReranker) resolve(ctx context.Context) (search.Reranker, error) {
	lm, err := r.models.LoadModel(ctx, r.slot)
	if err != nil {
		return nil, err
	}
	rr, ok := lm.Handle.(search.Reranker)
	if !ok {
		return nil, fmt.Errorf("slot %q handle does not implement search.Reranker", r.slot)
	}
	return rr, nil
}

func (r *managedReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]search.RerankResult, error) {
	rr, err := r.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return rr.Rerank(ctx, query, documents, topK)
}

func (r *managedReranker) Available(ctx context.Context) bool {
	rr, err := r.resolve(ctx)
	if err != nil {
		return false
	}
	return rr.Available(ctx)
}

func (r *managedReranker) Close() error { return nil }
