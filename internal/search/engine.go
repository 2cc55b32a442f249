package search

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/narlysoftware/fastsearchd/internal/embed"
	"github.com/narlysoftware/fastsearchd/internal/store"
)

// engine is the default Engine implementation, orchestrating the BM25 index,
// vector index, metadata store and embedder/reranker collaborators.
type engine struct {
	bm25     store.BM25Index
	meta     store.MetadataStore
	embedder embed.Embedder
	reranker Reranker
	cfg      EngineConfig

	vecMu sync.RWMutex
	vec   store.VectorStore
}

var _ Engine = (*engine)(nil)

// NewEngine wires the index store, embedder and reranker into a search
// Engine. reranker may be nil, in which case rerank requests fall back to
// returning the fused hybrid order unchanged (equivalent to a no-op rerank).
func NewEngine(bm25 store.BM25Index, vec store.VectorStore, meta store.MetadataStore, embedder embed.Embedder, reranker Reranker, cfg EngineConfig) Engine {
	if reranker == nil {
		reranker = &NoOpReranker{}
	}
	return &engine{bm25: bm25, vec: vec, meta: meta, embedder: embedder, reranker: reranker, cfg: cfg}
}

// Index embeds and persists chunks into both the lexical and vector
// structures. It is all-or-nothing: any embedding or storage failure aborts
// the whole batch, consistent with spec.md §9's embed failure policy.
func (e *engine) Index(ctx context.Context, chunks []*store.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	if err := e.meta.SaveChunks(ctx, chunks); err != nil {
		return fmt.Errorf("failed to save chunks: %w", err)
	}

	ids := make([]int64, len(chunks))
	docs := make([]*store.Document, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
		docs[i] = &store.Document{ID: c.ID, Content: c.Content}
	}

	if err := e.bm25.Index(ctx, docs); err != nil {
		return fmt.Errorf("failed to index bm25: %w", err)
	}

	if err := e.getVec().Add(ctx, ids, vectors); err != nil {
		return fmt.Errorf("failed to add vectors: %w", err)
	}

	if err := e.meta.SaveChunkEmbeddings(ctx, ids, vectors, e.embedder.ModelName()); err != nil {
		return fmt.Errorf("failed to persist embeddings: %w", err)
	}

	return nil
}

// Delete removes every chunk for a source from the lexical index, the
// vector index and the metadata store.
func (e *engine) Delete(ctx context.Context, source string) (int, error) {
	chunks, err := e.meta.GetChunksBySource(ctx, source)
	if err != nil {
		return 0, fmt.Errorf("failed to list chunks for source %q: %w", source, err)
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}

	// Best-effort delete pattern: a missing id in either secondary index is
	// not an error, since lazy deletion already tolerates stale entries.
	if err := e.bm25.Delete(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to delete from bm25 index: %w", err)
	}
	if err := e.getVec().Delete(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to delete from vector index: %w", err)
	}

	return e.meta.DeleteBySource(ctx, source)
}

// Search executes a query in the requested mode, per spec.md §4.2.
func (e *engine) Search(ctx context.Context, query string, opts SearchOptions) (*SearchOutcome, error) {
	start := time.Now()

	limit := opts.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	if limit > e.cfg.MaxLimit {
		limit = e.cfg.MaxLimit
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeHybrid
	}

	var (
		results  []*ResultChunk
		reranked bool
		err      error
	)

	switch mode {
	case ModeBM25:
		results, err = e.searchBM25(ctx, query, limit)
	case ModeVector:
		results, err = e.searchVector(ctx, query, limit)
	case ModeHybrid:
		results, reranked, err = e.searchHybrid(ctx, query, limit, opts)
	default:
		return nil, fmt.Errorf("unknown search mode %q", mode)
	}
	if err != nil {
		return nil, err
	}

	return &SearchOutcome{
		Query:        query,
		Mode:         mode,
		Reranked:     reranked,
		SearchTimeMs: float64(time.Since(start)) / float64(time.Millisecond),
		Results:      results,
	}, nil
}

func (e *engine) searchBM25(ctx context.Context, query string, limit int) ([]*ResultChunk, error) {
	hits, err := e.bm25.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("bm25 search failed: %w", err)
	}

	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.DocID
	}
	chunksByID, err := e.chunksByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]*ResultChunk, 0, len(hits))
	for i, h := range hits {
		chunk, ok := chunksByID[h.DocID]
		if !ok {
			continue
		}
		results = append(results, &ResultChunk{
			Chunk: chunk,
			Rank:  i + 1,
			Score: h.Score,
		})
	}
	return results, nil
}

func (e *engine) searchVector(ctx context.Context, query string, limit int) ([]*ResultChunk, error) {
	queryVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	hits, err := e.getVec().Search(ctx, queryVec, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	chunksByID, err := e.chunksByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]*ResultChunk, 0, len(hits))
	for i, h := range hits {
		chunk, ok := chunksByID[h.ID]
		if !ok {
			continue
		}
		results = append(results, &ResultChunk{
			Chunk:    chunk,
			Rank:     i + 1,
			Distance: float64(h.Distance),
		})
	}
	return results, nil
}

// searchHybrid fetches fetchLimit=3*limit candidates from each path in
// parallel, fuses them with RRF, optionally reranks, and truncates to
// limit with ranks renumbered from 1.
func (e *engine) searchHybrid(ctx context.Context, query string, limit int, opts SearchOptions) ([]*ResultChunk, bool, error) {
	fetchLimit := fetchMultiplier * limit

	weights := opts.Weights
	if weights.BM25 == 0 && weights.Vec == 0 {
		weights = e.cfg.DefaultWeights
	}
	k := opts.K
	if k <= 0 {
		k = e.cfg.RRFConstant
	}

	var bm25Hits []*store.BM25Result
	var vecHits []*store.VectorResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		bm25Hits, err = e.bm25.Search(gctx, query, fetchLimit)
		return err
	})
	g.Go(func() error {
		queryVec, err := e.embedder.Embed(gctx, query)
		if err != nil {
			return fmt.Errorf("failed to embed query: %w", err)
		}
		vecHits, err = e.getVec().Search(gctx, queryVec, fetchLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, false, fmt.Errorf("hybrid search failed: %w", err)
	}

	ranked := fuseRRF(bm25Hits, vecHits, weights, k, fetchLimit)

	if opts.Rerank {
		results, err := e.rerankHybrid(ctx, query, ranked, limit, opts)
		if err != nil {
			return nil, false, err
		}
		return results, true, nil
	}

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return e.materializeRanked(ctx, ranked)
}

// rerankHybrid implements search_hybrid_reranked per spec.md §4.2: rescore
// the top rerank_top_k RRF candidates with the cross-encoder, sort by
// reranker score descending (tie-break: original RRF rank ascending),
// truncate to limit.
func (e *engine) rerankHybrid(ctx context.Context, query string, ranked []*rankedDoc, limit int, opts SearchOptions) ([]*ResultChunk, error) {
	rerankTopK := opts.RerankTopK
	if rerankTopK <= 0 {
		rerankTopK = fetchMultiplier * limit
		if rerankTopK > 30 {
			rerankTopK = 30
		}
	}

	if rerankTopK == 0 || len(ranked) == 0 {
		return []*ResultChunk{}, nil
	}

	candidates := ranked
	if len(candidates) > rerankTopK {
		candidates = candidates[:rerankTopK]
	}

	ids := make([]int64, len(candidates))
	for i, r := range candidates {
		ids[i] = r.id
	}
	chunksByID, err := e.chunksByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	documents := make([]string, 0, len(candidates))
	kept := make([]*rankedDoc, 0, len(candidates))
	for _, r := range candidates {
		chunk, ok := chunksByID[r.id]
		if !ok {
			continue
		}
		documents = append(documents, chunk.Content)
		kept = append(kept, r)
	}

	scored, err := e.reranker.Rerank(ctx, query, documents, 0)
	if err != nil {
		return nil, fmt.Errorf("reranker failed: %w", err)
	}

	type rerankedDoc struct {
		doc        *rankedDoc
		chunk      *store.Chunk
		score      float64
		origRRFIdx int
	}
	combined := make([]rerankedDoc, len(scored))
	for _, s := range scored {
		r := kept[s.Index]
		combined[s.Index] = rerankedDoc{doc: r, chunk: chunksByID[r.id], score: s.Score, origRRFIdx: s.Index}
	}

	sort.SliceStable(combined, func(i, j int) bool {
		if combined[i].score != combined[j].score {
			return combined[i].score > combined[j].score
		}
		return combined[i].origRRFIdx < combined[j].origRRFIdx
	})

	if len(combined) > limit {
		combined = combined[:limit]
	}

	results := make([]*ResultChunk, len(combined))
	for i, c := range combined {
		score := c.score
		results[i] = &ResultChunk{
			Chunk:       c.chunk,
			Rank:        i + 1,
			RerankScore: &score,
		}
	}
	return results, nil
}

func (e *engine) materializeRanked(ctx context.Context, ranked []*rankedDoc) ([]*ResultChunk, bool, error) {
	ids := make([]int64, len(ranked))
	for i, r := range ranked {
		ids[i] = r.id
	}
	chunksByID, err := e.chunksByID(ctx, ids)
	if err != nil {
		return nil, false, err
	}

	results := make([]*ResultChunk, 0, len(ranked))
	for i, r := range ranked {
		chunk, ok := chunksByID[r.id]
		if !ok {
			continue
		}
		rrfScore := r.rrfScore
		rc := &ResultChunk{
			Chunk:    chunk,
			Rank:     i + 1,
			RRFScore: &rrfScore,
		}
		if r.bm25Rank > 0 {
			bm25Rank := r.bm25Rank
			rc.BM25Rank = &bm25Rank
		}
		if r.vecRank > 0 {
			vecRank := r.vecRank
			rc.VecRank = &vecRank
		}
		results = append(results, rc)
	}
	return results, false, nil
}

func (e *engine) chunksByID(ctx context.Context, ids []int64) (map[int64]*store.Chunk, error) {
	chunks, err := e.meta.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	byID := make(map[int64]*store.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}
	return byID, nil
}

// Stats reports aggregate statistics across both index structures.
func (e *engine) Stats(ctx context.Context) (*EngineStats, error) {
	bm25Stats, err := e.bm25.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read bm25 stats: %w", err)
	}

	metaStats, err := e.meta.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata stats: %w", err)
	}

	return &EngineStats{
		BM25Stats:   bm25Stats,
		VectorCount: e.getVec().Count(),
		Metadata:    metaStats,
	}, nil
}

func (e *engine) getVec() store.VectorStore {
	e.vecMu.RLock()
	defer e.vecMu.RUnlock()
	return e.vec
}

// VectorStore returns the underlying vector index, for use by the
// background compaction manager.
func (e *engine) VectorStore() store.VectorStore {
	return e.getVec()
}

// SwapVectorStore atomically replaces the vector index, used by the
// background compaction manager to hot-swap in a rebuilt index. The
// previous store is returned so the caller can close it once any in-flight
// readers have drained.
func (e *engine) SwapVectorStore(next store.VectorStore) store.VectorStore {
	e.vecMu.Lock()
	defer e.vecMu.Unlock()
	prev := e.vec
	e.vec = next
	return prev
}

// MetadataStore returns the underlying metadata store, for use by the
// background compaction manager.
func (e *engine) MetadataStore() store.MetadataStore {
	return e.meta
}

// BM25Index returns the underlying lexical index, for use by the
// background consistency checker.
func (e *engine) BM25Index() store.BM25Index {
	return e.bm25
}

func (e *engine) Close() error {
	var firstErr error
	if err := e.bm25.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.getVec().Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.meta.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.reranker.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
