// Package search implements the hybrid retrieval pipeline: BM25 full-text
// search, vector nearest-neighbor search, reciprocal rank fusion of the two,
// and optional cross-encoder reranking of the fused candidates.
package search

import (
	"context"
	"time"

	"github.com/narlysoftware/fastsearchd/internal/store"
)

// Engine executes the four retrieval modes defined by the search_bm25,
// search_vector, search_hybrid and search_hybrid_reranked operations, plus
// index maintenance (Index/Delete) and aggregate Stats.
type Engine interface {
	// Search executes a query in one of "bm25", "vector" or "hybrid" mode,
	// optionally reranking the fused candidates with a cross-encoder.
	Search(ctx context.Context, query string, opts SearchOptions) (*SearchOutcome, error)

	// Index embeds and persists chunks into both the lexical and vector
	// structures, assigning ids.
	Index(ctx context.Context, chunks []*store.Chunk) error

	// Delete removes every chunk for a source from both structures.
	Delete(ctx context.Context, source string) (int, error)

	Stats(ctx context.Context) (*EngineStats, error)

	// VectorStore and MetadataStore expose the underlying storage-layer
	// collaborators for the background compaction manager, which rebuilds
	// the vector index in place and needs lower-level access than the
	// Engine's own operations provide.
	VectorStore() store.VectorStore
	MetadataStore() store.MetadataStore

	// BM25Index exposes the lexical index for the same reason: the
	// background consistency checker cross-references it against the
	// vector store and metadata store without going through Search.
	BM25Index() store.BM25Index

	Close() error
}

// SearchMode selects which retrieval path a query takes.
type SearchMode string

const (
	ModeHybrid SearchMode = "hybrid"
	ModeBM25   SearchMode = "bm25"
	ModeVector SearchMode = "vector"
)

// SearchOptions configures a single search call.
type SearchOptions struct {
	Limit int

	Mode SearchMode

	// Rerank requests cross-encoder reranking of the fused hybrid candidates.
	// Ignored (treated as false) when Mode != ModeHybrid.
	Rerank bool

	// Weights overrides the default w_bm25/w_vec RRF weights.
	Weights Weights

	// K is the RRF smoothing constant (default 60).
	K int

	// RerankTopK bounds how many RRF candidates are sent to the reranker.
	// Defaults to min(3*Limit, 30) when zero.
	RerankTopK int
}

// Weights are the w_bm25/w_vec multipliers in the RRF formula. Both default
// to 1.0, matching spec.md's search_hybrid default parameters.
type Weights struct {
	BM25 float64
	Vec  float64
}

// DefaultWeights returns the unweighted (1.0/1.0) RRF defaults.
func DefaultWeights() Weights {
	return Weights{BM25: 1.0, Vec: 1.0}
}

// SearchOutcome is the result envelope for a single search call, mirroring
// the RPC "search" method's result shape.
type SearchOutcome struct {
	Query        string
	Mode         SearchMode
	Reranked     bool
	SearchTimeMs float64
	Results      []*ResultChunk
}

// ResultChunk is one ranked hit. Score fields are populated according to
// which path produced the result: Score for BM25, Distance for vector,
// RRFScore/BM25Rank/VecRank for hybrid, RerankScore for reranked hybrid.
type ResultChunk struct {
	Chunk *store.Chunk

	Rank int

	Score    float64 // BM25 raw score, lower is better (bm25 mode only)
	Distance float64 // cosine distance, lower is better (vector mode only)

	RRFScore *float64 // nil unless Mode == hybrid
	BM25Rank *int     // nil if absent from the BM25 candidate list
	VecRank  *int     // nil if absent from the vector candidate list

	RerankScore *float64 // nil unless reranked
}

// EngineStats reports aggregate statistics across both index structures.
type EngineStats struct {
	BM25Stats   *store.IndexStats
	VectorCount int
	Metadata    *store.Stats
}

// EngineConfig configures default search engine behavior.
type EngineConfig struct {
	DefaultLimit int
	MaxLimit     int

	DefaultWeights Weights
	RRFConstant    int

	SearchTimeout time.Duration
}

// DefaultEngineConfig returns engine defaults per spec.md's search_hybrid
// parameter defaults (limit=10, k=60, w_bm25=w_vec=1.0).
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultLimit:   10,
		MaxLimit:       100,
		DefaultWeights: DefaultWeights(),
		RRFConstant:    60,
		SearchTimeout:  5 * time.Second,
	}
}
