// Package store provides the persistence layer for fastsearchd: SQLite-backed
// metadata and full-text (FTS5) storage plus an HNSW vector index.
package store

import (
	"context"
	"fmt"
	"time"
)

// Chunk is the unit of content indexed and retrieved by the search engine.
// It corresponds directly to a row in the docs table.
type Chunk struct {
	ID         int64             // Row ID, assigned by SQLite on insert
	Source     string            // Logical origin of the chunk (file path, URL, document name, ...)
	ChunkIndex int               // Position of this chunk within its source, 0-indexed
	Content    string            // Full text content, fed to both FTS5 and the embedder
	Metadata   map[string]string // Opaque caller-supplied metadata, stored as JSON
	CreatedAt  time.Time
}

// State keys for the key-value state table.
const (
	// StateKeyIndexDimension stores the embedding dimension used for the index.
	StateKeyIndexDimension = "index_embedding_dimension"
	// StateKeyIndexModel stores the embedding model name used for the index.
	StateKeyIndexModel = "index_embedding_model"
)

// CurrentSchemaVersion is the current database schema version.
const CurrentSchemaVersion = 1

// MetadataStore persists chunk rows and index-level state in SQLite.
// It owns the docs table; SQLiteBM25Index and HNSWStore are kept in sync
// with it by the caller (internal/search's indexing path), not by triggers.
type MetadataStore interface {
	// SaveChunks inserts chunks, assigning IDs.
	SaveChunks(ctx context.Context, chunks []*Chunk) error

	GetChunk(ctx context.Context, id int64) (*Chunk, error)
	GetChunks(ctx context.Context, ids []int64) ([]*Chunk, error)

	// GetChunksBySource returns every chunk indexed under the given source.
	GetChunksBySource(ctx context.Context, source string) ([]*Chunk, error)

	// DeleteBySource removes every chunk for a source and returns the count deleted.
	DeleteBySource(ctx context.Context, source string) (int, error)

	// State is a small key-value store for runtime bookkeeping (index dimension,
	// embedder model identity, schema version).
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	// Embedding access feeds HNSW index rebuilds (compaction).
	SaveChunkEmbeddings(ctx context.Context, chunkIDs []int64, embeddings [][]float32, model string) error
	GetAllEmbeddings(ctx context.Context) (map[int64][]float32, error)

	// Stats reports aggregate index statistics for the get_stats operation.
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// Stats mirrors the get_stats operation's result shape.
type Stats struct {
	TotalChunks int
	TotalSources int
	TopSources   []SourceCount
	DBSizeBytes  int64
}

// SourceCount is one entry of the top_sources list in Stats.
type SourceCount struct {
	Source string
	Count  int
}

// BM25Config configures the BM25 index.
type BM25Config struct {
	// StopWords is a list of words filtered out during tokenization.
	StopWords []string

	// MinTokenLength is the minimum token length to index.
	MinTokenLength int
}

// DefaultBM25Config returns default BM25 configuration.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		StopWords:      DefaultStopWords,
		MinTokenLength: 2,
	}
}

// DefaultStopWords contains common low-signal words filtered at index time.
var DefaultStopWords = []string{
	"the", "a", "an", "and", "or", "but", "is", "are", "was", "were",
	"var", "let", "const", "func", "function", "def", "class",
	"return", "if", "else", "for", "while",
	"data", "result", "value", "item", "key", "err", "ctx", "tmp",
}

// Document represents a unit of text fed to the BM25 index.
type Document struct {
	ID      int64
	Content string
}

// BM25Result is a single BM25 search hit, rank-ordered ascending by Score
// (lower score is a better match, matching FTS5's native bm25() convention).
type BM25Result struct {
	DocID        int64
	Score        float64
	MatchedTerms []string
}

// IndexStats provides statistics about the BM25 index.
type IndexStats struct {
	DocumentCount int
	TermCount     int
	AvgDocLength  float64
}

// BM25Index provides keyword search using SQLite FTS5's BM25 ranking.
type BM25Index interface {
	Index(ctx context.Context, docs []*Document) error
	Search(ctx context.Context, query string, limit int) ([]*BM25Result, error)
	Delete(ctx context.Context, docIDs []int64) error
	AllIDs(ctx context.Context) ([]int64, error)
	Stats(ctx context.Context) (*IndexStats, error)
	Close() error
}

// VectorResult represents a single vector search result.
type VectorResult struct {
	ID       int64
	Distance float32 // Lower is more similar (0-2 for cosine)
	Score    float32 // Normalized similarity (0-1)
}

// VectorStoreConfig configures the vector store.
type VectorStoreConfig struct {
	// Dimensions is the vector dimension (768 for bge-base-en-v1.5, 384 for MiniLM).
	Dimensions int

	// Metric is the distance metric: "cos" (cosine), "l2" (euclidean) (default: "cos")
	Metric string

	// M is HNSW max connections per layer (default: 32)
	M int

	// EfConstruction is HNSW build-time search width (default: 128).
	// NewHNSWStore does not read it; only M and EfSearch are applied to the graph.
	EfConstruction int

	// EfSearch is HNSW query-time search width (default: 64)
	EfSearch int
}

// DefaultVectorStoreConfig returns sensible defaults for the vector store.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions:     dimensions,
		Metric:         "cos",
		M:              32,
		EfConstruction: 128,
		EfSearch:       64,
	}
}

// VectorStore provides semantic search using the HNSW algorithm.
type VectorStore interface {
	Add(ctx context.Context, ids []int64, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)
	Delete(ctx context.Context, ids []int64) error
	AllIDs() []int64
	Contains(id int64) bool
	Count() int

	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch indicates the query or document vector's dimension
// does not match the dimension the index was built with.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (rebuild the index with a matching embedder)", e.Expected, e.Got)
}
