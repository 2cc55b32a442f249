package store

import (
	"context"
	"log/slog"
	"time"
)

// InconsistencyType categorizes a detected cross-structure drift between the
// metadata store (source of truth) and the lexical or vector index.
type InconsistencyType int

const (
	// InconsistencyOrphanBM25 is a lexical entry with no matching metadata row.
	InconsistencyOrphanBM25 InconsistencyType = iota
	// InconsistencyOrphanVector is a vector entry with no matching metadata row.
	InconsistencyOrphanVector
	// InconsistencyMissingBM25 is a metadata row absent from the lexical index.
	InconsistencyMissingBM25
	// InconsistencyMissingVector is a metadata row absent from the vector index.
	InconsistencyMissingVector
)

func (t InconsistencyType) String() string {
	switch t {
	case InconsistencyOrphanBM25:
		return "orphan_bm25"
	case InconsistencyOrphanVector:
		return "orphan_vector"
	case InconsistencyMissingBM25:
		return "missing_bm25"
	case InconsistencyMissingVector:
		return "missing_vector"
	default:
		return "unknown"
	}
}

// Inconsistency is one detected drift between the metadata store and a
// lexical or vector index entry.
type Inconsistency struct {
	Type    InconsistencyType
	ChunkID int64
}

// ConsistencyReport is the outcome of a single Check pass.
type ConsistencyReport struct {
	Checked         int
	Inconsistencies []Inconsistency
	Duration        time.Duration
}

// ConsistencyChecker validates the invariant that every id present in the
// chunk table has exactly one corresponding entry in each of the lexical
// and vector indices, and vice versa. Drift is expected to be rare — the
// insert-after/delete-before transaction discipline in the indexing path
// keeps the structures in lockstep — but a crash between the metadata
// commit and the vector-store write (which happens outside that
// transaction, see engine.Index) can still leave an orphan or a gap behind.
type ConsistencyChecker struct {
	meta MetadataStore
	bm25 BM25Index
	vec  VectorStore
}

// NewConsistencyChecker builds a checker over the three collaborating
// storage structures of a single index.
func NewConsistencyChecker(meta MetadataStore, bm25 BM25Index, vec VectorStore) *ConsistencyChecker {
	return &ConsistencyChecker{meta: meta, bm25: bm25, vec: vec}
}

// Check scans all three structures and reports every orphan or gap found.
// O(n) in the number of chunks plus index entries.
func (c *ConsistencyChecker) Check(ctx context.Context) (*ConsistencyReport, error) {
	start := time.Now()

	embeddings, err := c.meta.GetAllEmbeddings(ctx)
	if err != nil {
		return nil, err
	}
	metaIDs := make(map[int64]bool, len(embeddings))
	for id := range embeddings {
		metaIDs[id] = true
	}

	bm25IDs, err := c.bm25.AllIDs(ctx)
	if err != nil {
		return nil, err
	}
	bm25Set := make(map[int64]bool, len(bm25IDs))
	for _, id := range bm25IDs {
		bm25Set[id] = true
	}

	vecIDs := c.vec.AllIDs()
	vecSet := make(map[int64]bool, len(vecIDs))
	for _, id := range vecIDs {
		vecSet[id] = true
	}

	var issues []Inconsistency
	for _, id := range bm25IDs {
		if !metaIDs[id] {
			issues = append(issues, Inconsistency{Type: InconsistencyOrphanBM25, ChunkID: id})
		}
	}
	for _, id := range vecIDs {
		if !metaIDs[id] {
			issues = append(issues, Inconsistency{Type: InconsistencyOrphanVector, ChunkID: id})
		}
	}
	for id := range metaIDs {
		if !bm25Set[id] {
			issues = append(issues, Inconsistency{Type: InconsistencyMissingBM25, ChunkID: id})
		}
		if !vecSet[id] {
			issues = append(issues, Inconsistency{Type: InconsistencyMissingVector, ChunkID: id})
		}
	}

	return &ConsistencyReport{
		Checked:         len(metaIDs),
		Inconsistencies: issues,
		Duration:        time.Since(start),
	}, nil
}

// Repair resolves what it safely can: orphans (present in an index but not
// in metadata) are deleted from that index. Missing entries can only be
// fixed by re-indexing the source, so they are logged and left alone.
func (c *ConsistencyChecker) Repair(ctx context.Context, issues []Inconsistency) error {
	var orphanBM25, orphanVector []int64
	var missing int

	for _, issue := range issues {
		switch issue.Type {
		case InconsistencyOrphanBM25:
			orphanBM25 = append(orphanBM25, issue.ChunkID)
		case InconsistencyOrphanVector:
			orphanVector = append(orphanVector, issue.ChunkID)
		case InconsistencyMissingBM25, InconsistencyMissingVector:
			missing++
		}
	}

	if len(orphanBM25) > 0 {
		if err := c.bm25.Delete(ctx, orphanBM25); err != nil {
			slog.Warn("consistency repair: failed to delete orphan bm25 entries",
				slog.Int("count", len(orphanBM25)), slog.String("error", err.Error()))
		} else {
			slog.Info("consistency repair: deleted orphan bm25 entries", slog.Int("count", len(orphanBM25)))
		}
	}

	if len(orphanVector) > 0 {
		if err := c.vec.Delete(ctx, orphanVector); err != nil {
			slog.Warn("consistency repair: failed to delete orphan vector entries",
				slog.Int("count", len(orphanVector)), slog.String("error", err.Error()))
		} else {
			slog.Info("consistency repair: deleted orphan vector entries", slog.Int("count", len(orphanVector)))
		}
	}

	if missing > 0 {
		slog.Warn("consistency check found chunks missing from an index; re-index the affected sources to fix",
			slog.Int("missing_count", missing))
	}

	return nil
}
