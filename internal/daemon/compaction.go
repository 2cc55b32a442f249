package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/narlysoftware/fastsearchd/internal/config"
	"github.com/narlysoftware/fastsearchd/internal/search"
	"github.com/narlysoftware/fastsearchd/internal/store"
)

// vectorSwapper is implemented by search engines that support hot-swapping
// their vector index, a capability compaction needs but the narrower
// search.Engine interface does not expose.
type vectorSwapper interface {
	SwapVectorStore(next store.VectorStore) store.VectorStore
}

// orphanStats is implemented by vector stores that can report lazy-deletion
// bookkeeping (only *store.HNSWStore today).
type orphanStats interface {
	Stats() store.HNSWStats
}

// CompactionManager runs background HNSW compaction for the single index
// store a daemon owns. Compaction rebuilds the vector index from scratch
// using embeddings already persisted in the metadata store (no
// re-embedding), triggered when the store goes idle, has accumulated
// enough orphaned (lazily-deleted) vectors, and isn't in cooldown from a
// previous compaction. A search request cancels an in-progress compaction.
type CompactionManager struct {
	cfg    config.CompactionConfig
	engine search.Engine

	mu          sync.Mutex
	lastSearch  time.Time
	lastCompact time.Time
	idleTimer   *time.Timer
	compacting  bool
	cancelFunc  context.CancelFunc

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewCompactionManager constructs a compaction manager over engine's
// storage layer.
func NewCompactionManager(engine search.Engine, cfg config.CompactionConfig) *CompactionManager {
	return &CompactionManager{cfg: cfg, engine: engine}
}

// Start arms the manager's lifecycle context. Call once at daemon startup.
func (m *CompactionManager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	if !m.cfg.Enabled {
		return
	}
	slog.Debug("compaction manager started",
		slog.Float64("orphan_threshold", m.cfg.OrphanThreshold),
		slog.Int("min_orphan_count", m.cfg.MinOrphanCount))
	m.OnSearchComplete()
}

// Stop cancels any pending idle timer and in-progress compaction, then
// waits for the compaction goroutine (if any) to finish.
func (m *CompactionManager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}

		m.mu.Lock()
		if m.idleTimer != nil {
			m.idleTimer.Stop()
		}
		if m.cancelFunc != nil {
			m.cancelFunc()
		}
		m.mu.Unlock()

		m.wg.Wait()
	})
}

// OnSearchComplete resets the idle timer; called after every search
// request. InterruptCompaction should be called first if compaction may be
// running against the store a search is about to read.
func (m *CompactionManager) OnSearchComplete() {
	if !m.cfg.Enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSearch = time.Now()
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}

	idleTimeout, err := time.ParseDuration(m.cfg.IdleTimeout)
	if err != nil {
		idleTimeout = 30 * time.Second
	}
	m.idleTimer = time.AfterFunc(idleTimeout, m.onIdle)
}

// InterruptCompaction cancels an in-progress compaction so an incoming
// search is never blocked behind it.
func (m *CompactionManager) InterruptCompaction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.compacting && m.cancelFunc != nil {
		slog.Debug("interrupting compaction for search")
		m.cancelFunc()
	}
}

func (m *CompactionManager) onIdle() {
	m.runConsistencyCheck()
	if m.shouldCompact() {
		m.startCompaction()
	}
}

// runConsistencyCheck enforces the invariant that every chunk has exactly
// one lexical and one vector entry (spec.md §8 property 1). It runs on the
// same idle cadence as compaction eligibility, self-healing any orphan left
// behind by a crash between the metadata commit and the vector-store write
// in engine.Index (the two are not covered by a single transaction).
func (m *CompactionManager) runConsistencyCheck() {
	if !m.cfg.Enabled {
		return
	}

	checker := store.NewConsistencyChecker(m.engine.MetadataStore(), m.engine.BM25Index(), m.engine.VectorStore())

	report, err := checker.Check(m.ctx)
	if err != nil {
		slog.Warn("consistency check failed", slog.String("error", err.Error()))
		return
	}
	if len(report.Inconsistencies) == 0 {
		slog.Debug("consistency check passed", slog.Int("checked", report.Checked))
		return
	}

	slog.Warn("consistency check found drift",
		slog.Int("checked", report.Checked), slog.Int("issues", len(report.Inconsistencies)))
	if err := checker.Repair(m.ctx, report.Inconsistencies); err != nil {
		slog.Warn("consistency repair failed", slog.String("error", err.Error()))
	}
}

func (m *CompactionManager) shouldCompact() bool {
	if !m.cfg.Enabled {
		return false
	}
	select {
	case <-m.ctx.Done():
		return false
	default:
	}

	m.mu.Lock()
	if m.compacting {
		m.mu.Unlock()
		return false
	}
	cooldown, err := time.ParseDuration(m.cfg.Cooldown)
	if err != nil {
		cooldown = time.Hour
	}
	sinceLast := time.Since(m.lastCompact)
	m.mu.Unlock()
	if sinceLast < cooldown {
		slog.Debug("compaction skipped: cooldown active", slog.Duration("remaining", cooldown-sinceLast))
		return false
	}

	swapper, ok := m.engine.(vectorSwapper)
	if !ok {
		return false
	}
	vec, ok := m.engine.VectorStore().(orphanStats)
	if !ok {
		return false
	}
	_ = swapper

	stats := vec.Stats()
	if stats.Orphans < m.cfg.MinOrphanCount {
		slog.Debug("compaction skipped: below minimum orphan count",
			slog.Int("orphans", stats.Orphans), slog.Int("min_required", m.cfg.MinOrphanCount))
		return false
	}
	ratio := 0.0
	if stats.GraphNodes > 0 {
		ratio = float64(stats.Orphans) / float64(stats.GraphNodes)
	}
	if ratio < m.cfg.OrphanThreshold {
		slog.Debug("compaction skipped: below threshold",
			slog.Float64("ratio", ratio), slog.Float64("threshold", m.cfg.OrphanThreshold))
		return false
	}

	slog.Info("compaction eligible", slog.Int("orphans", stats.Orphans), slog.Int("total", stats.GraphNodes))
	return true
}

func (m *CompactionManager) startCompaction() {
	m.mu.Lock()
	if m.compacting {
		m.mu.Unlock()
		return
	}
	m.compacting = true
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelFunc = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			m.compacting = false
			m.cancelFunc = nil
			m.mu.Unlock()
		}()
		m.runCompaction(ctx)
	}()
}

const compactionBatchSize = 1000

// runCompaction rebuilds the vector index from the metadata store's
// persisted embeddings (zero re-embedding cost) and hot-swaps it in.
func (m *CompactionManager) runCompaction(ctx context.Context) {
	start := time.Now()
	slog.Info("background compaction starting")

	swapper, ok := m.engine.(vectorSwapper)
	if !ok {
		slog.Warn("compaction failed: engine does not support vector store swapping")
		return
	}

	embeddings, err := m.engine.MetadataStore().GetAllEmbeddings(ctx)
	if err != nil {
		slog.Warn("compaction failed: could not load embeddings", slog.String("error", err.Error()))
		return
	}
	if len(embeddings) == 0 {
		slog.Debug("compaction skipped: no embeddings")
		return
	}

	select {
	case <-ctx.Done():
		slog.Debug("compaction interrupted before rebuild")
		return
	default:
	}

	var dims int
	for _, emb := range embeddings {
		dims = len(emb)
		break
	}

	cfg := store.DefaultVectorStoreConfig(dims)
	newVector, err := store.NewHNSWStore(cfg)
	if err != nil {
		slog.Warn("compaction failed: could not create vector store", slog.String("error", err.Error()))
		return
	}

	ids := make([]int64, 0, compactionBatchSize)
	vecs := make([][]float32, 0, compactionBatchSize)
	for id, vec := range embeddings {
		ids = append(ids, id)
		vecs = append(vecs, vec)

		if len(ids) >= compactionBatchSize {
			select {
			case <-ctx.Done():
				slog.Debug("compaction interrupted during rebuild")
				_ = newVector.Close()
				return
			default:
			}
			if err := newVector.Add(ctx, ids, vecs); err != nil {
				slog.Warn("compaction failed: batch add error", slog.String("error", err.Error()))
				_ = newVector.Close()
				return
			}
			ids = ids[:0]
			vecs = vecs[:0]
		}
	}
	if len(ids) > 0 {
		if err := newVector.Add(ctx, ids, vecs); err != nil {
			slog.Warn("compaction failed: final batch add error", slog.String("error", err.Error()))
			_ = newVector.Close()
			return
		}
	}

	select {
	case <-ctx.Done():
		slog.Debug("compaction interrupted before save")
		_ = newVector.Close()
		return
	default:
	}

	oldVector := swapper.SwapVectorStore(newVector)
	_ = oldVector.Close()

	m.mu.Lock()
	m.lastCompact = time.Now()
	m.mu.Unlock()

	slog.Info("background compaction complete",
		slog.Int("vectors", newVector.Count()),
		slog.Duration("duration", time.Since(start)))
}
