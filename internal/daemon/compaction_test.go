package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/narlysoftware/fastsearchd/internal/config"
	"github.com/narlysoftware/fastsearchd/internal/search"
	"github.com/narlysoftware/fastsearchd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMetadataStore is a minimal in-memory store.MetadataStore sufficient
// for exercising compaction's rebuild-from-embeddings path.
type fakeMetadataStore struct {
	embeddings map[int64][]float32
}

func newFakeMetadataStore(embeddings map[int64][]float32) *fakeMetadataStore {
	return &fakeMetadataStore{embeddings: embeddings}
}

func (f *fakeMetadataStore) SaveChunks(ctx context.Context, chunks []*store.Chunk) error { return nil }
func (f *fakeMetadataStore) GetChunk(ctx context.Context, id int64) (*store.Chunk, error) {
	return nil, nil
}
func (f *fakeMetadataStore) GetChunks(ctx context.Context, ids []int64) ([]*store.Chunk, error) {
	return nil, nil
}
func (f *fakeMetadataStore) GetChunksBySource(ctx context.Context, source string) ([]*store.Chunk, error) {
	return nil, nil
}
func (f *fakeMetadataStore) DeleteBySource(ctx context.Context, source string) (int, error) {
	return 0, nil
}
func (f *fakeMetadataStore) GetState(ctx context.Context, key string) (string, error) { return "", nil }
func (f *fakeMetadataStore) SetState(ctx context.Context, key, value string) error    { return nil }
func (f *fakeMetadataStore) SaveChunkEmbeddings(ctx context.Context, chunkIDs []int64, embeddings [][]float32, model string) error {
	return nil
}
func (f *fakeMetadataStore) GetAllEmbeddings(ctx context.Context) (map[int64][]float32, error) {
	return f.embeddings, nil
}
func (f *fakeMetadataStore) Stats(ctx context.Context) (*store.Stats, error) { return &store.Stats{}, nil }
func (f *fakeMetadataStore) Close() error                                   { return nil }

// fakeBM25Index is a minimal in-memory store.BM25Index sufficient for
// exercising the consistency checker without a real FTS5 table.
type fakeBM25Index struct {
	ids map[int64]bool
}

func newFakeBM25Index(ids ...int64) *fakeBM25Index {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return &fakeBM25Index{ids: set}
}

func (f *fakeBM25Index) Index(ctx context.Context, docs []*store.Document) error {
	for _, d := range docs {
		f.ids[d.ID] = true
	}
	return nil
}
func (f *fakeBM25Index) Search(ctx context.Context, query string, limit int) ([]*store.BM25Result, error) {
	return nil, nil
}
func (f *fakeBM25Index) Delete(ctx context.Context, docIDs []int64) error {
	for _, id := range docIDs {
		delete(f.ids, id)
	}
	return nil
}
func (f *fakeBM25Index) AllIDs(ctx context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(f.ids))
	for id := range f.ids {
		ids = append(ids, id)
	}
	return ids, nil
}
func (f *fakeBM25Index) Stats(ctx context.Context) (*store.IndexStats, error) {
	return &store.IndexStats{DocumentCount: len(f.ids)}, nil
}
func (f *fakeBM25Index) Close() error { return nil }

// fakeEngine implements search.Engine and vectorSwapper over a real
// HNSWStore, enough to drive compaction's eligibility checks and rebuild
// path without a real search pipeline.
type fakeEngine struct {
	vec  store.VectorStore
	meta store.MetadataStore
	bm25 store.BM25Index
}

func newFakeEngine(t *testing.T, dims int, embeddings map[int64][]float32) *fakeEngine {
	t.Helper()
	vec, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dims))
	require.NoError(t, err)

	ids := make([]int64, 0, len(embeddings))
	if len(embeddings) > 0 {
		vecs := make([][]float32, 0, len(embeddings))
		for id, v := range embeddings {
			ids = append(ids, id)
			vecs = append(vecs, v)
		}
		require.NoError(t, vec.Add(context.Background(), ids, vecs))
	}

	return &fakeEngine{vec: vec, meta: newFakeMetadataStore(embeddings), bm25: newFakeBM25Index(ids...)}
}

func (f *fakeEngine) Search(ctx context.Context, query string, opts search.SearchOptions) (*search.SearchOutcome, error) {
	return &search.SearchOutcome{}, nil
}
func (f *fakeEngine) Index(ctx context.Context, chunks []*store.Chunk) error { return nil }
func (f *fakeEngine) Delete(ctx context.Context, source string) (int, error) { return 0, nil }
func (f *fakeEngine) Stats(ctx context.Context) (*search.EngineStats, error) { return &search.EngineStats{}, nil }
func (f *fakeEngine) VectorStore() store.VectorStore                        { return f.vec }
func (f *fakeEngine) MetadataStore() store.MetadataStore                    { return f.meta }
func (f *fakeEngine) BM25Index() store.BM25Index                            { return f.bm25 }
func (f *fakeEngine) Close() error                                          { return f.vec.Close() }

func (f *fakeEngine) SwapVectorStore(next store.VectorStore) store.VectorStore {
	prev := f.vec
	f.vec = next
	return prev
}

var _ search.Engine = (*fakeEngine)(nil)
var _ vectorSwapper = (*fakeEngine)(nil)

func TestNewCompactionManager(t *testing.T) {
	cfg := config.CompactionConfig{
		Enabled:         true,
		OrphanThreshold: 0.2,
		MinOrphanCount:  100,
		IdleTimeout:     "30s",
		Cooldown:        "1h",
	}

	engine := newFakeEngine(t, 8, nil)
	m := NewCompactionManager(engine, cfg)
	require.NotNil(t, m)
	assert.Equal(t, cfg.Enabled, m.cfg.Enabled)
	assert.Equal(t, cfg.OrphanThreshold, m.cfg.OrphanThreshold)
	assert.Equal(t, cfg.MinOrphanCount, m.cfg.MinOrphanCount)
}

func TestCompactionManager_StartStop(t *testing.T) {
	cfg := config.CompactionConfig{
		Enabled:         true,
		OrphanThreshold: 0.2,
		MinOrphanCount:  100,
		IdleTimeout:     "30s",
		Cooldown:        "1h",
	}

	engine := newFakeEngine(t, 8, nil)
	m := NewCompactionManager(engine, cfg)
	ctx := context.Background()

	m.Start(ctx)
	m.Stop()
	m.Stop() // idempotent
}

func TestCompactionManager_DisabledSkipsOperations(t *testing.T) {
	cfg := config.CompactionConfig{
		Enabled:         false,
		OrphanThreshold: 0.2,
		MinOrphanCount:  100,
		IdleTimeout:     "30s",
		Cooldown:        "1h",
	}

	engine := newFakeEngine(t, 8, nil)
	m := NewCompactionManager(engine, cfg)
	ctx := context.Background()
	m.Start(ctx)
	defer m.Stop()

	m.OnSearchComplete()
	m.InterruptCompaction()
}

func TestCompactionManager_OnSearchComplete_ArmsIdleTimer(t *testing.T) {
	cfg := config.CompactionConfig{
		Enabled:         true,
		OrphanThreshold: 0.2,
		MinOrphanCount:  100,
		IdleTimeout:     "1h", // long enough not to fire during the test
		Cooldown:        "1h",
	}

	engine := newFakeEngine(t, 8, nil)
	m := NewCompactionManager(engine, cfg)
	ctx := context.Background()
	m.Start(ctx)
	defer m.Stop()

	m.OnSearchComplete()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.False(t, m.lastSearch.IsZero(), "lastSearch should be set")
	assert.NotNil(t, m.idleTimer, "idle timer should be armed")
}

func TestCompactionManager_InterruptCompaction_NoOpWhenNotCompacting(t *testing.T) {
	cfg := config.CompactionConfig{
		Enabled:         true,
		OrphanThreshold: 0.2,
		MinOrphanCount:  100,
		IdleTimeout:     "30s",
		Cooldown:        "1h",
	}

	engine := newFakeEngine(t, 8, nil)
	m := NewCompactionManager(engine, cfg)
	ctx := context.Background()
	m.Start(ctx)
	defer m.Stop()

	m.OnSearchComplete()
	m.InterruptCompaction() // not compacting; must not panic
}

func TestCompactionManager_ShouldCompact_ReturnsFalseWhenDisabled(t *testing.T) {
	cfg := config.CompactionConfig{
		Enabled:         false,
		OrphanThreshold: 0.2,
		MinOrphanCount:  100,
		IdleTimeout:     "30s",
		Cooldown:        "1h",
	}

	engine := newFakeEngine(t, 8, nil)
	m := NewCompactionManager(engine, cfg)
	ctx := context.Background()
	m.Start(ctx)
	defer m.Stop()

	assert.False(t, m.shouldCompact())
}

func TestCompactionManager_ShouldCompact_ReturnsFalseWhenCooldownActive(t *testing.T) {
	cfg := config.CompactionConfig{
		Enabled:         true,
		OrphanThreshold: 0.0,
		MinOrphanCount:  0,
		IdleTimeout:     "30s",
		Cooldown:        "1h",
	}

	engine := newFakeEngine(t, 8, nil)
	m := NewCompactionManager(engine, cfg)
	ctx := context.Background()
	m.Start(ctx)
	defer m.Stop()

	m.mu.Lock()
	m.lastCompact = time.Now()
	m.mu.Unlock()

	assert.False(t, m.shouldCompact())
}

func TestCompactionManager_ShouldCompact_ReturnsFalseWhenAlreadyCompacting(t *testing.T) {
	cfg := config.CompactionConfig{
		Enabled:         true,
		OrphanThreshold: 0.0,
		MinOrphanCount:  0,
		IdleTimeout:     "30s",
		Cooldown:        "1h",
	}

	engine := newFakeEngine(t, 8, nil)
	m := NewCompactionManager(engine, cfg)
	ctx := context.Background()
	m.Start(ctx)
	defer m.Stop()

	m.mu.Lock()
	m.compacting = true
	m.mu.Unlock()

	assert.False(t, m.shouldCompact())
}

func TestCompactionManager_ShouldCompact_BelowMinimumOrphanCount(t *testing.T) {
	cfg := config.CompactionConfig{
		Enabled:         true,
		OrphanThreshold: 0.0,
		MinOrphanCount:  1000,
		IdleTimeout:     "30s",
		Cooldown:        "1h",
	}

	embeddings := map[int64][]float32{1: {1, 0, 0, 0}, 2: {0, 1, 0, 0}}
	engine := newFakeEngine(t, 4, embeddings)
	m := NewCompactionManager(engine, cfg)
	ctx := context.Background()
	m.Start(ctx)
	defer m.Stop()

	assert.False(t, m.shouldCompact())
}

func TestCompactionManager_RunCompaction_RebuildsFromEmbeddings(t *testing.T) {
	cfg := config.CompactionConfig{
		Enabled:         true,
		OrphanThreshold: 0.0,
		MinOrphanCount:  0,
		IdleTimeout:     "30s",
		Cooldown:        "1h",
	}

	embeddings := map[int64][]float32{1: {1, 0, 0, 0}, 2: {0, 1, 0, 0}, 3: {0, 0, 1, 0}}
	engine := newFakeEngine(t, 4, embeddings)
	m := NewCompactionManager(engine, cfg)
	ctx := context.Background()
	m.Start(ctx)
	defer m.Stop()

	m.runCompaction(ctx)

	assert.Equal(t, 3, engine.VectorStore().Count(), "rebuilt index should contain every persisted embedding")
	m.mu.Lock()
	lastCompact := m.lastCompact
	m.mu.Unlock()
	assert.False(t, lastCompact.IsZero(), "lastCompact should be recorded after a successful rebuild")
}

func TestCompactionManager_RunConsistencyCheck_RepairsOrphan(t *testing.T) {
	cfg := config.CompactionConfig{
		Enabled:         true,
		OrphanThreshold: 0.2,
		MinOrphanCount:  100,
		IdleTimeout:     "30s",
		Cooldown:        "1h",
	}

	embeddings := map[int64][]float32{1: {1, 0, 0, 0}}
	engine := newFakeEngine(t, 4, embeddings)
	// Orphan: present in the vector store but with no metadata backing.
	require.NoError(t, engine.vec.Add(context.Background(), []int64{99}, [][]float32{{0, 0, 0, 1}}))

	m := NewCompactionManager(engine, cfg)
	ctx := context.Background()
	m.Start(ctx)
	defer m.Stop()

	m.runConsistencyCheck()

	assert.False(t, engine.vec.Contains(99), "orphaned vector entry should be repaired away")
	assert.True(t, engine.vec.Contains(1), "legitimate entry should survive the repair")
}

func TestCompactionManager_RunConsistencyCheck_DisabledSkips(t *testing.T) {
	cfg := config.CompactionConfig{Enabled: false}
	engine := newFakeEngine(t, 4, nil)
	require.NoError(t, engine.vec.Add(context.Background(), []int64{99}, [][]float32{{0, 0, 0, 1}}))

	m := NewCompactionManager(engine, cfg)
	ctx := context.Background()
	m.Start(ctx)
	defer m.Stop()

	m.runConsistencyCheck()

	assert.True(t, engine.vec.Contains(99), "disabled checker must not mutate the store")
}

func TestCompactionConfig_Defaults(t *testing.T) {
	cfg := config.NewConfig()

	assert.True(t, cfg.Compaction.Enabled)
	assert.Equal(t, 0.2, cfg.Compaction.OrphanThreshold)
	assert.Equal(t, 100, cfg.Compaction.MinOrphanCount)
	assert.Equal(t, "30s", cfg.Compaction.IdleTimeout)
	assert.Equal(t, "1h", cfg.Compaction.Cooldown)
}
