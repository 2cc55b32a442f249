package model

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/narlysoftware/fastsearchd/internal/config"
	ferrors "github.com/narlysoftware/fastsearchd/internal/errors"
)

// entry is the value stored in the order list and indexed by the slot map.
type entry struct {
	slot   string
	loaded *LoadedModel
}

// Manager is the process-wide model manager described in spec.md §4.4: an
// ordered slot map (insertion/touch order = least-recently-used first), a
// global load mutex serializing model loads, and per-slot idle-unload
// timers. All mutation of the order list and slot map happens under mu.
type Manager struct {
	mu      sync.Mutex
	loadMu  sync.Mutex
	order   *list.List               // front = LRU, back = MRU
	entries map[string]*list.Element // slot name -> element wrapping *entry

	configs map[string]SlotConfig
	loaders map[string]Loader

	idleTimers map[string]*time.Timer

	maxRAMMB       int
	evictionPolicy config.EvictionPolicy

	shutdownOnce sync.Once
}

// NewManager constructs a model manager from the memory budget and the set
// of configured slots. Register loaders with RegisterLoader before calling
// LoadModel; an unregistered slot fails to load.
func NewManager(memCfg config.MemoryConfig, slots map[string]config.ModelSlotConfig) *Manager {
	configs := make(map[string]SlotConfig, len(slots))
	for name, sc := range slots {
		est := DefaultEstimatedMemoryMB(name)
		configs[name] = SlotConfig{
			Name:               sc.Name,
			KeepLoaded:         sc.KeepLoaded,
			IdleTimeoutSeconds: sc.IdleTimeoutSeconds,
			EstimatedMemoryMB:  est,
		}
	}
	return &Manager{
		order:          list.New(),
		entries:        make(map[string]*list.Element),
		configs:        configs,
		loaders:        make(map[string]Loader),
		idleTimers:     make(map[string]*time.Timer),
		maxRAMMB:       memCfg.MaxRAMMB,
		evictionPolicy: memCfg.EvictionPolicy,
	}
}

// RegisterLoader associates a loader function with a slot name. Must be
// called before LoadModel(slot) is invoked for that slot.
func (m *Manager) RegisterLoader(slot string, loader Loader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaders[slot] = loader
}

// LoadStartupSlots loads every slot configured with keep_loaded=always.
// Failures are logged, not fatal, per spec.md §4.5 lifecycle step 5.
func (m *Manager) LoadStartupSlots(ctx context.Context) {
	m.mu.Lock()
	pinnedSlots := make([]string, 0, len(m.configs))
	for name, cfg := range m.configs {
		if pinned(cfg) {
			pinnedSlots = append(pinnedSlots, name)
		}
	}
	m.mu.Unlock()

	for _, name := range pinnedSlots {
		if _, err := m.LoadModel(ctx, name); err != nil {
			slog.Error("failed to load pinned model slot at startup",
				slog.String("slot", name), slog.String("error", err.Error()))
		}
	}
}

// LoadModel loads the named slot if absent, or touches and returns it if
// already resident. Loading is serialized globally via loadMu so only one
// model loads at a time, bounding peak memory during concurrent requests.
func (m *Manager) LoadModel(ctx context.Context, slot string) (*LoadedModel, error) {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	if lm, ok := m.touch(slot); ok {
		return lm, nil
	}

	m.mu.Lock()
	cfg, ok := m.configs[slot]
	loader, hasLoader := m.loaders[slot]
	m.mu.Unlock()
	if !ok {
		return nil, ferrors.ModelError(fmt.Sprintf("unknown model slot %q", slot), nil)
	}
	if !hasLoader {
		return nil, ferrors.ModelError(fmt.Sprintf("no loader registered for slot %q", slot), nil)
	}

	m.evictForSlot(cfg)

	handle, err := loader(ctx, cfg.Name)
	if err != nil {
		return nil, ferrors.ModelError(fmt.Sprintf("failed to load model for slot %q", slot), err)
	}

	now := time.Now()
	lm := &LoadedModel{
		Slot:     slot,
		Handle:   handle,
		LoadedAt: now,
		LastUsed: now,
		MemoryMB: cfg.EstimatedMemoryMB,
	}

	m.mu.Lock()
	el := m.order.PushBack(&entry{slot: slot, loaded: lm})
	m.entries[slot] = el
	m.mu.Unlock()

	m.armIdleUnload(slot, cfg)

	return lm, nil
}

// touch returns the slot's loaded model and moves it to the MRU end if the
// eviction policy is LRU. Reports ok=false if the slot is not resident.
func (m *Manager) touch(slot string) (*LoadedModel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[slot]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	e.loaded.LastUsed = time.Now()
	if m.evictionPolicy != config.EvictionFIFO {
		m.order.MoveToBack(el)
	}

	if cfg, ok := m.configs[slot]; ok {
		go m.armIdleUnload(slot, cfg)
	}

	return e.loaded, true
}

// evictForSlot evicts non-pinned slots, LRU-first, until the estimated
// resident footprint plus the incoming slot's estimate fits max_ram_mb, or
// no evictable slot remains. Per spec.md §4.4 the budget is advisory: if
// nothing can be evicted, the load proceeds anyway with a logged warning.
func (m *Manager) evictForSlot(incoming SlotConfig) {
	if m.maxRAMMB <= 0 {
		return
	}
	for {
		current := m.estimatedResidentMB()
		if current+incoming.EstimatedMemoryMB <= m.maxRAMMB {
			return
		}

		victim, ok := m.lruVictim()
		if !ok {
			slog.Warn("memory budget exceeded with no evictable slot; proceeding with load",
				slog.Int("max_ram_mb", m.maxRAMMB),
				slog.Int("estimated_mb", current+incoming.EstimatedMemoryMB))
			return
		}
		m.unloadLocked(victim, false)
	}
}

// lruVictim returns the name of the least-recently-used non-pinned slot.
func (m *Manager) lruVictim() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for el := m.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if cfg, ok := m.configs[e.slot]; ok && pinned(cfg) {
			continue
		}
		return e.slot, true
	}
	return "", false
}

func (m *Manager) estimatedResidentMB() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for el := m.order.Front(); el != nil; el = el.Next() {
		total += el.Value.(*entry).loaded.MemoryMB
	}
	return total
}

// UnloadModel removes slot from the registry and closes its handle. Slots
// with keep_loaded=always reject unload: logged and returned as a no-op
// error, per spec.md §4.4.
func (m *Manager) UnloadModel(slot string) error {
	m.mu.Lock()
	if cfg, ok := m.configs[slot]; ok && pinned(cfg) {
		m.mu.Unlock()
		slog.Warn("refusing to unload pinned model slot", slog.String("slot", slot))
		return ferrors.ModelError(fmt.Sprintf("slot %q is pinned (keep_loaded=always) and cannot be unloaded", slot), nil)
	}
	m.mu.Unlock()

	if !m.unloadLocked(slot, true) {
		return ferrors.ModelError(fmt.Sprintf("slot %q is not loaded", slot), nil)
	}
	return nil
}

// unloadLocked removes slot unconditionally (caller has already checked
// pinning where relevant) and stops any pending idle-unload timer.
func (m *Manager) unloadLocked(slot string, warnOnMissing bool) bool {
	m.stopIdleUnload(slot)

	m.mu.Lock()
	el, ok := m.entries[slot]
	if !ok {
		m.mu.Unlock()
		if warnOnMissing {
			slog.Debug("unload requested for slot that is not loaded", slog.String("slot", slot))
		}
		return false
	}
	e := el.Value.(*entry)
	m.order.Remove(el)
	delete(m.entries, slot)
	m.mu.Unlock()

	if err := e.loaded.Handle.Close(); err != nil {
		slog.Warn("error closing model handle on unload",
			slog.String("slot", slot), slog.String("error", err.Error()))
	}
	return true
}

// armIdleUnload schedules a delayed unload for an on-demand slot with a
// positive idle timeout, cancelling and replacing any previously armed
// timer for this slot per spec.md §4.4/§9.
func (m *Manager) armIdleUnload(slot string, cfg SlotConfig) {
	if pinned(cfg) || cfg.IdleTimeoutSeconds <= 0 {
		return
	}

	m.stopIdleUnload(slot)

	timeout := time.Duration(cfg.IdleTimeoutSeconds) * time.Second
	timer := time.AfterFunc(timeout, func() {
		m.onIdleFire(slot, timeout)
	})

	m.mu.Lock()
	m.idleTimers[slot] = timer
	m.mu.Unlock()
}

// onIdleFire re-checks last_used after the sleep before unloading, so a
// touch that happened during the sleep is not raced. This double-check is
// load-bearing: without it a slot used during the sleep would still evict.
func (m *Manager) onIdleFire(slot string, timeout time.Duration) {
	m.mu.Lock()
	el, ok := m.entries[slot]
	if !ok {
		m.mu.Unlock()
		return
	}
	e := el.Value.(*entry)
	idle := time.Since(e.loaded.LastUsed)
	cfg, hasCfg := m.configs[slot]
	m.mu.Unlock()

	if !hasCfg || pinned(cfg) {
		return
	}
	if idle < timeout {
		return
	}

	m.unloadLocked(slot, false)
}

func (m *Manager) stopIdleUnload(slot string) {
	m.mu.Lock()
	timer, ok := m.idleTimers[slot]
	if ok {
		delete(m.idleTimers, slot)
	}
	m.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

// Status is the get_status snapshot.
type Status struct {
	LoadedModels  map[string]LoadedModelStatus
	TotalMemoryMB int
	MaxMemoryMB   int
}

// LoadedModelStatus is one slot's entry within Status.
type LoadedModelStatus struct {
	LoadedAt    time.Time
	LastUsed    time.Time
	MemoryMB    int
	IdleSeconds int64
}

// GetStatus returns a snapshot of every loaded slot plus the measured (not
// estimated) resident memory of the process, per spec.md §4.4.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	loaded := make(map[string]LoadedModelStatus, len(m.entries))
	for slot, el := range m.entries {
		e := el.Value.(*entry)
		loaded[slot] = LoadedModelStatus{
			LoadedAt:    e.loaded.LoadedAt,
			LastUsed:    e.loaded.LastUsed,
			MemoryMB:    e.loaded.MemoryMB,
			IdleSeconds: e.loaded.IdleSeconds(now),
		}
	}

	return Status{
		LoadedModels:  loaded,
		TotalMemoryMB: measuredResidentMB(),
		MaxMemoryMB:   m.maxRAMMB,
	}
}

// measuredResidentMB approximates the process's resident memory from the Go
// runtime's own bookkeeping. This is a process-wide figure, not a precise
// OS-level RSS reading, but tracks actual usage rather than static
// per-slot estimates.
func measuredResidentMB() int {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return int(stats.Sys / (1024 * 1024))
}

// Shutdown cancels every pending idle-unload task, then forcibly drops
// every slot including pinned ones, per spec.md §4.4.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		for slot, timer := range m.idleTimers {
			timer.Stop()
			delete(m.idleTimers, slot)
		}
		slots := make([]string, 0, len(m.entries))
		for slot := range m.entries {
			slots = append(slots, slot)
		}
		m.mu.Unlock()

		for _, slot := range slots {
			m.mu.Lock()
			el, ok := m.entries[slot]
			if !ok {
				m.mu.Unlock()
				continue
			}
			e := el.Value.(*entry)
			m.order.Remove(el)
			delete(m.entries, slot)
			m.mu.Unlock()

			if err := e.loaded.Handle.Close(); err != nil {
				slog.Warn("error closing model handle on shutdown",
					slog.String("slot", slot), slog.String("error", err.Error()))
			}
		}
	})
}
