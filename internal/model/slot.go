// Package model implements the model manager: a process-wide registry of
// loaded model handles (embedder, reranker, summarizer, ...) with LRU/FIFO
// eviction under a memory budget and idle-timeout unloading.
package model

import (
	"context"
	"time"

	"github.com/narlysoftware/fastsearchd/internal/config"
)

// Handle is a loaded model instance. Implementations wrap an embedder,
// reranker or other slot-specific collaborator; Close releases whatever
// resources the underlying runtime holds (process handle, file mapping,
// GPU context, ...).
type Handle interface {
	Close() error
}

// Loader loads the named model into a Handle. name is the opaque model
// identifier from SlotConfig.Name (an Ollama tag, a GGUF path, ...).
type Loader func(ctx context.Context, name string) (Handle, error)

// SlotConfig configures one named slot.
type SlotConfig struct {
	Name               string
	KeepLoaded         config.KeepLoaded
	IdleTimeoutSeconds int

	// EstimatedMemoryMB is the static planning figure used by the eviction
	// policy (§4.3 defaults: embedder 450, reranker 90, summarizer 4000).
	// Actual resident memory may differ; get_status reports the measured
	// total separately.
	EstimatedMemoryMB int
}

// DefaultEstimatedMemoryMB returns the spec's default memory estimate for a
// well-known slot name, or 0 if the slot name isn't recognized.
func DefaultEstimatedMemoryMB(slot string) int {
	switch slot {
	case "embedder":
		return 450
	case "reranker":
		return 90
	case "summarizer":
		return 4000
	default:
		return 0
	}
}

// LoadedModel is the in-memory record of a resident slot.
type LoadedModel struct {
	Slot     string
	Handle   Handle
	LoadedAt time.Time
	LastUsed time.Time
	MemoryMB int
}

// IdleSeconds reports how long the slot has been untouched as of now.
func (m *LoadedModel) IdleSeconds(now time.Time) int64 {
	return int64(now.Sub(m.LastUsed).Seconds())
}

// Pinned reports whether cfg keeps its slot loaded unconditionally.
func pinned(cfg SlotConfig) bool {
	return cfg.KeepLoaded == config.KeepLoadedAlways
}
