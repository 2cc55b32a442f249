package daemon

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 method names recognized by the dispatcher.
const (
	MethodPing         = "ping"
	MethodStatus       = "status"
	MethodSearch       = "search"
	MethodEmbed        = "embed"
	MethodRerank       = "rerank"
	MethodLoadModel    = "load_model"
	MethodUnloadModel  = "unload_model"
	MethodReloadConfig = "reload_config"
	MethodShutdown     = "shutdown"
)

// Wire-level JSON-RPC 2.0 error codes. Only these three cross the socket;
// internal error kinds (see internal/errors) collapse to one of them.
const (
	ErrCodeParseError     = -32700
	ErrCodeMethodNotFound = -32601
	ErrCodeServerError    = -32000
)

// Request represents a JSON-RPC 2.0 request frame. ID is carried as raw JSON
// rather than decoded into a Go type: a conforming id may be a string, a
// number, or null, and it's never interpreted server-side, only echoed back
// verbatim in the matching Response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  any             `json:"params,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Response represents a JSON-RPC 2.0 response frame. ID echoes the
// request's raw id verbatim; see Request.ID.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewSuccessResponse builds a response carrying a result.
func NewSuccessResponse(id json.RawMessage, result any) Response {
	return Response{JSONRPC: "2.0", Result: result, ID: id}
}

// NewErrorResponse builds a response carrying an error.
func NewErrorResponse(id json.RawMessage, code int, message string) Response {
	return Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	}
}

// nullID is the id echoed back when a request couldn't be parsed far enough
// to recover its original id, per JSON-RPC 2.0 (an error response's id is
// null when the request id is unknown).
var nullID = json.RawMessage("null")

// Chunk is a single retrieval result row. Score carries the path-specific
// figure of merit: score for BM25, distance for vector, rrf_score for
// hybrid, rerank_score for reranked hybrid.
type Chunk struct {
	ID         int64          `json:"id"`
	Source     string         `json:"source"`
	ChunkIndex int            `json:"chunk_index"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Rank       int            `json:"rank"`

	Score       *float64 `json:"score,omitempty"`
	Distance    *float64 `json:"distance,omitempty"`
	RRFScore    *float64 `json:"rrf_score,omitempty"`
	BM25Rank    *int     `json:"bm25_rank,omitempty"`
	VecRank     *int     `json:"vec_rank,omitempty"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// PingResult is the result of a ping request.
type PingResult struct {
	Pong      bool    `json:"pong"`
	Timestamp float64 `json:"timestamp"`
}

// LoadedModelStatus describes one resident model slot.
type LoadedModelStatus struct {
	LoadedAt    string `json:"loaded_at"`
	LastUsed    string `json:"last_used"`
	MemoryMB    int    `json:"memory_mb"`
	IdleSeconds int64  `json:"idle_seconds"`
}

// StatusResult is the result of a status request.
type StatusResult struct {
	UptimeSeconds float64                      `json:"uptime_seconds"`
	RequestCount  int64                        `json:"request_count"`
	SocketPath    string                       `json:"socket_path"`
	LoadedModels  map[string]LoadedModelStatus `json:"loaded_models"`
	TotalMemoryMB int                          `json:"total_memory_mb"`
	MaxMemoryMB   int                          `json:"max_memory_mb"`
}

// SearchMode selects which retrieval path a search request uses.
type SearchMode string

const (
	SearchModeHybrid SearchMode = "hybrid"
	SearchModeBM25   SearchMode = "bm25"
	SearchModeVector SearchMode = "vector"
)

// SearchParams are the parameters for the search method.
type SearchParams struct {
	Query   string     `json:"query"`
	DBPath  string     `json:"db_path,omitempty"`
	Limit   int        `json:"limit,omitempty"`
	Mode    SearchMode `json:"mode,omitempty"`
	Rerank  bool       `json:"rerank,omitempty"`
}

// Validate checks required fields and applies defaults in place.
func (p *SearchParams) Validate() error {
	if p.Query == "" {
		return fmt.Errorf("query is required")
	}
	if p.Limit == 0 {
		p.Limit = 10
	}
	if p.Limit < 0 {
		return fmt.Errorf("limit must be positive")
	}
	if p.Mode == "" {
		p.Mode = SearchModeHybrid
	}
	switch p.Mode {
	case SearchModeHybrid, SearchModeBM25, SearchModeVector:
	default:
		return fmt.Errorf("mode must be hybrid, bm25, or vector, got %s", p.Mode)
	}
	return nil
}

// SearchResult is the result of a search method call.
type SearchResult struct {
	Query        string  `json:"query"`
	Mode         string  `json:"mode"`
	Reranked     bool    `json:"reranked"`
	SearchTimeMs float64 `json:"search_time_ms"`
	Results      []Chunk `json:"results"`
}

// EmbedParams are the parameters for the embed method.
type EmbedParams struct {
	Texts []string `json:"texts"`
}

func (p *EmbedParams) Validate() error {
	if len(p.Texts) == 0 {
		return fmt.Errorf("texts is required and must be non-empty")
	}
	return nil
}

// EmbedResult is the result of an embed method call.
type EmbedResult struct {
	Embeddings [][]float32 `json:"embeddings"`
	Count      int         `json:"count"`
	EmbedTimeMs float64    `json:"embed_time_ms"`
}

// RerankParams are the parameters for the rerank method.
type RerankParams struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

func (p *RerankParams) Validate() error {
	if p.Query == "" {
		return fmt.Errorf("query is required")
	}
	if len(p.Documents) == 0 {
		return fmt.Errorf("documents is required and must be non-empty")
	}
	return nil
}

// RankedDocument pairs a document's original index with its reranker score.
type RankedDocument struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
}

// RerankResult is the result of a rerank method call.
type RerankResult struct {
	Scores       []float32        `json:"scores"`
	Ranked       []RankedDocument  `json:"ranked"`
	RerankTimeMs float64           `json:"rerank_time_ms"`
}

// ModelSlotParams are the parameters for load_model and unload_model.
type ModelSlotParams struct {
	Slot string `json:"slot"`
}

func (p *ModelSlotParams) Validate() error {
	if p.Slot == "" {
		return fmt.Errorf("slot is required")
	}
	return nil
}

// LoadModelResult is the result of a load_model method call.
type LoadModelResult struct {
	Slot     string `json:"slot"`
	Loaded   bool   `json:"loaded"`
	MemoryMB int    `json:"memory_mb"`
}

// UnloadModelResult is the result of an unload_model method call.
type UnloadModelResult struct {
	Slot     string `json:"slot"`
	Unloaded bool   `json:"unloaded"`
}

// ReloadConfigParams are the parameters for the reload_config method.
type ReloadConfigParams struct {
	ConfigPath string `json:"config_path,omitempty"`
}

// ReloadConfigResult is the result of a reload_config method call.
type ReloadConfigResult struct {
	Reloaded   bool   `json:"reloaded"`
	SocketPath string `json:"socket_path"`
}

// ShutdownResult is the result of a shutdown method call.
type ShutdownResult struct {
	Shutdown bool `json:"shutdown"`
}
