package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/narlysoftware/fastsearchd/internal/search"
)

// dispatcher routes one decoded JSON-RPC request to the daemon's collaborators
// and builds the response. A fresh dispatcher is created per connection; it
// holds no state of its own beyond the daemon reference.
type dispatcher struct {
	daemon *Daemon
}

// dispatchFrame decodes, validates and executes a single request frame,
// recovering from any panic in the handler per spec.md §7's propagation
// policy: a handler exception never kills the connection or the process.
func (d *dispatcher) dispatchFrame(ctx context.Context, payload []byte) (resp Response) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return NewErrorResponse(nullID, ErrCodeParseError, fmt.Sprintf("invalid JSON: %s", err.Error()))
	}

	defer recoverToServerError(req.ID, &resp)

	return d.dispatch(ctx, req)
}

func (d *dispatcher) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case MethodPing:
		return d.handlePing(req)
	case MethodStatus:
		return d.handleStatus(req)
	case MethodSearch:
		return d.handleSearch(ctx, req)
	case MethodEmbed:
		return d.handleEmbed(ctx, req)
	case MethodRerank:
		return d.handleRerank(ctx, req)
	case MethodLoadModel:
		return d.handleLoadModel(ctx, req)
	case MethodUnloadModel:
		return d.handleUnloadModel(req)
	case MethodReloadConfig:
		return d.handleReloadConfig(req)
	case MethodShutdown:
		return d.handleShutdown(req)
	default:
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

// decodeParams re-marshals req.Params (decoded generically by
// encoding/json as map[string]any) into out.
func decodeParams(req Request, out any) error {
	raw, err := json.Marshal(req.Params)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (d *dispatcher) handlePing(req Request) Response {
	return NewSuccessResponse(req.ID, PingResult{
		Pong:      true,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
}

func (d *dispatcher) handleStatus(req Request) Response {
	return NewSuccessResponse(req.ID, d.daemon.GetStatus())
}

func (d *dispatcher) handleSearch(ctx context.Context, req Request) Response {
	var params SearchParams
	if err := decodeParams(req, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeServerError, fmt.Sprintf("invalid params: %s", err.Error()))
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeServerError, err.Error())
	}

	d.daemon.compact.InterruptCompaction()
	defer d.daemon.compact.OnSearchComplete()

	outcome, err := d.daemon.engine.Search(ctx, params.Query, search.SearchOptions{
		Limit:  params.Limit,
		Mode:   search.SearchMode(params.Mode),
		Rerank: params.Rerank,
	})
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeServerError, err.Error())
	}

	return NewSuccessResponse(req.ID, toSearchResult(outcome))
}

func toSearchResult(outcome *search.SearchOutcome) SearchResult {
	results := make([]Chunk, 0, len(outcome.Results))
	for _, r := range outcome.Results {
		c := Chunk{
			ID:         r.Chunk.ID,
			Source:     r.Chunk.Source,
			ChunkIndex: r.Chunk.ChunkIndex,
			Content:    r.Chunk.Content,
			Rank:       r.Rank,
		}
		if len(r.Chunk.Metadata) > 0 {
			c.Metadata = make(map[string]any, len(r.Chunk.Metadata))
			for k, v := range r.Chunk.Metadata {
				c.Metadata[k] = v
			}
		}
		switch outcome.Mode {
		case search.ModeBM25:
			c.Score = &r.Score
		case search.ModeVector:
			c.Distance = &r.Distance
		case search.ModeHybrid:
			c.RRFScore = r.RRFScore
			c.BM25Rank = r.BM25Rank
			c.VecRank = r.VecRank
			if r.RerankScore != nil {
				c.RerankScore = r.RerankScore
			}
		}
		results = append(results, c)
	}

	return SearchResult{
		Query:        outcome.Query,
		Mode:         string(outcome.Mode),
		Reranked:     outcome.Reranked,
		SearchTimeMs: outcome.SearchTimeMs,
		Results:      results,
	}
}

func (d *dispatcher) handleEmbed(ctx context.Context, req Request) Response {
	var params EmbedParams
	if err := decodeParams(req, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeServerError, fmt.Sprintf("invalid params: %s", err.Error()))
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeServerError, err.Error())
	}

	start := time.Now()
	embedder := newManagedEmbedder(d.daemon.models, "embedder")
	vectors, err := embedder.EmbedBatch(ctx, params.Texts)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeServerError, err.Error())
	}

	return NewSuccessResponse(req.ID, EmbedResult{
		Embeddings:  vectors,
		Count:       len(vectors),
		EmbedTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
	})
}

func (d *dispatcher) handleRerank(ctx context.Context, req Request) Response {
	var params RerankParams
	if err := decodeParams(req, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeServerError, fmt.Sprintf("invalid params: %s", err.Error()))
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeServerError, err.Error())
	}

	start := time.Now()
	reranker := newManagedReranker(d.daemon.models, "reranker")
	scored, err := reranker.Rerank(ctx, params.Query, params.Documents, 0)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeServerError, err.Error())
	}

	scores := make([]float32, len(params.Documents))
	ranked := make([]RankedDocument, len(scored))
	for i, s := range scored {
		scores[s.Index] = float32(s.Score)
		ranked[i] = RankedDocument{Index: s.Index, Score: float32(s.Score)}
	}

	return NewSuccessResponse(req.ID, RerankResult{
		Scores:       scores,
		Ranked:       ranked,
		RerankTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
	})
}

func (d *dispatcher) handleLoadModel(ctx context.Context, req Request) Response {
	var params ModelSlotParams
	if err := decodeParams(req, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeServerError, fmt.Sprintf("invalid params: %s", err.Error()))
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeServerError, err.Error())
	}

	lm, err := d.daemon.models.LoadModel(ctx, params.Slot)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeServerError, err.Error())
	}

	return NewSuccessResponse(req.ID, LoadModelResult{
		Slot:     params.Slot,
		Loaded:   true,
		MemoryMB: lm.MemoryMB,
	})
}

func (d *dispatcher) handleUnloadModel(req Request) Response {
	var params ModelSlotParams
	if err := decodeParams(req, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeServerError, fmt.Sprintf("invalid params: %s", err.Error()))
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeServerError, err.Error())
	}

	if err := d.daemon.models.UnloadModel(params.Slot); err != nil {
		return NewErrorResponse(req.ID, ErrCodeServerError, err.Error())
	}

	return NewSuccessResponse(req.ID, UnloadModelResult{Slot: params.Slot, Unloaded: true})
}

func (d *dispatcher) handleReloadConfig(req Request) Response {
	var params ReloadConfigParams
	if req.Params != nil {
		if err := decodeParams(req, &params); err != nil {
			return NewErrorResponse(req.ID, ErrCodeServerError, fmt.Sprintf("invalid params: %s", err.Error()))
		}
	}

	result, err := d.daemon.ReloadConfig(params.ConfigPath)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeServerError, err.Error())
	}

	return NewSuccessResponse(req.ID, result)
}

func (d *dispatcher) handleShutdown(req Request) Response {
	resp := NewSuccessResponse(req.ID, ShutdownResult{Shutdown: true})
	go d.daemon.Shutdown()
	return resp
}

// encodeResponse marshals a Response to its wire JSON form.
func encodeResponse(resp Response) ([]byte, error) {
	return json.Marshal(resp)
}
