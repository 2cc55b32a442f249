package daemon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_JSON(t *testing.T) {
	req := Request{
		JSONRPC: "2.0",
		Method:  MethodSearch,
		Params: SearchParams{
			Query: "test query",
			Limit: 10,
		},
		ID: json.RawMessage(`"req-1"`),
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded Request
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)

	assert.Equal(t, "2.0", decoded.JSONRPC)
	assert.Equal(t, MethodSearch, decoded.Method)
	assert.Equal(t, json.RawMessage(`"req-1"`), decoded.ID)
}

func TestRequest_JSON_NumericAndNullID(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"numeric id", `{"jsonrpc":"2.0","method":"ping","id":1}`},
		{"null id", `{"jsonrpc":"2.0","method":"ping","id":null}`},
		{"string id", `{"jsonrpc":"2.0","method":"ping","id":"abc"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var decoded Request
			err := json.Unmarshal([]byte(tt.body), &decoded)
			require.NoError(t, err)
			assert.Equal(t, "ping", decoded.Method)
			assert.NotEmpty(t, decoded.ID)

			out, err := json.Marshal(decoded)
			require.NoError(t, err)
			assert.JSONEq(t, tt.body, string(out))
		})
	}
}

func TestResponse_Success(t *testing.T) {
	result := SearchResult{
		Query: "test",
		Mode:  "hybrid",
		Results: []Chunk{
			{ID: 1, Source: "a.txt", Content: "hello", Rank: 1},
		},
	}

	resp := NewSuccessResponse(json.RawMessage(`"req-1"`), result)

	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, json.RawMessage(`"req-1"`), resp.ID)
	assert.NotNil(t, resp.Result)
	assert.Nil(t, resp.Error)
}

func TestResponse_Error(t *testing.T) {
	resp := NewErrorResponse(json.RawMessage(`"req-1"`), ErrCodeServerError, "invalid query")

	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, json.RawMessage(`"req-1"`), resp.ID)
	assert.Nil(t, resp.Result)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeServerError, resp.Error.Code)
	assert.Equal(t, "invalid query", resp.Error.Message)
}

func TestSearchParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		params  SearchParams
		wantErr bool
	}{
		{
			name:    "valid params",
			params:  SearchParams{Query: "test", Limit: 10},
			wantErr: false,
		},
		{
			name:    "empty query",
			params:  SearchParams{Query: ""},
			wantErr: true,
		},
		{
			name:    "negative limit is rejected",
			params:  SearchParams{Query: "test", Limit: -1},
			wantErr: true,
		},
		{
			name:    "zero limit defaults to 10",
			params:  SearchParams{Query: "test"},
			wantErr: false,
		},
		{
			name:    "bad mode rejected",
			params:  SearchParams{Query: "test", Mode: "fuzzy"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSearchParams_Validate_DefaultsLimitAndMode(t *testing.T) {
	p := SearchParams{Query: "test"}
	require.NoError(t, p.Validate())
	assert.Equal(t, 10, p.Limit)
	assert.Equal(t, SearchModeHybrid, p.Mode)
}

func TestChunk_JSON(t *testing.T) {
	score := 0.89
	chunk := Chunk{
		ID:         42,
		Source:     "/path/to/file.go",
		ChunkIndex: 3,
		Content:    "func TestSomething() {",
		Rank:       1,
		Score:      &score,
	}

	data, err := json.Marshal(chunk)
	require.NoError(t, err)

	var decoded Chunk
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)

	assert.Equal(t, chunk.ID, decoded.ID)
	assert.Equal(t, chunk.Source, decoded.Source)
	assert.Equal(t, chunk.ChunkIndex, decoded.ChunkIndex)
	assert.Equal(t, chunk.Content, decoded.Content)
	require.NotNil(t, decoded.Score)
	assert.InDelta(t, *chunk.Score, *decoded.Score, 0.001)
	assert.Nil(t, decoded.Distance)
}

func TestStatusResult_JSON(t *testing.T) {
	status := StatusResult{
		UptimeSeconds: 90.5,
		RequestCount:  12,
		SocketPath:    "/tmp/fastsearch.sock",
		LoadedModels: map[string]LoadedModelStatus{
			"embedder": {MemoryMB: 450, IdleSeconds: 3},
		},
		TotalMemoryMB: 450,
		MaxMemoryMB:   4000,
	}

	data, err := json.Marshal(status)
	require.NoError(t, err)

	var decoded StatusResult
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)

	assert.Equal(t, status.RequestCount, decoded.RequestCount)
	assert.Equal(t, status.SocketPath, decoded.SocketPath)
	assert.Contains(t, decoded.LoadedModels, "embedder")
	assert.Equal(t, status.TotalMemoryMB, decoded.TotalMemoryMB)
	assert.Equal(t, status.MaxMemoryMB, decoded.MaxMemoryMB)
}

func TestEmbedParams_Validate(t *testing.T) {
	require.Error(t, (&EmbedParams{}).Validate())
	require.NoError(t, (&EmbedParams{Texts: []string{"a"}}).Validate())
}

func TestRerankParams_Validate(t *testing.T) {
	require.Error(t, (&RerankParams{}).Validate())
	require.Error(t, (&RerankParams{Query: "q"}).Validate())
	require.NoError(t, (&RerankParams{Query: "q", Documents: []string{"a"}}).Validate())
}

func TestModelSlotParams_Validate(t *testing.T) {
	require.Error(t, (&ModelSlotParams{}).Validate())
	require.NoError(t, (&ModelSlotParams{Slot: "embedder"}).Validate())
}

func TestMethodConstants(t *testing.T) {
	assert.Equal(t, "ping", MethodPing)
	assert.Equal(t, "status", MethodStatus)
	assert.Equal(t, "search", MethodSearch)
	assert.Equal(t, "embed", MethodEmbed)
	assert.Equal(t, "rerank", MethodRerank)
	assert.Equal(t, "load_model", MethodLoadModel)
	assert.Equal(t, "unload_model", MethodUnloadModel)
	assert.Equal(t, "reload_config", MethodReloadConfig)
	assert.Equal(t, "shutdown", MethodShutdown)
}

func TestErrorCodes(t *testing.T) {
	assert.Equal(t, -32700, ErrCodeParseError)
	assert.Equal(t, -32601, ErrCodeMethodNotFound)
	assert.Equal(t, -32000, ErrCodeServerError)
}
