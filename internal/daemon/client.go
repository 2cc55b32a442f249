package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client holds a single long-lived connection to the daemon and issues
// sequential request/response pairs over it, per spec.md §4.5's connection
// model. Safe for concurrent use: calls are serialized internally so
// responses are never matched to the wrong caller.
type Client struct {
	cfg ClientConfig

	mu        sync.Mutex
	conn      net.Conn
	requestID atomic.Uint64
}

// NewClient creates a daemon client. The connection is established lazily
// on first use.
func NewClient(cfg ClientConfig) *Client {
	return &Client{cfg: cfg}
}

// ensureConn dials the daemon's socket if not already connected.
func (c *Client) ensureConn() (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := net.DialTimeout("unix", c.cfg.SocketPath, c.cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	c.conn = conn
	return conn, nil
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// IsRunning reports whether the daemon accepts connections, independent of
// this client's own persistent connection.
func (c *Client) IsRunning() bool {
	conn, err := net.DialTimeout("unix", c.cfg.SocketPath, c.cfg.Timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// call sends one framed JSON-RPC request and returns its response. On any
// I/O error the connection is dropped so the next call reconnects fresh.
func (c *Client) call(ctx context.Context, method string, params any) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.ensureConn()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	req := Request{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID()}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if err := WriteFrame(conn, payload); err != nil {
		c.dropConnLocked()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	respPayload, err := ReadFrame(conn)
	if err != nil {
		c.dropConnLocked()
		return nil, fmt.Errorf("failed to receive response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

func (c *Client) dropConnLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func decodeResult(resp *Response, out any) error {
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// Ping checks whether the daemon is responsive.
func (c *Client) Ping(ctx context.Context) (PingResult, error) {
	var result PingResult
	resp, err := c.call(ctx, MethodPing, nil)
	if err != nil {
		return result, err
	}
	if resp.Error != nil {
		return result, fmt.Errorf("ping failed: %s", resp.Error.Message)
	}
	err = decodeResult(resp, &result)
	return result, err
}

// Status retrieves daemon status.
func (c *Client) Status(ctx context.Context) (StatusResult, error) {
	var result StatusResult
	resp, err := c.call(ctx, MethodStatus, nil)
	if err != nil {
		return result, err
	}
	if resp.Error != nil {
		return result, fmt.Errorf("status failed: %s", resp.Error.Message)
	}
	err = decodeResult(resp, &result)
	return result, err
}

// Search sends a search request to the daemon.
func (c *Client) Search(ctx context.Context, params SearchParams) (SearchResult, error) {
	var result SearchResult
	if err := params.Validate(); err != nil {
		return result, fmt.Errorf("invalid params: %w", err)
	}
	resp, err := c.call(ctx, MethodSearch, params)
	if err != nil {
		return result, err
	}
	if resp.Error != nil {
		return result, fmt.Errorf("search failed: %s (code: %d)", resp.Error.Message, resp.Error.Code)
	}
	err = decodeResult(resp, &result)
	return result, err
}

// Embed sends an embed request to the daemon.
func (c *Client) Embed(ctx context.Context, params EmbedParams) (EmbedResult, error) {
	var result EmbedResult
	if err := params.Validate(); err != nil {
		return result, fmt.Errorf("invalid params: %w", err)
	}
	resp, err := c.call(ctx, MethodEmbed, params)
	if err != nil {
		return result, err
	}
	if resp.Error != nil {
		return result, fmt.Errorf("embed failed: %s (code: %d)", resp.Error.Message, resp.Error.Code)
	}
	err = decodeResult(resp, &result)
	return result, err
}

// Rerank sends a rerank request to the daemon.
func (c *Client) Rerank(ctx context.Context, params RerankParams) (RerankResult, error) {
	var result RerankResult
	if err := params.Validate(); err != nil {
		return result, fmt.Errorf("invalid params: %w", err)
	}
	resp, err := c.call(ctx, MethodRerank, params)
	if err != nil {
		return result, err
	}
	if resp.Error != nil {
		return result, fmt.Errorf("rerank failed: %s (code: %d)", resp.Error.Message, resp.Error.Code)
	}
	err = decodeResult(resp, &result)
	return result, err
}

// LoadModel requests that the daemon load a model slot.
func (c *Client) LoadModel(ctx context.Context, slot string) (LoadModelResult, error) {
	var result LoadModelResult
	params := ModelSlotParams{Slot: slot}
	if err := params.Validate(); err != nil {
		return result, fmt.Errorf("invalid params: %w", err)
	}
	resp, err := c.call(ctx, MethodLoadModel, params)
	if err != nil {
		return result, err
	}
	if resp.Error != nil {
		return result, fmt.Errorf("load_model failed: %s (code: %d)", resp.Error.Message, resp.Error.Code)
	}
	err = decodeResult(resp, &result)
	return result, err
}

// UnloadModel requests that the daemon unload a model slot.
func (c *Client) UnloadModel(ctx context.Context, slot string) (UnloadModelResult, error) {
	var result UnloadModelResult
	params := ModelSlotParams{Slot: slot}
	if err := params.Validate(); err != nil {
		return result, fmt.Errorf("invalid params: %w", err)
	}
	resp, err := c.call(ctx, MethodUnloadModel, params)
	if err != nil {
		return result, err
	}
	if resp.Error != nil {
		return result, fmt.Errorf("unload_model failed: %s (code: %d)", resp.Error.Message, resp.Error.Code)
	}
	err = decodeResult(resp, &result)
	return result, err
}

// ReloadConfig requests that the daemon reload its configuration.
func (c *Client) ReloadConfig(ctx context.Context, configPath string) (ReloadConfigResult, error) {
	var result ReloadConfigResult
	params := ReloadConfigParams{ConfigPath: configPath}
	resp, err := c.call(ctx, MethodReloadConfig, params)
	if err != nil {
		return result, err
	}
	if resp.Error != nil {
		return result, fmt.Errorf("reload_config failed: %s (code: %d)", resp.Error.Message, resp.Error.Code)
	}
	err = decodeResult(resp, &result)
	return result, err
}

// Shutdown requests that the daemon shut down gracefully.
func (c *Client) Shutdown(ctx context.Context) (ShutdownResult, error) {
	var result ShutdownResult
	shutdownCtx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownGracePeriod)
	defer cancel()

	resp, err := c.call(shutdownCtx, MethodShutdown, nil)
	if err != nil {
		return result, err
	}
	if resp.Error != nil {
		return result, fmt.Errorf("shutdown failed: %s (code: %d)", resp.Error.Message, resp.Error.Code)
	}
	err = decodeResult(resp, &result)
	_ = c.Close()
	return result, err
}

// nextID generates a unique request ID, scoped to this client's connection,
// encoded as a JSON string per Request.ID's raw-JSON id contract.
func (c *Client) nextID() json.RawMessage {
	id := c.requestID.Add(1)
	raw, _ := json.Marshal(fmt.Sprintf("req-%d", id))
	return raw
}
