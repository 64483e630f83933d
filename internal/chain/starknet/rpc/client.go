// Package rpc is a minimal Starknet JSON-RPC client covering the calls the
// event log source needs.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/emperorhan/counterwatch/internal/chain/ratelimit"
)

type RPCClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetEvents(ctx context.Context, filter EventFilter) (*EventsChunk, error)
	GetBlockWithTxHashes(ctx context.Context, block BlockID) (*BlockWithTxHashes, error)
	GetTransactionByHash(ctx context.Context, hash string) (*Transaction, error)
	GetTransactionReceipt(ctx context.Context, hash string) (*TransactionReceipt, error)
	Call(ctx context.Context, call FunctionCall, block BlockID) ([]string, error)
}

type Client struct {
	httpClient *http.Client
	rpcURL     string
	requestID  atomic.Int64
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
}

type ClientOption func(*Client)

// WithLimiter throttles every call through l.
func WithLimiter(l *ratelimit.Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// WithTimeout overrides the per-request HTTP timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

func NewClient(rpcURL string, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		rpcURL:     rpcURL,
		logger:     logger.With("component", "starknet_rpc"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	return ratelimit.Call(ctx, c.limiter, method, func(ctx context.Context) (json.RawMessage, error) {
		return c.do(ctx, method, params)
	})
}

func (c *Client) do(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	req := Request{
		JSONRPC: "2.0",
		ID:      int(c.requestID.Add(1)),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		c.logger.Debug("rpc error", "method", method, "code", rpcResp.Error.Code, "message", rpcResp.Error.Message)
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}
