package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// MaxEventPages bounds how many continuation pages GetAllEvents follows.
const MaxEventPages = 10_000

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "starknet_blockNumber", nil)
	if err != nil {
		return 0, fmt.Errorf("starknet_blockNumber: %w", err)
	}
	var n uint64
	if err := json.Unmarshal(result, &n); err != nil {
		return 0, fmt.Errorf("unmarshal block number: %w", err)
	}
	return n, nil
}

func (c *Client) GetEvents(ctx context.Context, filter EventFilter) (*EventsChunk, error) {
	result, err := c.call(ctx, "starknet_getEvents", []any{filter})
	if err != nil {
		return nil, fmt.Errorf("starknet_getEvents: %w", err)
	}
	var chunk EventsChunk
	if err := json.Unmarshal(result, &chunk); err != nil {
		return nil, fmt.Errorf("unmarshal events chunk: %w", err)
	}
	return &chunk, nil
}

func (c *Client) GetBlockWithTxHashes(ctx context.Context, block BlockID) (*BlockWithTxHashes, error) {
	result, err := c.call(ctx, "starknet_getBlockWithTxHashes", []any{block})
	if err != nil {
		return nil, fmt.Errorf("starknet_getBlockWithTxHashes: %w", err)
	}
	if string(result) == "null" {
		return nil, nil
	}
	var b BlockWithTxHashes
	if err := json.Unmarshal(result, &b); err != nil {
		return nil, fmt.Errorf("unmarshal block: %w", err)
	}
	return &b, nil
}

func (c *Client) GetTransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	result, err := c.call(ctx, "starknet_getTransactionByHash", []any{hash})
	if err != nil {
		return nil, fmt.Errorf("starknet_getTransactionByHash(%s): %w", hash, err)
	}
	if string(result) == "null" {
		return nil, nil
	}
	var tx Transaction
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return &tx, nil
}

func (c *Client) GetTransactionReceipt(ctx context.Context, hash string) (*TransactionReceipt, error) {
	result, err := c.call(ctx, "starknet_getTransactionReceipt", []any{hash})
	if err != nil {
		return nil, fmt.Errorf("starknet_getTransactionReceipt(%s): %w", hash, err)
	}
	if string(result) == "null" {
		return nil, nil
	}
	var receipt TransactionReceipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshal transaction receipt: %w", err)
	}
	return &receipt, nil
}

// Call executes a view function and returns its result felts.
func (c *Client) Call(ctx context.Context, call FunctionCall, block BlockID) ([]string, error) {
	if call.Calldata == nil {
		call.Calldata = []string{}
	}
	result, err := c.call(ctx, "starknet_call", []any{call, block})
	if err != nil {
		return nil, fmt.Errorf("starknet_call(%s): %w", call.EntryPointSelector, err)
	}
	var felts []string
	if err := json.Unmarshal(result, &felts); err != nil {
		return nil, fmt.Errorf("unmarshal call result: %w", err)
	}
	return felts, nil
}

// GetAllEvents follows continuation tokens until the node reports no more
// pages and returns every event in node order.
func GetAllEvents(ctx context.Context, client RPCClient, filter EventFilter) ([]EmittedEvent, error) {
	var all []EmittedEvent
	filter.ContinuationToken = ""
	for page := 0; page < MaxEventPages; page++ {
		chunk, err := client.GetEvents(ctx, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, chunk.Events...)
		if chunk.ContinuationToken == "" {
			return all, nil
		}
		if chunk.ContinuationToken == filter.ContinuationToken {
			return nil, fmt.Errorf("starknet_getEvents: continuation token %q did not advance", chunk.ContinuationToken)
		}
		filter.ContinuationToken = chunk.ContinuationToken
	}
	return nil, fmt.Errorf("starknet_getEvents: exceeded %d pages", MaxEventPages)
}
