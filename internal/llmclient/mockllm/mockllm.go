// Package mockllm provides a scripted llmclient.Client test double.
//
// Grounded on spec §8's testable scenarios, all of which are stated in
// terms of "a stub LLM returns a scripted sequence of responses" —
// there is no teacher file to ground this on directly since the
// teacher's own tests construct ad hoc fakes per test file, but the
// shape (a queue of canned responses consumed one per Generate call)
// matches that ad hoc style generalized into a reusable package.
package mockllm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/metagen-run/metagen-core/internal/llmclient"
)

// Turn is one scripted response: either a ToolCall (possibly with
// Text alongside it) or a plain text completion.
type Turn struct {
	Text     string
	ToolCall *llmclient.ToolCall
	Usage    llmclient.Usage
	Err      error
}

// Client replays a fixed queue of Turns, one per Generate call. Once
// the queue is exhausted it returns the last Turn repeatedly (or an
// error if none were ever queued), so a test that under-estimates the
// number of LLM round-trips doesn't panic on a nil dereference.
type Client struct {
	mu       sync.Mutex
	turns    []Turn
	pos      int
	Requests []llmclient.Request // every request Generate was called with, for assertions
}

var _ llmclient.Client = (*Client)(nil)

// New builds a Client that replays turns in order.
func New(turns ...Turn) *Client {
	return &Client{turns: turns}
}

// Generate implements llmclient.Client.
func (c *Client) Generate(ctx context.Context, req llmclient.Request) (<-chan llmclient.Chunk, error) {
	c.mu.Lock()
	c.Requests = append(c.Requests, req)
	if len(c.turns) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("mockllm: no turns queued")
	}
	idx := c.pos
	if idx >= len(c.turns) {
		idx = len(c.turns) - 1
	} else {
		c.pos++
	}
	turn := c.turns[idx]
	c.mu.Unlock()

	out := make(chan llmclient.Chunk, 4)
	defer close(out)

	if turn.Err != nil {
		out <- llmclient.Chunk{Kind: llmclient.ChunkDone, Err: turn.Err}
		return out, nil
	}
	if turn.Text != "" {
		out <- llmclient.Chunk{Kind: llmclient.ChunkText, Text: turn.Text}
	}
	if turn.ToolCall != nil {
		out <- llmclient.Chunk{Kind: llmclient.ChunkToolCall, ToolCall: turn.ToolCall}
	}
	out <- llmclient.Chunk{Kind: llmclient.ChunkUsage, Usage: turn.Usage}
	out <- llmclient.Chunk{Kind: llmclient.ChunkDone}
	return out, nil
}

// GenerateStructured returns the next queued turn's Text decoded as
// raw JSON, ignoring schema — sufficient for the parameter-default and
// task-creation scenarios in spec §8, which only need a fixed payload
// back.
func (c *Client) GenerateStructured(ctx context.Context, req llmclient.Request, schema json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	c.Requests = append(c.Requests, req)
	if len(c.turns) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("mockllm: no turns queued")
	}
	idx := c.pos
	if idx >= len(c.turns) {
		idx = len(c.turns) - 1
	} else {
		c.pos++
	}
	turn := c.turns[idx]
	c.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}
	return json.RawMessage(turn.Text), nil
}
