package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Cache hint keys understood by Pool.Query. Other keys are carried for callers and ignored.
const (
	HintCacheControl = "cache_control" // CacheControl.Type, e.g. "ephemeral"
	HintCacheTTL     = "cache_ttl"     // CacheControl.TTL, "5m" or "1h"
)

// QueryOptions carries per-query sampling parameters.
type QueryOptions struct {
	// CacheHints become a CacheControl on the last message unless it already has one.
	CacheHints  map[string]string
	Temperature float32
	MaxTokens   int
	// Round is the consensus round the query belongs to. The pool does not read it.
	Round int
}

// cacheControl builds the hint for the conversation prefix, or nil when none was asked for.
func (o *QueryOptions) cacheControl() *CacheControl {
	kind := o.CacheHints[HintCacheControl]
	if kind == "" {
		return nil
	}
	return &CacheControl{Type: kind, TTL: o.CacheHints[HintCacheTTL]}
}

// prepare copies messages for one model and applies the cache hint.
func prepare(messages []CompletionMessage, cc *CacheControl) []CompletionMessage {
	out := CloneMessages(messages)
	if cc != nil && len(out) > 0 && out[len(out)-1].CacheControl == nil {
		hint := *cc
		out[len(out)-1].CacheControl = &hint
	}
	return out
}

// ModelResponse is one model's successful answer.
type ModelResponse struct {
	ModelID  string
	Content  string
	Usage    Usage
	Duration time.Duration
}

// ModelFailure is one model's failed query.
type ModelFailure struct {
	Err     error
	ModelID string
}

// QueryResult partitions a parallel query by outcome. Order follows the requested model ids.
type QueryResult struct {
	Successful []ModelResponse
	Failed     []ModelFailure
}

// Response returns the successful response for modelID, if any.
func (r *QueryResult) Response(modelID string) (ModelResponse, bool) {
	for i := range r.Successful {
		if r.Successful[i].ModelID == modelID {
			return r.Successful[i], true
		}
	}
	return ModelResponse{}, false
}

// Failure returns the failure recorded for modelID, if any.
func (r *QueryResult) Failure(modelID string) (ModelFailure, bool) {
	for i := range r.Failed {
		if r.Failed[i].ModelID == modelID {
			return r.Failed[i], true
		}
	}
	return ModelFailure{}, false
}

// Querier sends the same conversation to a set of models concurrently.
type Querier interface {
	Query(ctx context.Context, messages []CompletionMessage, modelIDs []string, opts QueryOptions) QueryResult
}

// Pool maps model ids to fully wrapped clients.
type Pool struct {
	clients map[string]LLMClient
	order   []string
	mu      sync.RWMutex
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]LLMClient)}
}

// Register adds or replaces the client for id.
func (p *Pool) Register(id string, client LLMClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.clients[id]; !exists {
		p.order = append(p.order, id)
	}
	p.clients[id] = client
}

// Client returns the client registered under id.
func (p *Pool) Client(id string) (LLMClient, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[id]
	return c, ok
}

// IDs returns registered model ids in registration order.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}

// Query sends messages to each model in modelIDs concurrently. Every id ends up in exactly
// one of Successful or Failed; unknown ids fail without a network call.
func (p *Pool) Query(ctx context.Context, messages []CompletionMessage, modelIDs []string, opts QueryOptions) QueryResult {
	type outcome struct {
		resp ModelResponse
		err  error
	}
	outcomes := make([]outcome, len(modelIDs))

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	cc := opts.cacheControl()
	var g errgroup.Group
	for i, id := range modelIDs {
		client, ok := p.Client(id)
		if !ok {
			outcomes[i].err = fmt.Errorf("unknown model %q", id)
			continue
		}
		g.Go(func() error {
			req := CompletionRequest{
				Messages:    prepare(messages, cc),
				MaxTokens:   maxTokens,
				Temperature: opts.Temperature,
			}
			start := time.Now()
			resp, err := client.Complete(ctx, req)
			if err != nil {
				outcomes[i].err = err
				return nil
			}
			outcomes[i].resp = ModelResponse{
				ModelID:  id,
				Content:  resp.Content,
				Usage:    resp.Usage,
				Duration: time.Since(start),
			}
			return nil
		})
	}
	_ = g.Wait()

	var result QueryResult
	for i, id := range modelIDs {
		if outcomes[i].err != nil {
			result.Failed = append(result.Failed, ModelFailure{ModelID: id, Err: outcomes[i].err})
			continue
		}
		result.Successful = append(result.Successful, outcomes[i].resp)
	}
	return result
}
