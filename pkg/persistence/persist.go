package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"conclave/pkg/logx"
)

// ErrWriterClosed is returned by Writer.Save after Close.
var ErrWriterClosed = errors.New("persistence writer closed")

// Operation constants for Request.
const (
	OpSave   = "save"
	OpDelete = "delete"
	OpFlush  = "flush"
)

// Request is one queued write for the persistence worker.
type Request struct {
	Snapshot  *Snapshot    `json:"snapshot,omitempty"`
	Response  chan<- error `json:"-"` // nil for fire-and-forget writes
	Operation string       `json:"operation"`
	AgentID   string       `json:"agent_id"`
}

// Writer serialises writes through a single worker goroutine so saves for
// one agent land in the order they were issued. Reads go straight to the
// wrapped store. Write failures are logged, never returned to the caller.
type Writer struct {
	store    Store
	logger   *logx.Logger
	requests chan *Request
	done     chan struct{}
	mu       sync.RWMutex
	closed   bool
}

// NewWriter starts the worker goroutine. buffer bounds the number of queued writes.
func NewWriter(store Store, buffer int) *Writer {
	if buffer <= 0 {
		buffer = 100
	}
	w := &Writer{
		store:    store,
		logger:   logx.NewLogger("persistence"),
		requests: make(chan *Request, buffer),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)
	for req := range w.requests {
		err := w.handle(req)
		if err != nil {
			w.logger.Warn("persistence %s for %s failed: %v", req.Operation, req.AgentID, err)
		}
		if req.Response != nil {
			req.Response <- err
		}
	}
}

func (w *Writer) handle(req *Request) error {
	// Queued writes must outlive the caller's context.
	ctx := context.Background()
	switch req.Operation {
	case OpSave:
		return w.store.Save(ctx, req.Snapshot)
	case OpDelete:
		return w.store.Delete(ctx, req.AgentID)
	case OpFlush:
		return nil
	default:
		return fmt.Errorf("unknown persistence operation %q", req.Operation)
	}
}

func (w *Writer) enqueue(ctx context.Context, req *Request) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.requests <- req:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to queue %s for %s: %w", req.Operation, req.AgentID, ctx.Err())
	}
}

// Save queues snap for writing.
func (w *Writer) Save(ctx context.Context, snap *Snapshot) error {
	return w.enqueue(ctx, &Request{Operation: OpSave, AgentID: snap.AgentID, Snapshot: snap})
}

// Delete queues removal of agentID's snapshot behind any pending saves.
func (w *Writer) Delete(ctx context.Context, agentID string) error {
	return w.enqueue(ctx, &Request{Operation: OpDelete, AgentID: agentID})
}

// Flush blocks until every write queued before it has been applied.
func (w *Writer) Flush(ctx context.Context) error {
	resp := make(chan error, 1)
	if err := w.enqueue(ctx, &Request{Operation: OpFlush, Response: resp}); err != nil {
		return err
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return fmt.Errorf("flush interrupted: %w", ctx.Err())
	}
}

// Load reads through to the store.
func (w *Writer) Load(ctx context.Context, agentID string) (*Snapshot, error) {
	return w.store.Load(ctx, agentID) //nolint:wrapcheck // store errors are already wrapped
}

// List reads through to the store.
func (w *Writer) List(ctx context.Context) ([]string, error) {
	return w.store.List(ctx) //nolint:wrapcheck // store errors are already wrapped
}

// Close drains pending writes and closes the wrapped store.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.requests)
	w.mu.Unlock()

	<-w.done
	return w.store.Close() //nolint:wrapcheck // store errors are already wrapped
}
