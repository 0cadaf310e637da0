package approval

import (
	"context"
	"sync"
)

// MemoryGate keeps pending approvals in process.
type MemoryGate struct {
	mu      sync.Mutex
	pending map[int64]Request
}

func NewMemoryGate() *MemoryGate {
	return &MemoryGate{pending: make(map[int64]Request)}
}

func (g *MemoryGate) Open(_ context.Context, req Request) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[req.ThreadID]; ok {
		return ErrAlreadyPending
	}
	g.pending[req.ThreadID] = req
	return nil
}

func (g *MemoryGate) Take(_ context.Context, threadID int64, requestID string) (Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.pending[threadID]
	if !ok || !matches(req, requestID) {
		return Request{}, ErrNotPending
	}
	delete(g.pending, threadID)
	return req, nil
}

func (g *MemoryGate) Pending(_ context.Context, threadID int64) (Request, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.pending[threadID]
	return req, ok, nil
}

func (g *MemoryGate) Discard(_ context.Context, threadID int64) error {
	g.mu.Lock()
	delete(g.pending, threadID)
	g.mu.Unlock()
	return nil
}
