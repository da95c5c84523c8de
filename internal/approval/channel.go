package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loopgate/loopgate/internal/model"
)

// Outcome is the resolution of a human approval request.
type Outcome string

const (
	OutcomeGranted  Outcome = "granted"
	OutcomeDenied   Outcome = "denied"
	OutcomeTimedOut Outcome = "timed_out"
)

// Channel is the async request/response path to a human operator. The
// deadline must be honored exactly: no implicit retries, and a request
// resolves to OutcomeTimedOut once the deadline passes. The evaluator
// enforces its own deadline on top, so a misbehaving channel cannot
// stall a session.
type Channel interface {
	Request(ctx context.Context, sessionID string, action model.ActionPayload, deadline time.Duration) (Outcome, error)
}

// Gate is an in-process Channel for embedding and tests. Requests park
// on a per-key channel until an operator resolves them or the deadline
// expires.
type Gate struct {
	mu      sync.Mutex
	pending map[string]chan Outcome
}

// NewGate returns an empty in-process approval gate.
func NewGate() *Gate {
	return &Gate{pending: make(map[string]chan Outcome)}
}

// Request parks until Resolve(sessionID) or the deadline. The returned
// outcome is OutcomeTimedOut when neither the operator nor the caller's
// context resolves the request in time.
func (g *Gate) Request(ctx context.Context, sessionID string, _ model.ActionPayload, deadline time.Duration) (Outcome, error) {
	ch := make(chan Outcome, 1)

	g.mu.Lock()
	g.pending[sessionID] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, sessionID)
		g.mu.Unlock()
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out, nil
	case <-timer.C:
		return OutcomeTimedOut, nil
	case <-ctx.Done():
		return OutcomeTimedOut, nil
	}
}

// Resolve delivers an operator verdict for a parked request. Returns
// false when no request is waiting (e.g. it already timed out).
func (g *Gate) Resolve(sessionID string, granted bool) bool {
	g.mu.Lock()
	ch, ok := g.pending[sessionID]
	g.mu.Unlock()
	if !ok {
		return false
	}

	out := OutcomeDenied
	if granted {
		out = OutcomeGranted
	}
	select {
	case ch <- out:
		return true
	default:
		return false
	}
}

// Waiting reports whether a request is currently parked for sessionID.
func (g *Gate) Waiting(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[sessionID]
	return ok
}

// Pending returns the session IDs with a parked request.
func (g *Gate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
