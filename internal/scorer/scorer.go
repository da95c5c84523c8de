package scorer

import (
	"context"
	"fmt"
	"sync"

	"github.com/loopgate/loopgate/internal/model"
)

// Scorer produces a governance vector and a confidence metric for an
// action in context. Implementations are pluggable: the engine does not
// define how confidence is computed from domain models.
type Scorer interface {
	Score(ctx context.Context, action model.ActionPayload, evalCtx model.Context) (model.GovernanceVector, float64, error)
}

// ScoringError wraps a scorer failure. An evaluation that fails to
// score is aborted with no ledger entry: nothing was decided, so
// nothing is recorded.
type ScoringError struct {
	Action string
	Cause  error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("scoring failed for %s: %v", e.Action, e.Cause)
}

func (e *ScoringError) Unwrap() error { return e.Cause }

// Entry is one fixture row for the Static scorer.
type Entry struct {
	Vector     model.GovernanceVector
	Confidence float64
}

// Static scores actions from a fixture table keyed by action kind, with
// a fallback entry. Used for simulation and tests.
type Static struct {
	mu       sync.RWMutex
	byKind   map[string]Entry
	fallback Entry
}

// NewStatic returns a Static scorer with the given fallback.
func NewStatic(fallback Entry) *Static {
	return &Static{
		byKind:   make(map[string]Entry),
		fallback: fallback,
	}
}

// Set installs a fixture entry for an action kind.
func (s *Static) Set(kind string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKind[kind] = e
}

// Score returns the fixture entry for the action's kind, or the
// fallback when no entry matches.
func (s *Static) Score(_ context.Context, action model.ActionPayload, _ model.Context) (model.GovernanceVector, float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byKind[action.Kind]
	if !ok {
		e = s.fallback
	}
	if err := e.Vector.Validate(); err != nil {
		return model.GovernanceVector{}, 0, &ScoringError{Action: action.String(), Cause: err}
	}
	return e.Vector, e.Confidence, nil
}

// Sequence replays a scripted list of entries in order, one per Score
// call. Scoring past the end of the script fails. Used to drive
// scenario simulations.
type Sequence struct {
	mu      sync.Mutex
	entries []Entry
	next    int
}

// NewSequence returns a Sequence scorer over the given script.
func NewSequence(entries ...Entry) *Sequence {
	return &Sequence{entries: entries}
}

// Score returns the next scripted entry.
func (s *Sequence) Score(_ context.Context, action model.ActionPayload, _ model.Context) (model.GovernanceVector, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.entries) {
		return model.GovernanceVector{}, 0, &ScoringError{
			Action: action.String(),
			Cause:  fmt.Errorf("script exhausted after %d entries", len(s.entries)),
		}
	}
	e := s.entries[s.next]
	s.next++
	return e.Vector, e.Confidence, nil
}

// Remaining reports how many scripted entries are left.
func (s *Sequence) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) - s.next
}
