package hitl

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/loopgate/loopgate/internal/model"
)

// validSessionID matches alphanumeric, dash, underscore, and dot only.
var validSessionID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateSessionID rejects ids that could collide with storage paths
// or approval keys.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id must not be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id must not contain '..'")
	}
	if !validSessionID.MatchString(id) {
		return fmt.Errorf("session id contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// Session is one governed control loop (e.g. one flight). It owns its
// current state, last confidence reading, last human-response latency,
// and the sequence number of its last sealed record.
//
// All evaluations for a session run under its mutex: at most one
// in-flight evaluate per session.
type Session struct {
	ID string

	mu               sync.Mutex
	state            model.HitlState
	lastConfidence   float64
	lastHumanLatency time.Duration
	seq              uint64
	frozen           bool
	hydrated         bool
	createdAt        time.Time
}

// Lock serializes an evaluation pipeline on this session.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the evaluation pipeline.
func (s *Session) Unlock() { s.mu.Unlock() }

// State returns the current HITL state. Callers that need a consistent
// read across fields must hold the session lock.
func (s *Session) State() model.HitlState { return s.state }

// SetState records a transition outcome. Caller must hold the lock.
func (s *Session) SetState(st model.HitlState) { s.state = st }

// LastConfidence returns the most recent confidence metric.
func (s *Session) LastConfidence() float64 { return s.lastConfidence }

// SetLastConfidence records the most recent confidence metric.
func (s *Session) SetLastConfidence(c float64) { s.lastConfidence = c }

// LastHumanLatency returns the most recent human-response latency.
func (s *Session) LastHumanLatency() time.Duration { return s.lastHumanLatency }

// SetLastHumanLatency records the most recent human-response latency.
func (s *Session) SetLastHumanLatency(d time.Duration) { s.lastHumanLatency = d }

// Seq returns the sequence number of the last sealed record.
func (s *Session) Seq() uint64 { return s.seq }

// SetSeq records the sequence number of the last sealed record.
func (s *Session) SetSeq(n uint64) { s.seq = n }

// Frozen reports whether the session's ledger trust is broken. A frozen
// session admits no autonomous transitions until recertified.
func (s *Session) Frozen() bool { return s.frozen }

// Freeze marks the session untrusted after a chain integrity failure.
func (s *Session) Freeze() { s.frozen = true }

// Unfreeze clears the frozen flag after external recertification.
func (s *Session) Unfreeze() { s.frozen = false }

// Hydrated reports whether the session was restored from its durable
// chain tail. Caller must hold the lock.
func (s *Session) Hydrated() bool { return s.hydrated }

// MarkHydrated records that the chain tail was applied. Caller must
// hold the lock.
func (s *Session) MarkHydrated() { s.hydrated = true }

// CreatedAt returns when the session was first evaluated.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Registry owns all live sessions. Sessions are created on first use
// starting OnTheLoop; callers with a durable chain restore the real
// state via the hydration flag before the first evaluation.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the session for id, creating it on first use.
func (r *Registry) Get(id string) (*Session, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, fmt.Errorf("invalid session id: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	s := &Session{
		ID:        id,
		state:     model.OnTheLoop,
		createdAt: time.Now().UTC(),
	}
	r.sessions[id] = s
	return s, nil
}

// Lookup returns an existing session without creating one.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Close removes a session from the registry. The ledger chain for the
// session remains readable after close.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// IDs lists live session ids.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
