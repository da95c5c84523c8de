package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/loopgate/loopgate/internal/model"
)

// validKey matches alphanumeric, dash, underscore, and dot characters only.
var validKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateKey rejects keys that could cause path traversal.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key must not contain '..'")
	}
	if !validKey.MatchString(key) {
		return fmt.Errorf("key contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// Status represents the state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusConsumed Status = "consumed"
	StatusExpired  Status = "expired"
)

// Request is a single pending-approval file and its state. Consumed
// means the waiting evaluation observed the verdict: each verdict
// answers exactly one evaluation. Expired means the evaluation deadline
// passed before an operator resolved it; a verdict arriving after that
// is a late response with no state effect.
type Request struct {
	Key        string     `json:"key"`
	SessionID  string     `json:"session_id"`
	Action     string     `json:"action"`
	Digest     string     `json:"digest"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	DeadlineAt time.Time  `json:"deadline_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Store manages approval request files on disk. Operators resolve them
// through the CLI or the MCP tools while the evaluator polls.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store backed by the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create approval directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// DefaultDir returns the default approval store directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "loopgate-pending")
	}
	return filepath.Join(home, ".loopgate", "pending")
}

// Create writes a pending request file. An existing pending request is
// reused so concurrent retries of the same action share one wait; a
// request in any resolved state is replaced, so a stale verdict never
// answers a new evaluation.
func (s *Store) Create(key, sessionID string, action model.ActionPayload, deadline time.Time) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid approval key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	if r, err := s.read(key); err == nil && r.Status == StatusPending {
		return nil
	}

	r := Request{
		Key:        key,
		SessionID:  sessionID,
		Action:     action.String(),
		Digest:     action.Digest(),
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
		DeadlineAt: deadline.UTC(),
	}
	return s.writeAtomic(path, r)
}

// Approve marks a request approved.
func (s *Store) Approve(key string) error {
	return s.resolve(key, StatusApproved)
}

// Deny marks a request denied.
func (s *Store) Deny(key string) error {
	return s.resolve(key, StatusDenied)
}

func (s *Store) resolve(key string, status Status) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid approval key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.read(key)
	if err != nil {
		return fmt.Errorf("approval %q not found: %w", key, err)
	}

	r.Status = status
	now := time.Now().UTC()
	r.ResolvedAt = &now
	return s.writeAtomic(s.path(key), *r)
}

// Consume marks a resolved request used so its verdict cannot answer a
// later evaluation of the same action.
func (s *Store) Consume(key string) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid approval key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.read(key)
	if err != nil {
		return fmt.Errorf("approval %q not found: %w", key, err)
	}
	if r.Status != StatusApproved && r.Status != StatusDenied {
		return fmt.Errorf("approval %q is %s, not resolved", key, r.Status)
	}
	r.Status = StatusConsumed
	return s.writeAtomic(s.path(key), *r)
}

// Check returns the current status of a request. A pending request past
// its deadline reads as expired.
func (s *Store) Check(key string) (Status, error) {
	if err := validateKey(key); err != nil {
		return "", fmt.Errorf("invalid approval key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.read(key)
	if err != nil {
		return "", fmt.Errorf("approval %q not found", key)
	}

	if r.Status == StatusPending && time.Now().UTC().After(r.DeadlineAt) {
		r.Status = StatusExpired
		s.writeAtomic(s.path(key), *r)
		return StatusExpired, nil
	}
	return r.Status, nil
}

// Expire force-marks a pending request expired when the evaluator's
// deadline fires first.
func (s *Store) Expire(key string) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid approval key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.read(key)
	if err != nil {
		return fmt.Errorf("approval %q not found: %w", key, err)
	}
	if r.Status != StatusPending {
		return nil
	}
	r.Status = StatusExpired
	return s.writeAtomic(s.path(key), *r)
}

// List returns all requests in the store.
func (s *Store) List() ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var requests []Request
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".json")
		r, err := s.read(key)
		if err != nil {
			continue
		}
		requests = append(requests, *r)
	}
	return requests, nil
}

// Cleanup removes all request files in the store.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *Store) read(key string) (*Request, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, err
	}

	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) writeAtomic(path string, r Request) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// pollInterval is how often StoreChannel re-reads a pending request.
const pollInterval = 25 * time.Millisecond

// StoreChannel adapts a Store into a Channel: Request creates a pending
// file and polls it until an operator resolves it or the deadline
// passes. Keys are "<session>-<digest prefix>" so retries of the same
// action share a pending request; a verdict is consumed as soon as the
// requester observes it, so each operator action answers exactly one
// evaluation.
type StoreChannel struct {
	store *Store
}

// NewStoreChannel wraps a Store as an approval Channel.
func NewStoreChannel(store *Store) *StoreChannel {
	return &StoreChannel{store: store}
}

// Key derives the approval key for a session and action.
func Key(sessionID string, action model.ActionPayload) string {
	digest := strings.TrimPrefix(action.Digest(), "sha256:")
	if len(digest) > 12 {
		digest = digest[:12]
	}
	return sessionID + "-" + digest
}

// Request creates the pending file and polls until resolution, deadline,
// or context cancellation.
func (c *StoreChannel) Request(ctx context.Context, sessionID string, action model.ActionPayload, deadline time.Duration) (Outcome, error) {
	key := Key(sessionID, action)
	deadlineAt := time.Now().UTC().Add(deadline)

	if err := c.store.Create(key, sessionID, action, deadlineAt); err != nil {
		return "", err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		select {
		case <-ticker.C:
			status, err := c.store.Check(key)
			if err != nil {
				return "", err
			}
			switch status {
			case StatusApproved, StatusDenied:
				// Another requester may have taken the verdict
				// between the read and the consume; keep
				// waiting if so.
				if err := c.store.Consume(key); err != nil {
					continue
				}
				if status == StatusApproved {
					return OutcomeGranted, nil
				}
				return OutcomeDenied, nil
			case StatusExpired:
				return OutcomeTimedOut, nil
			}
		case <-timer.C:
			c.store.Expire(key)
			return OutcomeTimedOut, nil
		case <-ctx.Done():
			c.store.Expire(key)
			return OutcomeTimedOut, nil
		}
	}
}
