package quorum

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// validID matches alphanumeric and dash characters only (rst-<hex>).
var validID = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("id must not be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("id must not contain '..'")
	}
	if !validID.MatchString(id) {
		return fmt.Errorf("id contains invalid characters")
	}
	return nil
}

const (
	// DefaultDuration is the default reset-token validity period.
	DefaultDuration = 10 * time.Minute
	// MaxDuration is the maximum allowed reset-token validity period.
	MaxDuration = 1 * time.Hour
)

// Token is a single-use authorization to resume autonomous operation,
// issued only after a verified quorum. The precise reset is performed
// by the evaluator, which consumes the token.
type Token struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	Seq          uint64     `json:"seq"`
	Reason       string     `json:"reason"`
	Endorsements int        `json:"endorsements"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// IsActive returns true if the token is not expired, not used, not revoked.
func (t *Token) IsActive() bool {
	if t.UsedAt != nil || t.RevokedAt != nil {
		return false
	}
	return time.Now().UTC().Before(t.ExpiresAt)
}

// Store manages reset-token files on disk.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store backed by the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cannot create reset-token directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// DefaultDir returns the default reset-token store directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "loopgate-reset")
	}
	return filepath.Join(home, ".loopgate", "reset")
}

// Issue creates a token for a quorum-authorized reset of sessionID at
// chain position seq. Duration 0 uses the default; longer than
// MaxDuration is rejected.
func (s *Store) Issue(sessionID string, seq uint64, reason string, endorsements int, duration time.Duration) (*Token, error) {
	if duration == 0 {
		duration = DefaultDuration
	}
	if duration > MaxDuration {
		return nil, fmt.Errorf("token duration %s exceeds maximum %s", duration, MaxDuration)
	}

	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate token id: %w", err)
	}

	now := time.Now().UTC()
	t := Token{
		ID:           "rst-" + hex.EncodeToString(buf),
		SessionID:    sessionID,
		Seq:          seq,
		Reason:       reason,
		Endorsements: endorsements,
		CreatedAt:    now,
		ExpiresAt:    now.Add(duration),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Use consumes an active token. A used, revoked, or expired token is
// rejected.
func (s *Store) Use(id string) (*Token, error) {
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("invalid token id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.read(id)
	if err != nil {
		return nil, fmt.Errorf("reset token %q not found: %w", id, err)
	}
	if !t.IsActive() {
		return nil, fmt.Errorf("reset token %q is not active", id)
	}

	now := time.Now().UTC()
	t.UsedAt = &now
	if err := s.write(*t); err != nil {
		return nil, err
	}
	return t, nil
}

// Revoke invalidates a token before use.
func (s *Store) Revoke(id string) error {
	if err := validateID(id); err != nil {
		return fmt.Errorf("invalid token id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.read(id)
	if err != nil {
		return fmt.Errorf("reset token %q not found: %w", id, err)
	}

	now := time.Now().UTC()
	t.RevokedAt = &now
	return s.write(*t)
}

// Get returns a token by id.
func (s *Store) Get(id string) (*Token, error) {
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("invalid token id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// List returns all tokens in the store.
func (s *Store) List() ([]Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var tokens []Token
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		t, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		tokens = append(tokens, *t)
	}
	return tokens, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) read(id string) (*Token, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) write(t Token) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path(t.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(t.ID))
}
