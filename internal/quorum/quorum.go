package quorum

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/loopgate/loopgate/internal/config"
	"github.com/loopgate/loopgate/internal/model"
)

// Endorsement is one authority's signature over a reset subject.
type Endorsement struct {
	Authority string `json:"authority" yaml:"authority"`
	Role      string `json:"role" yaml:"role"`
	Signature string `json:"signature" yaml:"signature"` // base64
}

// ResetSubject is the canonical byte string a reset endorsement signs:
// it binds the endorsement to one session at one chain position, so a
// collected quorum cannot be replayed against a later emergency.
func ResetSubject(sessionID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("loopgate-reset:%s:%d", sessionID, seq))
}

type authority struct {
	role model.Role
	key  ed25519.PublicKey
}

// Verifier checks that a set of endorsements satisfies the configured
// reset quorum. Authorities are registered with their role and
// verification key.
type Verifier struct {
	mu          sync.RWMutex
	authorities map[string]authority
	required    []config.QuorumRule
}

// NewVerifier returns a verifier enforcing the given quorum rules.
func NewVerifier(required []config.QuorumRule) *Verifier {
	return &Verifier{
		authorities: make(map[string]authority),
		required:    required,
	}
}

// Register adds an authority's verification key under a role.
func (v *Verifier) Register(name string, role model.Role, key ed25519.PublicKey) error {
	if name == "" {
		return fmt.Errorf("quorum: authority name must not be empty")
	}
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("quorum: authority %s: key must be %d bytes", name, ed25519.PublicKeySize)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.authorities[name] = authority{role: role, key: key}
	return nil
}

// Check verifies every endorsement signature over subject and that each
// required role is covered by enough distinct authorities. Unknown
// authorities, role mismatches, and bad signatures all fail the check:
// a reset needs the same rigor as the emergency it clears.
func (v *Verifier) Check(subject []byte, endorsements []Endorsement) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	seen := make(map[string]bool)
	counts := make(map[model.Role]int)

	for _, e := range endorsements {
		auth, ok := v.authorities[e.Authority]
		if !ok {
			return fmt.Errorf("quorum: unknown authority %q", e.Authority)
		}
		role, err := model.ParseRole(e.Role)
		if err != nil {
			return fmt.Errorf("quorum: endorsement from %s: %w", e.Authority, err)
		}
		if role != auth.role {
			return fmt.Errorf("quorum: authority %s is registered as %s, not %s", e.Authority, auth.role, role)
		}
		if seen[e.Authority] {
			return fmt.Errorf("quorum: duplicate endorsement from %s", e.Authority)
		}

		sig, err := base64.StdEncoding.DecodeString(e.Signature)
		if err != nil {
			return fmt.Errorf("quorum: decode signature from %s: %w", e.Authority, err)
		}
		if !ed25519.Verify(auth.key, subject, sig) {
			return fmt.Errorf("quorum: signature from %s does not verify", e.Authority)
		}

		seen[e.Authority] = true
		counts[role]++
	}

	for _, rule := range v.required {
		role := model.Role(rule.Role)
		if counts[role] < rule.Count {
			return fmt.Errorf("quorum: role %s has %d of %d required endorsements", role, counts[role], rule.Count)
		}
	}
	return nil
}

// Endorse signs a subject for tests and operator tooling.
func Endorse(priv ed25519.PrivateKey, authorityName string, role model.Role, subject []byte) Endorsement {
	sig := ed25519.Sign(priv, subject)
	return Endorsement{
		Authority: authorityName,
		Role:      string(role),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
}

// authorityFile is the on-disk registry format.
type authorityFile struct {
	Authorities []struct {
		Name      string `yaml:"name"`
		Role      string `yaml:"role"`
		PublicKey string `yaml:"public_key"` // base64
	} `yaml:"authorities"`
}

// LoadAuthorities reads an authority registry YAML file into the
// verifier. Missing file is an error: a deployment that allows resets
// must name who may authorize them.
func (v *Verifier) LoadAuthorities(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("quorum: read authorities: %w", err)
	}

	var f authorityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("quorum: parse authorities: %w", err)
	}

	for _, a := range f.Authorities {
		role, err := model.ParseRole(a.Role)
		if err != nil {
			return fmt.Errorf("quorum: authority %s: %w", a.Name, err)
		}
		key, err := base64.StdEncoding.DecodeString(a.PublicKey)
		if err != nil {
			return fmt.Errorf("quorum: authority %s: decode key: %w", a.Name, err)
		}
		if err := v.Register(a.Name, role, key); err != nil {
			return err
		}
	}
	return nil
}
