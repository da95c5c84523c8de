package quorum

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loopgate/loopgate/internal/config"
	"github.com/loopgate/loopgate/internal/model"
)

func testKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func base64Key(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func fullQuorum() []config.QuorumRule {
	return []config.QuorumRule{
		{Role: string(model.RoleSafetyEngineer), Count: 1},
		{Role: string(model.RoleDomainExpert), Count: 1},
		{Role: string(model.RoleGovernanceAuthority), Count: 1},
	}
}

func TestQuorumSatisfied(t *testing.T) {
	v := NewVerifier(fullQuorum())
	subject := ResetSubject("flight-7", 12)

	var endorsements []Endorsement
	for name, role := range map[string]model.Role{
		"alice": model.RoleSafetyEngineer,
		"bob":   model.RoleDomainExpert,
		"carol": model.RoleGovernanceAuthority,
	} {
		pub, priv := testKey(t)
		if err := v.Register(name, role, pub); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		endorsements = append(endorsements, Endorse(priv, name, role, subject))
	}

	if err := v.Check(subject, endorsements); err != nil {
		t.Fatalf("full quorum should verify: %v", err)
	}
}

func TestQuorumMissingRole(t *testing.T) {
	v := NewVerifier(fullQuorum())
	subject := ResetSubject("flight-7", 12)

	pubA, privA := testKey(t)
	pubB, privB := testKey(t)
	if err := v.Register("alice", model.RoleSafetyEngineer, pubA); err != nil {
		t.Fatal(err)
	}
	if err := v.Register("bob", model.RoleDomainExpert, pubB); err != nil {
		t.Fatal(err)
	}

	err := v.Check(subject, []Endorsement{
		Endorse(privA, "alice", model.RoleSafetyEngineer, subject),
		Endorse(privB, "bob", model.RoleDomainExpert, subject),
	})
	if err == nil {
		t.Fatal("quorum missing governance_authority should fail")
	}
	if !strings.Contains(err.Error(), string(model.RoleGovernanceAuthority)) {
		t.Fatalf("error should name the missing role, got %v", err)
	}
}

func TestQuorumUnknownAuthority(t *testing.T) {
	v := NewVerifier(fullQuorum())
	subject := ResetSubject("flight-7", 1)

	_, priv := testKey(t)
	err := v.Check(subject, []Endorsement{
		Endorse(priv, "mallory", model.RoleSafetyEngineer, subject),
	})
	if err == nil {
		t.Fatal("unregistered authority should fail")
	}
}

func TestQuorumRoleMismatch(t *testing.T) {
	v := NewVerifier(fullQuorum())
	subject := ResetSubject("flight-7", 1)

	pub, priv := testKey(t)
	if err := v.Register("alice", model.RoleSafetyEngineer, pub); err != nil {
		t.Fatal(err)
	}

	// Alice signs claiming a role she does not hold.
	err := v.Check(subject, []Endorsement{
		Endorse(priv, "alice", model.RoleGovernanceAuthority, subject),
	})
	if err == nil {
		t.Fatal("role mismatch should fail")
	}
}

func TestQuorumDuplicateAuthority(t *testing.T) {
	v := NewVerifier([]config.QuorumRule{
		{Role: string(model.RoleSafetyEngineer), Count: 2},
	})
	subject := ResetSubject("flight-7", 1)

	pub, priv := testKey(t)
	if err := v.Register("alice", model.RoleSafetyEngineer, pub); err != nil {
		t.Fatal(err)
	}

	e := Endorse(priv, "alice", model.RoleSafetyEngineer, subject)
	err := v.Check(subject, []Endorsement{e, e})
	if err == nil {
		t.Fatal("one person endorsing twice should not count as two")
	}
}

func TestQuorumBadSignature(t *testing.T) {
	v := NewVerifier(fullQuorum())
	subject := ResetSubject("flight-7", 1)

	pub, _ := testKey(t)
	_, otherPriv := testKey(t)
	if err := v.Register("alice", model.RoleSafetyEngineer, pub); err != nil {
		t.Fatal(err)
	}

	err := v.Check(subject, []Endorsement{
		Endorse(otherPriv, "alice", model.RoleSafetyEngineer, subject),
	})
	if err == nil {
		t.Fatal("signature from wrong key should fail")
	}
}

func TestQuorumSubjectBindsSessionAndSeq(t *testing.T) {
	v := NewVerifier([]config.QuorumRule{
		{Role: string(model.RoleSafetyEngineer), Count: 1},
	})

	pub, priv := testKey(t)
	if err := v.Register("alice", model.RoleSafetyEngineer, pub); err != nil {
		t.Fatal(err)
	}

	signed := ResetSubject("flight-7", 12)
	e := Endorse(priv, "alice", model.RoleSafetyEngineer, signed)

	if err := v.Check(signed, []Endorsement{e}); err != nil {
		t.Fatalf("matching subject should verify: %v", err)
	}
	// Replay against a different chain position must fail.
	if err := v.Check(ResetSubject("flight-7", 13), []Endorsement{e}); err == nil {
		t.Fatal("endorsement replayed at a different seq should fail")
	}
	if err := v.Check(ResetSubject("flight-8", 12), []Endorsement{e}); err == nil {
		t.Fatal("endorsement replayed for a different session should fail")
	}
}

func TestLoadAuthorities(t *testing.T) {
	pub, priv := testKey(t)
	path := filepath.Join(t.TempDir(), "authorities.yaml")
	content := "authorities:\n" +
		"  - name: alice\n" +
		"    role: safety_engineer\n" +
		"    public_key: " + base64Key(pub) + "\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	v := NewVerifier([]config.QuorumRule{
		{Role: string(model.RoleSafetyEngineer), Count: 1},
	})
	if err := v.LoadAuthorities(path); err != nil {
		t.Fatalf("load authorities: %v", err)
	}

	subject := ResetSubject("flight-7", 3)
	e := Endorse(priv, "alice", model.RoleSafetyEngineer, subject)
	if err := v.Check(subject, []Endorsement{e}); err != nil {
		t.Fatalf("loaded authority should verify: %v", err)
	}
}

func TestLoadAuthoritiesRejectsUnknownRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorities.yaml")
	content := "authorities:\n" +
		"  - name: alice\n" +
		"    role: chief_vibes_officer\n" +
		"    public_key: AAAA\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	v := NewVerifier(nil)
	if err := v.LoadAuthorities(path); err == nil {
		t.Fatal("unknown role should be rejected")
	}
}

func TestTokenLifecycle(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	tok, err := store.Issue("flight-7", 12, "threat cleared, operators confirmed", 3, 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(tok.ID, "rst-") {
		t.Errorf("token id should start with rst-, got %q", tok.ID)
	}
	if !tok.IsActive() {
		t.Error("fresh token should be active")
	}

	got, err := store.Get(tok.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SessionID != "flight-7" || got.Seq != 12 {
		t.Errorf("token = %+v, want session flight-7 seq 12", got)
	}

	used, err := store.Use(tok.ID)
	if err != nil {
		t.Fatalf("use: %v", err)
	}
	if used.UsedAt == nil {
		t.Error("used token should carry UsedAt")
	}

	// Second use must fail.
	if _, err := store.Use(tok.ID); err == nil {
		t.Fatal("token should be single-use")
	}
}

func TestTokenRevoke(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	tok, err := store.Issue("flight-7", 1, "issued in error", 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Revoke(tok.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := store.Use(tok.ID); err == nil {
		t.Fatal("revoked token should not be usable")
	}
}

func TestTokenExpiry(t *testing.T) {
	tok := Token{
		ID:        "rst-deadbeef",
		CreatedAt: time.Now().UTC().Add(-time.Hour),
		ExpiresAt: time.Now().UTC().Add(-50 * time.Minute),
	}
	if tok.IsActive() {
		t.Error("expired token should not be active")
	}
}

func TestTokenDurationCap(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Issue("flight-7", 1, "x", 3, 2*time.Hour); err == nil {
		t.Fatal("duration beyond maximum should be rejected")
	}
}

func TestTokenList(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Issue("flight-7", uint64(i+1), "x", 3, 0); err != nil {
			t.Fatal(err)
		}
	}
	tokens, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 3 {
		t.Fatalf("got %d tokens, want 3", len(tokens))
	}
}

func TestStoreRejectsTraversalID(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get("../etc/passwd"); err == nil {
		t.Fatal("path traversal id should be rejected")
	}
}
