package ledger

import (
	"path/filepath"
	"testing"

	"github.com/loopgate/loopgate/internal/model"
)

func TestComputeSealIsDeterministic(t *testing.T) {
	d := Draft{
		SessionID:  "flight-7",
		Timestamp:  "2026-08-29T10:00:00.000Z",
		Confidence: 0.96,
		Vector:     model.GovernanceVector{AttackRisk: 0.2},
	}

	s1, err := ComputeSeal(d, 1, GenesisSeal)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	s2, err := ComputeSeal(d, 1, GenesisSeal)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("same draft sealed differently: %s vs %s", s1, s2)
	}
}

func TestSealChangesWithAnyInput(t *testing.T) {
	base := Draft{SessionID: "flight-7", Timestamp: "2026-08-29T10:00:00.000Z", Confidence: 0.96}
	baseline, _ := ComputeSeal(base, 1, GenesisSeal)

	altered := base
	altered.Confidence = 0.97
	if s, _ := ComputeSeal(altered, 1, GenesisSeal); s == baseline {
		t.Fatal("content change did not change seal")
	}

	if s, _ := ComputeSeal(base, 2, GenesisSeal); s == baseline {
		t.Fatal("sequence change did not change seal")
	}

	if s, _ := ComputeSeal(base, 1, "sha256:ffff"); s == baseline {
		t.Fatal("prev seal change did not change seal")
	}
}

func TestEd25519SignedRecords(t *testing.T) {
	signer, err := NewEd25519Signer()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"), signer)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	rec, err := l.Append(Draft{
		SessionID: "flight-7",
		FromState: model.OnTheLoop,
		NewState:  model.OnTheLoop,
		Reason:    model.ReasonConfidenceOK,
		Decision:  model.AutonomousApproved,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if rec.SigAlg != "ed25519" {
		t.Fatalf("sig_alg = %s, want ed25519", rec.SigAlg)
	}
	if err := VerifySignature(signer.Public(), rec); err != nil {
		t.Fatalf("signature verify: %v", err)
	}

	// A different key must reject it.
	other, _ := NewEd25519Signer()
	if err := VerifySignature(other.Public(), rec); err == nil {
		t.Fatal("foreign key accepted the signature")
	}
}

func TestSignerFromSeedIsStable(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}

	s1, err := NewEd25519SignerFromSeed(seed)
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	s2, _ := NewEd25519SignerFromSeed(seed)

	sig1, _ := s1.Sign([]byte("seal"))
	sig2, _ := s2.Sign([]byte("seal"))
	if string(sig1) != string(sig2) {
		t.Fatal("same seed produced different signatures")
	}

	if _, err := NewEd25519SignerFromSeed(seed[:16]); err == nil {
		t.Fatal("short seed accepted")
	}
}
