package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// GenesisSeal is the prev_seal for the first record of a new session chain.
const GenesisSeal = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// sealBytes returns the canonical content a seal covers: the draft plus
// sequence number and previous seal. The seal over this payload binds
// the record to all prior records in the chain.
func sealBytes(d Draft, seq uint64, prevSeal string) ([]byte, error) {
	payload := struct {
		Draft
		Seq      uint64 `json:"seq"`
		PrevSeal string `json:"prev_seal"`
	}{Draft: d, Seq: seq, PrevSeal: prevSeal}
	return json.Marshal(payload)
}

// ComputeSeal returns "sha256:<hex>" over the canonical record content.
func ComputeSeal(d Draft, seq uint64, prevSeal string) (string, error) {
	b, err := sealBytes(d, seq, prevSeal)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal seal payload: %w", err)
	}
	h := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// Signer attaches an external signature to each seal. The scheme is
// pluggable; the ledger only requires that signing is deterministic
// enough to verify out of band.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Algorithm() string
}

// NoopSigner leaves records unsigned. The hash chain alone still makes
// the ledger tamper-evident.
type NoopSigner struct{}

func (NoopSigner) Sign([]byte) ([]byte, error) { return nil, nil }
func (NoopSigner) Algorithm() string           { return "" }

// Ed25519Signer signs each seal with an ed25519 key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewEd25519Signer generates a fresh signing key.
func NewEd25519Signer() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ledger: generate signing key: %w", err)
	}
	return &Ed25519Signer{priv: priv}, nil
}

// NewEd25519SignerFromSeed builds a signer from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ledger: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Ed25519Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Public returns the verification key.
func (s *Ed25519Signer) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

func (s *Ed25519Signer) Algorithm() string { return "ed25519" }

// VerifySignature checks a record's signature against a public key.
func VerifySignature(pub ed25519.PublicKey, rec GovernanceRecord) error {
	if rec.Signature == "" {
		return fmt.Errorf("ledger: record %s/%d is unsigned", rec.SessionID, rec.Seq)
	}
	sig, err := base64.StdEncoding.DecodeString(rec.Signature)
	if err != nil {
		return fmt.Errorf("ledger: decode signature: %w", err)
	}
	if !ed25519.Verify(pub, []byte(rec.Seal), sig) {
		return fmt.Errorf("ledger: signature mismatch for %s/%d", rec.SessionID, rec.Seq)
	}
	return nil
}
