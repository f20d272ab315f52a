// Package attest signs verification results so the apply gate can tell a
// result produced by the shadow manager from one assembled elsewhere.
package attest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

var (
	ErrUnsigned       = errors.New("verification result is not signed")
	ErrBadSignature   = errors.New("verification result signature is invalid")
	ErrDigestMismatch = errors.New("verification result was produced for a different fix")
)

// Signer signs and verifies results with one Ed25519 key pair.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner derives the key pair from a hex-encoded 32-byte seed. An empty
// seed generates an ephemeral key; results then only verify within this
// process.
func NewSigner(seedHex string) (*Signer, error) {
	seedHex = strings.TrimSpace(seedHex)
	if seedHex == "" {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		return &Signer{priv: priv, pub: pub}, nil
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid attestation seed: must be %d hex-encoded bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKey returns the hex-encoded verification key.
func (s *Signer) PublicKey() string { return hex.EncodeToString(s.pub) }

// Digest is the sha256 of the fix's canonical JSON.
func Digest(fix *domain.ProposedFix) string {
	raw, _ := json.Marshal(fix)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Sign binds r to fix and stores the signature in r.
func (s *Signer) Sign(r *domain.VerificationResult, fix *domain.ProposedFix) error {
	r.FixDigest = Digest(fix)
	payload, err := canonical(r)
	if err != nil {
		return err
	}
	r.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, payload))
	return nil
}

// Verify checks that r carries a valid signature and was produced for fix.
func (s *Signer) Verify(r *domain.VerificationResult, fix *domain.ProposedFix) error {
	if r.Signature == "" {
		return ErrUnsigned
	}
	if r.FixDigest != Digest(fix) {
		return ErrDigestMismatch
	}
	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		return ErrBadSignature
	}
	payload, err := canonical(r)
	if err != nil {
		return err
	}
	if !ed25519.Verify(s.pub, payload, sig) {
		return ErrBadSignature
	}
	return nil
}

// canonical is the signed form of r: its JSON with the signature cleared
// and timestamps in UTC.
func canonical(r *domain.VerificationResult) ([]byte, error) {
	c := *r
	c.Signature = ""
	c.CompletedAt = c.CompletedAt.UTC()
	payload, err := json.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("marshal verification result: %w", err)
	}
	return payload, nil
}
