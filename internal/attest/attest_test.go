package attest

import (
	"strings"
	"testing"
	"time"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

func sample() (*domain.VerificationResult, *domain.ProposedFix) {
	fix := &domain.ProposedFix{
		ID: "fix-1",
		Actions: []domain.Action{{
			Type:   domain.ActionSetEnv,
			Target: domain.ResourceRef{Kind: "Deployment", Namespace: "demo", Name: "demo-api"},
			Params: map[string]string{"name": "DATABASE_URL", "configmap": "app-config"},
		}},
	}
	r := &domain.VerificationResult{
		IncidentID:     "inc-1",
		FixID:          fix.ID,
		Checks:         []domain.CheckResult{{Name: "rollout_ready", Required: true, Status: domain.CheckPassed}},
		Recommendation: domain.RecommendApply,
		CompletedAt:    time.Date(2026, 10, 14, 9, 0, 0, 0, time.FixedZone("CEST", 2*3600)),
	}
	return r, fix
}

func TestSignVerify(t *testing.T) {
	s, err := NewSigner(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatal(err)
	}
	r, fix := sample()
	if err := s.Sign(r, fix); err != nil {
		t.Fatal(err)
	}
	if r.Signature == "" || r.FixDigest == "" {
		t.Fatal("signature or digest not set")
	}
	if err := s.Verify(r, fix); err != nil {
		t.Errorf("expected valid signature, got %v", err)
	}

	// same seed, same key
	s2, _ := NewSigner(strings.Repeat("ab", 32))
	if s2.PublicKey() != s.PublicKey() {
		t.Error("seeded signers should share a key")
	}
	// timezone changes do not break the signature
	r.CompletedAt = r.CompletedAt.UTC()
	if err := s2.Verify(r, fix); err != nil {
		t.Errorf("UTC-normalised result should verify, got %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	s, err := NewSigner("")
	if err != nil {
		t.Fatal(err)
	}

	r, fix := sample()
	if err := s.Verify(r, fix); err != ErrUnsigned {
		t.Errorf("expected ErrUnsigned, got %v", err)
	}

	if err := s.Sign(r, fix); err != nil {
		t.Fatal(err)
	}
	r.Recommendation = domain.RecommendReject
	if err := s.Verify(r, fix); err != ErrBadSignature {
		t.Errorf("expected ErrBadSignature after edit, got %v", err)
	}

	r, fix = sample()
	_ = s.Sign(r, fix)
	fix.Actions[0].Params["configmap"] = "other"
	if err := s.Verify(r, fix); err != ErrDigestMismatch {
		t.Errorf("expected ErrDigestMismatch, got %v", err)
	}

	r, fix = sample()
	_ = s.Sign(r, fix)
	other, _ := NewSigner("")
	if err := other.Verify(r, fix); err != ErrBadSignature {
		t.Errorf("expected ErrBadSignature from another key, got %v", err)
	}
}

func TestNewSignerRejectsBadSeed(t *testing.T) {
	for _, seed := range []string{"abcd", strings.Repeat("zz", 32)} {
		if _, err := NewSigner(seed); err == nil {
			t.Errorf("seed %q should be rejected", seed)
		}
	}
}
