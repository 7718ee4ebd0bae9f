package chat

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokens_RoundTrip(t *testing.T) {
	tokens, err := NewTokens(AuthConfig{Secret: "s3cret", Issuer: "chatguard"})
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	token, err := tokens.IssueToken("alice")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	userID, err := tokens.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "alice" {
		t.Errorf("user = %q, want alice", userID)
	}
}

func TestNewTokens_RequiresSecret(t *testing.T) {
	if _, err := NewTokens(AuthConfig{}); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestTokens_Rejects(t *testing.T) {
	issuer, _ := NewTokens(AuthConfig{Secret: "s3cret", Issuer: "chatguard", TokenTTL: time.Minute})
	verifier, _ := NewTokens(AuthConfig{Secret: "s3cret", Issuer: "chatguard"})

	expired, _ := issuer.IssueToken("alice")
	verifier.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	wrongKey, _ := NewTokens(AuthConfig{Secret: "other", Issuer: "chatguard"})
	forged, _ := wrongKey.IssueToken("alice")

	otherIssuer, _ := NewTokens(AuthConfig{Secret: "s3cret", Issuer: "someone-else"})
	foreign, _ := otherIssuer.IssueToken("alice")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "alice"})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"wrong key", forged},
		{"wrong issuer", foreign},
		{"alg none", unsigned},
		{"garbage", "abc.def.ghi"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := verifier.Verify(tt.token); err == nil {
				t.Error("expected verification failure")
			}
		})
	}
}
