package sim

import (
	"testing"
	"time"
)

func TestTokenRoundtrip(t *testing.T) {
	tok, err := MintToken("secret", "p1", "passenger", time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	id, err := VerifyToken("secret", tok)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if id.Subject != "p1" || id.Role != "passenger" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	tok, err := MintToken("secret", "p1", "passenger", time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	if _, err := VerifyToken("other", tok); err == nil {
		t.Fatal("a token signed with another secret must not verify")
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	tok, err := MintToken("secret", "p1", "passenger", -time.Minute)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	if _, err := VerifyToken("secret", tok); err == nil {
		t.Fatal("an expired token must not verify")
	}
}

func TestVerifyToken_Garbage(t *testing.T) {
	if _, err := VerifyToken("secret", "not-a-jwt"); err == nil {
		t.Fatal("garbage must not verify")
	}
}
