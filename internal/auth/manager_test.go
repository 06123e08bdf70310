package auth

import (
	"errors"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	mgr := NewManager("secret")
	token, err := mgr.IssueToken("alice", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	userID, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if userID != "alice" {
		t.Fatalf("unexpected user %s", userID)
	}
}

func TestExpiredToken(t *testing.T) {
	mgr := NewManager("secret")
	token, err := mgr.IssueToken("alice", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := mgr.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTamperedToken(t *testing.T) {
	mgr := NewManager("secret")
	token, err := mgr.IssueToken("alice", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	other := NewManager("different-secret")
	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature rejection, got %v", err)
	}
	if _, err := mgr.ValidateToken(token + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected rejection of mangled token, got %v", err)
	}
}

func TestIssueTokenRejectsSeparator(t *testing.T) {
	mgr := NewManager("secret")
	if _, err := mgr.IssueToken("a|b", time.Minute); err == nil {
		t.Fatal("expected rejection of user id containing separator")
	}
}
