package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanyoungcy/livewager/internal/domain"
)

func TestVerifyRoundTrip(t *testing.T) {
	iss := NewIssuer("s3cret", "accounts")
	v := NewVerifier("s3cret", "accounts", 0)

	tok, err := iss.Issue(domain.Principal{ID: "42", Role: domain.RolePunter}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.ID != "42" || p.Role != domain.RolePunter {
		t.Errorf("got %+v", p)
	}
	if p.ExpiresAt.IsZero() {
		t.Error("expected expiry to be populated")
	}
}

func TestVerifyRejects(t *testing.T) {
	good := NewIssuer("s3cret", "accounts")
	v := NewVerifier("s3cret", "accounts", 0)

	valid, _ := good.Issue(domain.Principal{ID: "1", Role: domain.RoleAdmin}, time.Minute)
	expired, _ := good.Issue(domain.Principal{ID: "1", Role: domain.RoleAdmin}, -time.Minute)
	wrongKey, _ := NewIssuer("other", "accounts").Issue(domain.Principal{ID: "1", Role: domain.RoleAdmin}, time.Minute)
	wrongIss, _ := NewIssuer("s3cret", "elsewhere").Issue(domain.Principal{ID: "1", Role: domain.RoleAdmin}, time.Minute)
	badRole, _ := good.Issue(domain.Principal{ID: "1", Role: "ROOT"}, time.Minute)
	noSubject, _ := good.Issue(domain.Principal{Role: domain.RoleAdmin}, time.Minute)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"expired", expired},
		{"wrong key", wrongKey},
		{"wrong issuer", wrongIss},
		{"unknown role", badRole},
		{"no subject", noSubject},
		{"tampered", valid[:len(valid)-2] + "xx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			if !errors.Is(err, domain.ErrAuthentication) {
				t.Errorf("err = %v, want ErrAuthentication", err)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?access_token=q", nil)
	if got := TokenFromRequest(r, false); got != "" {
		t.Errorf("query token accepted while disabled: %q", got)
	}
	if got := TokenFromRequest(r, true); got != "q" {
		t.Errorf("got %q, want q", got)
	}
	r.Header.Set("Authorization", "Bearer h")
	if got := TokenFromRequest(r, true); got != "h" {
		t.Errorf("header should win, got %q", got)
	}
}

func TestPeekSubject(t *testing.T) {
	tok, err := NewIssuer("any-secret", "").Issue(domain.Principal{ID: "77", Role: domain.RolePunter}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := PeekSubject(tok); err != nil || got != "77" {
		t.Fatalf("PeekSubject = %q, %v", got, err)
	}
	if _, err := PeekSubject("garbage"); !errors.Is(err, domain.ErrAuthentication) {
		t.Fatalf("err = %v", err)
	}
}
