// Package auth verifies the bearer credentials presented on the event channel
// handshake and on the wager submission endpoint.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alanyoungcy/livewager/internal/domain"
)

// claims is the JWT body issued by the account service. The principal id is
// carried in the standard subject claim.
type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 bearer tokens.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier creates a Verifier. If issuer is empty the iss claim is not
// checked.
func NewVerifier(secret, issuer string, leeway time.Duration) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
		leeway: leeway,
		now:    time.Now,
	}
}

// Verify parses token and returns the principal it authenticates. Every
// failure wraps domain.ErrAuthentication.
func (v *Verifier) Verify(token string) (domain.Principal, error) {
	if strings.TrimSpace(token) == "" {
		return domain.Principal{}, fmt.Errorf("%w: missing bearer token", domain.ErrAuthentication)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Principal{}, fmt.Errorf("%w: token expired", domain.ErrAuthentication)
		}
		return domain.Principal{}, fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}

	if c.Subject == "" {
		return domain.Principal{}, fmt.Errorf("%w: token has no subject", domain.ErrAuthentication)
	}
	role, ok := domain.ParseRole(c.Role)
	if !ok {
		return domain.Principal{}, fmt.Errorf("%w: unknown role %q", domain.ErrAuthentication, c.Role)
	}

	return domain.Principal{
		ID:        c.Subject,
		Role:      role,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}

// PeekSubject returns the subject of token without verifying its signature.
// Clients use it to learn their own principal id; it grants nothing.
func PeekSubject(token string) (string, error) {
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}
	if c.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", domain.ErrAuthentication)
	}
	return c.Subject, nil
}

// Issuer mints tokens with the same secret a Verifier checks. It backs the
// operator CLI and tests; production tokens come from the account service.
type Issuer struct {
	secret []byte
	issuer string
}

// NewIssuer creates an Issuer.
func NewIssuer(secret, issuer string) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for p that expires after ttl.
func (i *Issuer) Issue(p domain.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Role: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// TokenFromRequest looks for a token in the Authorization header (Bearer
// scheme) and, when allowQuery is set, in the access_token query parameter.
// Browsers cannot set headers on a websocket handshake, hence the fallback.
func TokenFromRequest(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if allowQuery {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}
