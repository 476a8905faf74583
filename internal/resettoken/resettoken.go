// Package resettoken issues and verifies the signed, self-contained
// credentials used by the forgotten-password flow. A token binds a
// username to the user's last-password-change timestamp at issuance, so
// any later password change invalidates it regardless of expiry.
package resettoken

import (
	"errors"
	"fmt"
	"time"

	"noctuaid/backend/internal/directory"

	"github.com/golang-jwt/jwt/v5"
)

// ErrDecode covers every way a raw token string can fail verification:
// bad signature, truncation, wrong structure. Callers never see a
// partially-trusted token.
var ErrDecode = errors.New("resettoken: invalid token")

type claims struct {
	LastPasswordChange int64 `json:"lpc"`
	jwt.RegisteredClaims
}

// Token is a parsed, signature-verified reset token.
type Token struct {
	Username           string
	IssuedAt           time.Time
	ExpiresAt          time.Time
	LastPasswordChange time.Time
}

// Expired reports whether the token's lifetime has elapsed at now.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Fresh reports whether the bound user's password is unchanged since
// issuance. A mismatch means the token is stale and must be rejected.
func (t *Token) Fresh(user *directory.UserRecord) bool {
	return t.LastPasswordChange.Equal(user.LastPasswordChange.Truncate(time.Second))
}

// Service signs and parses reset tokens with a process-wide key.
type Service struct {
	signingKey []byte
	lifetime   time.Duration
	now        func() time.Time
}

func NewService(signingKey string, lifetime time.Duration, clock func() time.Time) (*Service, error) {
	if signingKey == "" {
		return nil, fmt.Errorf("resettoken: signing key must not be empty")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Service{signingKey: []byte(signingKey), lifetime: lifetime, now: clock}, nil
}

// Issue creates a signed token for user, expiring after the configured
// lifetime. The serialized form is URL-safe.
func (s *Service) Issue(user *directory.UserRecord) (string, error) {
	now := s.now()
	c := claims{
		LastPasswordChange: user.LastPasswordChange.Truncate(time.Second).Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("resettoken: signing failed: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and structure of a raw token string.
// Expiry is deliberately not enforced here: the flow checks it
// separately so an expired token can be reported as such rather than as
// garbage.
func (s *Service) Parse(raw string) (*Token, error) {
	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !token.Valid {
		return nil, ErrDecode
	}
	if c.Subject == "" || c.ExpiresAt == nil || c.IssuedAt == nil {
		return nil, ErrDecode
	}
	return &Token{
		Username:           c.Subject,
		IssuedAt:           c.IssuedAt.Time,
		ExpiresAt:          c.ExpiresAt.Time,
		LastPasswordChange: time.Unix(c.LastPasswordChange, 0).UTC(),
	}, nil
}
