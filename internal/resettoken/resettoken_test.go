package resettoken

import (
	"strings"
	"testing"
	"time"

	"noctuaid/backend/internal/directory"

	"github.com/stretchr/testify/assert"
)

func testUser() *directory.UserRecord {
	return &directory.UserRecord{
		Username:           "jdoe",
		Mail:               "jdoe@example.com",
		LastPasswordChange: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestService(t *testing.T, now time.Time) *Service {
	t.Helper()
	svc, err := NewService("test-signing-key", time.Hour, func() time.Time { return now })
	assert.NoError(t, err)
	return svc
}

func TestIssueParseRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)
	user := testUser()

	raw, err := svc.Issue(user)
	assert.NoError(t, err)
	assert.NotEmpty(t, raw)
	// Token travels as a query parameter, so it must be URL-safe.
	assert.NotContains(t, raw, "+")
	assert.NotContains(t, raw, "/")

	token, err := svc.Parse(raw)
	assert.NoError(t, err)
	assert.Equal(t, "jdoe", token.Username)
	assert.True(t, token.Fresh(user))
	assert.False(t, token.Expired(now))
	assert.Equal(t, now.Add(time.Hour).Unix(), token.ExpiresAt.Unix())
}

func TestParseRejectsMalformedTokens(t *testing.T) {
	now := time.Now()
	svc := newTestService(t, now)

	raw, err := svc.Issue(testUser())
	assert.NoError(t, err)

	cases := map[string]string{
		"empty":     "",
		"garbage":   "not-a-token",
		"truncated": raw[:len(raw)/2],
		"tampered":  raw[:len(raw)-4] + "AAAA",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			token, err := svc.Parse(input)
			assert.ErrorIs(t, err, ErrDecode)
			assert.Nil(t, token)
		})
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	now := time.Now()
	svc := newTestService(t, now)
	other, err := NewService("a-different-key", time.Hour, func() time.Time { return now })
	assert.NoError(t, err)

	raw, err := svc.Issue(testUser())
	assert.NoError(t, err)

	_, err = other.Parse(raw)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestFreshnessDetectsPasswordChange(t *testing.T) {
	now := time.Now()
	svc := newTestService(t, now)
	user := testUser()

	raw, err := svc.Issue(user)
	assert.NoError(t, err)
	token, err := svc.Parse(raw)
	assert.NoError(t, err)

	// The password changed after issuance: the token must be stale
	// regardless of expiry.
	changed := *user
	changed.LastPasswordChange = user.LastPasswordChange.Add(5 * time.Second)
	assert.False(t, token.Fresh(&changed))
	assert.True(t, token.Fresh(user))
	assert.False(t, token.Expired(now))
}

func TestExpiry(t *testing.T) {
	now := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)

	raw, err := svc.Issue(testUser())
	assert.NoError(t, err)
	token, err := svc.Parse(raw)
	assert.NoError(t, err)

	assert.False(t, token.Expired(now.Add(59*time.Minute)))
	assert.True(t, token.Expired(now.Add(61*time.Minute)))
}

func TestParseDoesNotEnforceExpiryItself(t *testing.T) {
	// An expired token still parses; the flow reports expiry as its
	// own outcome instead of a decode failure.
	now := time.Now().Add(-2 * time.Hour)
	svc := newTestService(t, now)

	raw, err := svc.Issue(testUser())
	assert.NoError(t, err)

	token, err := svc.Parse(raw)
	assert.NoError(t, err)
	assert.True(t, token.Expired(time.Now()))
}

func TestNewServiceRequiresKey(t *testing.T) {
	_, err := NewService("", time.Hour, nil)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "signing key"))
}
