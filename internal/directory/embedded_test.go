package directory

import (
	"context"
	"testing"
	"time"

	"noctuaid/backend/internal/models"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"
)

func hashOf(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	assert.NoError(t, err)
	return string(hash)
}

func TestCheckCredentialsPasswordOnly(t *testing.T) {
	c := NewEmbeddedClient(nil)
	acct := &models.DirectoryAccount{
		Username:     "jdoe",
		PasswordHash: hashOf(t, "correct-password"),
	}

	assert.NoError(t, c.checkCredentials(acct, "correct-password", ""))
	assert.ErrorIs(t, c.checkCredentials(acct, "wrong", ""), ErrInvalidCredentials)
	// An unexpected OTP on an account without a token is ignored.
	assert.NoError(t, c.checkCredentials(acct, "correct-password", "123456"))
}

func TestCheckCredentialsWithTOTP(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "test", AccountName: "jdoe"})
	assert.NoError(t, err)

	c := NewEmbeddedClient(nil)
	acct := &models.DirectoryAccount{
		Username:     "jdoe",
		PasswordHash: hashOf(t, "correct-password"),
		TOTPSecret:   key.Secret(),
	}

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	assert.NoError(t, err)

	assert.NoError(t, c.checkCredentials(acct, "correct-password", code))
	// Missing or wrong OTP folds into invalid credentials, like
	// FreeIPA's password+otp check.
	assert.ErrorIs(t, c.checkCredentials(acct, "correct-password", ""), ErrInvalidCredentials)
	assert.ErrorIs(t, c.checkCredentials(acct, "correct-password", "000000"), ErrInvalidCredentials)
	assert.ErrorIs(t, c.checkCredentials(acct, "wrong", code), ErrInvalidCredentials)
}

func TestAddUserValidation(t *testing.T) {
	// Validation happens before any storage access.
	c := NewEmbeddedClient(nil)
	ctx := context.Background()

	err := c.AddUser(ctx, NewUser{Username: "has spaces", Password: "long-enough-pass"})
	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "username", validationErr.Field)

	err = c.AddUser(ctx, NewUser{Username: "jdoe", Password: "short"})
	var policyErr *PolicyError
	assert.ErrorAs(t, err, &policyErr)
}
