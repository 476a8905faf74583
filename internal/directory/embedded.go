package directory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"noctuaid/backend/internal/models"
	phxlog "noctuaid/backend/pkg/log"

	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// minPasswordLength is the embedded directory's only policy rule.
const minPasswordLength = 8

var usernameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// EmbeddedClient implements Client on top of the portal's own Postgres
// database. It exists for development and small standalone deployments;
// production points at FreeIPA instead.
type EmbeddedClient struct {
	db *gorm.DB
}

func NewEmbeddedClient(db *gorm.DB) *EmbeddedClient {
	return &EmbeddedClient{db: db}
}

func (c *EmbeddedClient) account(ctx context.Context, username string) (*models.DirectoryAccount, error) {
	var acct models.DirectoryAccount
	err := c.db.WithContext(ctx).Where("username = ?", username).First(&acct).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, &BackendError{Op: "fetch account", Err: err}
	}
	return &acct, nil
}

func (c *EmbeddedClient) ShowUser(ctx context.Context, username string) (*UserRecord, error) {
	acct, err := c.account(ctx, username)
	if err != nil {
		return nil, err
	}
	return &UserRecord{
		Username:           acct.Username,
		Mail:               acct.Mail,
		FirstName:          acct.FirstName,
		LastName:           acct.LastName,
		LastPasswordChange: acct.LastPasswordChange.Truncate(time.Second),
	}, nil
}

// checkCredentials verifies the password and, when a token is enrolled,
// the OTP. A wrong OTP is reported as ErrInvalidCredentials, matching
// how FreeIPA folds the second factor into the password check.
func (c *EmbeddedClient) checkCredentials(acct *models.DirectoryAccount, password, otpCode string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	if acct.TOTPSecret != "" {
		if otpCode == "" || !totp.Validate(otpCode, acct.TOTPSecret) {
			return ErrInvalidCredentials
		}
	}
	return nil
}

func (c *EmbeddedClient) Authenticate(ctx context.Context, username, password, otpCode string) error {
	acct, err := c.account(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Do not reveal whether the account exists at login.
			return ErrInvalidCredentials
		}
		return err
	}
	if err := c.checkCredentials(acct, password, otpCode); err != nil {
		return err
	}
	if acct.PasswordExpired {
		return ErrPasswordExpired
	}
	return nil
}

func (c *EmbeddedClient) ChangePassword(ctx context.Context, username, newPassword, oldPassword, otpCode string) error {
	acct, err := c.account(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	if err := c.checkCredentials(acct, oldPassword, otpCode); err != nil {
		return err
	}
	if len(newPassword) < minPasswordLength {
		return &PolicyError{Detail: fmt.Sprintf("password must be at least %d characters long", minPasswordLength)}
	}
	return c.setPassword(ctx, acct, newPassword, false)
}

func (c *EmbeddedClient) SetPasswordAdmin(ctx context.Context, username, newPassword string) error {
	acct, err := c.account(ctx, username)
	if err != nil {
		return err
	}
	// Admin-set passwords are expired on arrival, as in FreeIPA: the
	// user must change the password at next login.
	return c.setPassword(ctx, acct, newPassword, true)
}

func (c *EmbeddedClient) setPassword(ctx context.Context, acct *models.DirectoryAccount, newPassword string, expired bool) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return &BackendError{Op: "hash password", Err: err}
	}
	updates := map[string]interface{}{
		"password_hash":        string(hash),
		"password_expired":     expired,
		"last_password_change": time.Now().UTC().Truncate(time.Second),
	}
	if err := c.db.WithContext(ctx).Model(acct).Updates(updates).Error; err != nil {
		return &BackendError{Op: "update password", Err: err}
	}
	phxlog.L.Debug("Embedded directory password updated",
		zap.String("username", acct.Username),
		zap.Bool("expired", expired))
	return nil
}

func (c *EmbeddedClient) AddUser(ctx context.Context, user NewUser) error {
	username := strings.TrimSpace(strings.ToLower(user.Username))
	if !usernameRe.MatchString(username) {
		return &ValidationError{Field: "username", Message: "may only contain lowercase letters, digits, '_', '-' and '.'"}
	}
	if len(user.Password) < minPasswordLength {
		return &PolicyError{Detail: fmt.Sprintf("password must be at least %d characters long", minPasswordLength)}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		return &BackendError{Op: "hash password", Err: err}
	}
	acct := models.DirectoryAccount{
		Username:           username,
		Mail:               strings.TrimSpace(user.Mail),
		FirstName:          strings.TrimSpace(user.FirstName),
		LastName:           strings.TrimSpace(user.LastName),
		PasswordHash:       string(hash),
		LastPasswordChange: time.Now().UTC().Truncate(time.Second),
	}
	if err := c.db.WithContext(ctx).Create(&acct).Error; err != nil {
		if strings.Contains(err.Error(), "duplicate") || strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicate
		}
		return &BackendError{Op: "create account", Err: err}
	}
	return nil
}
