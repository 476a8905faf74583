package directory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// UserRecord is a read-only view of a directory entry. The
// LastPasswordChange timestamp is the freshness epoch reset tokens are
// bound to; it has second precision on every backend.
type UserRecord struct {
	Username           string
	Mail               string
	FirstName          string
	LastName           string
	LastPasswordChange time.Time
}

// NewUser carries the fields needed to create a directory entry.
type NewUser struct {
	Username  string
	FirstName string
	LastName  string
	Mail      string
	Password  string
}

// Sentinel errors returned by Client implementations. Anything not in
// this closed set must be wrapped in *BackendError so callers can
// handle the unclassified case explicitly.
var (
	ErrNotFound           = errors.New("directory: user not found")
	ErrInvalidCredentials = errors.New("directory: invalid credentials")
	ErrPasswordExpired    = errors.New("directory: password expired, must be changed")
	ErrDuplicate          = errors.New("directory: user already exists")
)

// PolicyError reports a new password rejected by the directory's
// password policy.
type PolicyError struct {
	Detail string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("directory: password policy violation: %s", e.Detail)
}

// ValidationError reports a per-field rejection during user creation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("directory: invalid %s: %s", e.Field, e.Message)
}

// BackendError wraps any directory failure outside the typed set above:
// transport errors, server faults, unknown error codes.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("directory: %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Client is the portal's view of the identity directory. All calls are
// synchronous and carry no internal retry; failures are surfaced to the
// caller.
type Client interface {
	// ShowUser fetches a user entry. Returns ErrNotFound for unknown
	// usernames.
	ShowUser(ctx context.Context, username string) (*UserRecord, error)

	// Authenticate verifies a username/password (and OTP when the
	// account has a token enrolled). Returns ErrInvalidCredentials,
	// ErrPasswordExpired, or a *BackendError.
	Authenticate(ctx context.Context, username, password, otp string) error

	// ChangePassword changes a password as the user, supplying the
	// current password and optional OTP. Returns ErrInvalidCredentials
	// when the old password or OTP is wrong, *PolicyError when the new
	// password is rejected by policy.
	ChangePassword(ctx context.Context, username, newPassword, oldPassword, otp string) error

	// SetPasswordAdmin force-sets a password with administrative
	// credentials. The directory marks the password as expired, so the
	// user must change it at next login.
	SetPasswordAdmin(ctx context.Context, username, newPassword string) error

	// AddUser creates a directory entry. Returns ErrDuplicate,
	// *ValidationError or *PolicyError.
	AddUser(ctx context.Context, user NewUser) error
}
