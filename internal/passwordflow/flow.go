// Package passwordflow drives the two password-change state machines:
// the authenticated self-change and the two-phase forgotten-password
// reset. It translates directory backend failures into a closed set of
// user-facing outcomes and never lets an unclassified backend error
// escape untyped.
package passwordflow

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"noctuaid/backend/internal/directory"
	"noctuaid/backend/internal/resetlock"
	"noctuaid/backend/internal/resettoken"
	phxlog "noctuaid/backend/pkg/log"
	phxmetrics "noctuaid/backend/pkg/metrics"

	"go.uber.org/zap"
)

// Mailer sends the reset email. Satisfied by notifications.EmailNotifier.
type Mailer interface {
	SendEmail(to, subject, bodyHTML, bodyText string) error
}

// Outcome errors. Everything a flow can return is one of these or nil.
var (
	// ErrTransient is the generic retryable failure: mail outage,
	// storage trouble, unclassified backend error. Details are logged
	// server-side, never shown to the user.
	ErrTransient = errors.New("passwordflow: temporary failure, please try again")
)

// FieldError is a user-correctable error scoped to a single form field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Message) }

// RateLimitedError reports an outstanding reset request for the same
// username; RetryIn is the remaining cooldown.
type RateLimitedError struct {
	RetryIn time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("a password reset was already requested, retry in %s", e.RetryIn.Round(time.Second))
}

// TokenRestartError means the presented token cannot be used (decode
// failure, cooldown expired, or stale after a password change) and the
// user must restart the request phase.
type TokenRestartError struct {
	Reason string // "invalid", "expired", "stale"
}

func (e *TokenRestartError) Error() string {
	return fmt.Sprintf("reset token unusable (%s), request a new one", e.Reason)
}

// PolicyExpiredError reports that phase two force-set the temporary
// credential but the user's chosen password was rejected by policy. The
// account is left on the temporary credential, marked expired, and the
// user will be asked to change it after logging in.
type PolicyExpiredError struct {
	Detail string
}

func (e *PolicyExpiredError) Error() string {
	return fmt.Sprintf("password changed but violates policy (%s); it has been set as expired", e.Detail)
}

// OTPRetryError reports a wrong OTP during phase two. The account now
// sits on the temporary credential, which invalidated the presented
// token, so a fresh token is substituted for an immediate retry. The
// lock is intentionally kept.
type OTPRetryError struct {
	FreshToken string
}

func (e *OTPRetryError) Error() string { return "incorrect OTP value" }

// Session is a validated consume-phase context: the token passed every
// check and the user may be shown the new-password step.
type Session struct {
	Token *resettoken.Token
	User  *directory.UserRecord
}

// Flow holds the injected capabilities of both state machines.
type Flow struct {
	dir     directory.Client
	locks   *resetlock.Service
	tokens  *resettoken.Service
	mailer  Mailer
	baseURL string
	tempLen int
	now     func() time.Time
}

type Options struct {
	Directory       directory.Client
	Locks           *resetlock.Service
	Tokens          *resettoken.Service
	Mailer          Mailer
	FrontendBaseURL string
	TempPasswordLen int
	Clock           func() time.Time
}

func New(opts Options) *Flow {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.TempPasswordLen <= 0 {
		opts.TempPasswordLen = 24
	}
	return &Flow{
		dir:     opts.Directory,
		locks:   opts.Locks,
		tokens:  opts.Tokens,
		mailer:  opts.Mailer,
		baseURL: opts.FrontendBaseURL,
		tempLen: opts.TempPasswordLen,
		now:     opts.Clock,
	}
}

// ChangeOwnPassword is the authenticated self-change (machine A). The
// reset lock plays no part here; it guards the unauthenticated flow
// only.
func (f *Flow) ChangeOwnPassword(ctx context.Context, username, currentPassword, newPassword, otp string) error {
	log := phxlog.L.Named("passwordflow").With(zap.String("username", username))

	err := f.dir.ChangePassword(ctx, username, newPassword, currentPassword, otp)
	var policyErr *directory.PolicyError
	switch {
	case err == nil:
		phxmetrics.PasswordChangeCounter.WithLabelValues("self", "success").Inc()
		log.Info("Password changed")
		return nil
	case errors.Is(err, directory.ErrInvalidCredentials):
		phxmetrics.PasswordChangeCounter.WithLabelValues("self", "invalid_credentials").Inc()
		return &FieldError{Field: "current_password", Message: "The old password or username is not correct"}
	case errors.As(err, &policyErr):
		phxmetrics.PasswordChangeCounter.WithLabelValues("self", "policy_violation").Inc()
		return &FieldError{Field: "new_password", Message: policyErr.Detail}
	default:
		phxmetrics.PasswordChangeCounter.WithLabelValues("self", "error").Inc()
		log.Error("Unhandled directory error while changing password", zap.Error(err))
		return ErrTransient
	}
}

// RequestReset is the request phase of the forgotten-password flow:
// cooldown check, user lookup, token issuance, email, then lock store.
// The lock is written only after the email went out, so a failed send
// leaves the user free to retry immediately.
func (f *Flow) RequestReset(ctx context.Context, username string) error {
	log := phxlog.L.Named("passwordflow").With(zap.String("username", username))

	held, wait, err := f.locks.Held(ctx, username)
	if err != nil {
		log.Error("Reset lock storage unavailable", zap.Error(err))
		return ErrTransient
	}
	if held {
		phxmetrics.ResetRequestCounter.WithLabelValues("rate_limited").Inc()
		return &RateLimitedError{RetryIn: wait}
	}

	user, err := f.dir.ShowUser(ctx, username)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			phxmetrics.ResetRequestCounter.WithLabelValues("unknown_user").Inc()
			// Faithful to the original behavior: the message reveals
			// account existence. Known enumeration side channel.
			return &FieldError{Field: "username", Message: fmt.Sprintf("User %s does not exist", username)}
		}
		log.Error("User lookup failed during reset request", zap.Error(err))
		return ErrTransient
	}

	token, err := f.tokens.Issue(user)
	if err != nil {
		log.Error("Failed to issue reset token", zap.Error(err))
		return ErrTransient
	}

	if err := f.sendResetMail(user, token); err != nil {
		phxmetrics.ResetRequestCounter.WithLabelValues("mail_failure").Inc()
		log.Error("Could not send password reset email", zap.Error(err))
		return ErrTransient
	}

	if err := f.locks.Store(ctx, username); err != nil {
		// The email is already out; a failed lock write only weakens
		// rate limiting for this window.
		log.Error("Failed to store reset lock", zap.Error(err))
	}
	phxmetrics.ResetRequestCounter.WithLabelValues("sent").Inc()
	log.Info("Password reset requested, token sent")
	return nil
}

func (f *Flow) sendResetMail(user *directory.UserRecord, token string) error {
	link := fmt.Sprintf("%s/forgot-password/change?token=%s", f.baseURL, token)
	text := fmt.Sprintf(
		"Someone (hopefully you) requested a password reset for the account %q.\n"+
			"Open the link below to choose a new password:\n\n%s\n\n"+
			"If you did not request this, you can ignore this email.\n", user.Username, link)
	html := fmt.Sprintf(`<h2>Password reset procedure</h2>
<p>Someone (hopefully you) requested a password reset for the account <b>%s</b>.</p>
<p><a href="%s">Choose a new password</a></p>
<p>If you did not request this, you can ignore this email.</p>`, user.Username, link)

	return f.mailer.SendEmail(user.Mail, "Password reset procedure", html, text)
}

// BeginReset validates a raw token string for the consume phase:
// signature, live lock, and freshness against the current directory
// record. Stale or expired state drops the lock so the user can start
// over.
func (f *Flow) BeginReset(ctx context.Context, rawToken string) (*Session, error) {
	log := phxlog.L.Named("passwordflow")

	token, err := f.tokens.Parse(rawToken)
	if err != nil {
		return nil, &TokenRestartError{Reason: "invalid"}
	}
	log = log.With(zap.String("username", token.Username))

	if token.Expired(f.now()) {
		if err := f.locks.Release(ctx, token.Username); err != nil {
			log.Warn("Failed to delete reset lock for expired token", zap.Error(err))
		}
		return nil, &TokenRestartError{Reason: "expired"}
	}

	validUntil, err := f.locks.ValidUntil(ctx, token.Username)
	if err != nil {
		log.Error("Reset lock storage unavailable", zap.Error(err))
		return nil, ErrTransient
	}
	if validUntil == nil || f.now().After(*validUntil) {
		if err := f.locks.Release(ctx, token.Username); err != nil {
			log.Warn("Failed to delete stale reset lock", zap.Error(err))
		}
		return nil, &TokenRestartError{Reason: "expired"}
	}

	user, err := f.dir.ShowUser(ctx, token.Username)
	if err != nil {
		log.Error("User lookup failed during reset consume", zap.Error(err))
		return nil, ErrTransient
	}
	if !token.Fresh(user) {
		if err := f.locks.Release(ctx, token.Username); err != nil {
			log.Warn("Failed to delete reset lock for stale token", zap.Error(err))
		}
		return nil, &TokenRestartError{Reason: "stale"}
	}

	return &Session{Token: token, User: user}, nil
}

// CompleteReset runs phase two for a validated session: force-set a
// temporary random credential with admin rights, then change to the
// user's chosen password as the user. The intermediate step means a
// failure in the second call never leaves the user's chosen password
// half-applied.
func (f *Flow) CompleteReset(ctx context.Context, session *Session, newPassword, otp string) error {
	username := session.User.Username
	log := phxlog.L.Named("passwordflow").With(zap.String("username", username))

	tempPassword, err := randomPassword(f.tempLen)
	if err != nil {
		log.Error("Failed to generate temporary credential", zap.Error(err))
		return ErrTransient
	}

	if err := f.dir.SetPasswordAdmin(ctx, username, tempPassword); err != nil {
		phxmetrics.PasswordChangeCounter.WithLabelValues("forgotten", "error").Inc()
		log.Error("Failed to force-set temporary credential", zap.Error(err))
		return ErrTransient
	}

	err = f.dir.ChangePassword(ctx, username, newPassword, tempPassword, otp)
	var policyErr *directory.PolicyError
	switch {
	case err == nil:
		if err := f.locks.Release(ctx, username); err != nil {
			log.Warn("Failed to delete reset lock after successful reset", zap.Error(err))
		}
		phxmetrics.PasswordChangeCounter.WithLabelValues("forgotten", "success").Inc()
		log.Info("Password changed after completing the forgotten password process")
		return nil

	case errors.As(err, &policyErr):
		// The account is left on the temporary credential, marked
		// expired by the directory. The reset is over either way, so
		// the lock goes away.
		if err := f.locks.Release(ctx, username); err != nil {
			log.Warn("Failed to delete reset lock after policy failure", zap.Error(err))
		}
		phxmetrics.PasswordChangeCounter.WithLabelValues("forgotten", "policy_violation").Inc()
		log.Info("Password changed to a non-compliant password after the forgotten password process",
			zap.String("policy_error", policyErr.Detail))
		return &PolicyExpiredError{Detail: policyErr.Detail}

	case errors.Is(err, directory.ErrInvalidCredentials):
		// Wrong OTP. The temporary credential is now the current
		// password, which invalidated the presented token; issue a
		// fresh one so the user can retry without a new email. The lock
		// stays: we are still inside the same cooldown window.
		log.Info("Password left on temporary credential because the provided OTP was wrong")
		user, err := f.dir.ShowUser(ctx, username)
		if err != nil {
			log.Error("User refetch failed after OTP failure", zap.Error(err))
			return ErrTransient
		}
		fresh, err := f.tokens.Issue(user)
		if err != nil {
			log.Error("Failed to re-issue reset token after OTP failure", zap.Error(err))
			return ErrTransient
		}
		phxmetrics.PasswordChangeCounter.WithLabelValues("forgotten", "invalid_credentials").Inc()
		return &OTPRetryError{FreshToken: fresh}

	default:
		phxmetrics.PasswordChangeCounter.WithLabelValues("forgotten", "error").Inc()
		log.Error("Unhandled directory error while completing reset", zap.Error(err))
		return ErrTransient
	}
}

const tempPasswordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomPassword returns a high-entropy throwaway secret. Letters and
// digits only, long enough that any sane password policy accepts it, so
// the force-set step cannot itself trip on policy.
func randomPassword(length int) (string, error) {
	buf := make([]byte, length)
	max := big.NewInt(int64(len(tempPasswordAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = tempPasswordAlphabet[n.Int64()]
	}
	return string(buf), nil
}
