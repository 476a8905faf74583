package handlers

import (
	"errors"
	"net/http"

	"noctuaid/backend/internal/auth"
	"noctuaid/backend/internal/passwordflow"
	phxlog "noctuaid/backend/pkg/log"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ChangePasswordPayload struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
	OTP             string `json:"otp"`
}

// UserSettingsPasswordHandler is the authenticated self-service
// password change. The username comes from the session, never from the
// payload.
func UserSettingsPasswordHandler(c *gin.Context) {
	username := c.GetString("username")
	if username == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	var payload ChangePasswordPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}

	err := flow.ChangeOwnPassword(c.Request.Context(), username, payload.CurrentPassword, payload.NewPassword, payload.OTP)
	var fieldErr *passwordflow.FieldError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "Your password has been changed"})
	case errors.As(err, &fieldErr):
		c.JSON(http.StatusBadRequest, fieldError(fieldErr.Field, fieldErr.Message))
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not change password."})
	}
}

type ForgotPasswordPayload struct {
	Username string `json:"username" binding:"required"`
}

// ForgotPasswordHandler is the request phase of the forgotten-password
// flow: it emails a reset token and stores the rate-limit lock.
func ForgotPasswordHandler(c *gin.Context) {
	// A logged-in user has no business in the forgotten flow; point
	// them at the authenticated change instead.
	if username, ok := auth.SessionUsername(c); ok {
		c.JSON(http.StatusConflict, gin.H{
			"error":    "You are already logged in, change your password from your settings",
			"redirect": "/api/v1/users/me/password",
			"username": username,
		})
		return
	}

	var payload ForgotPasswordPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}

	err := flow.RequestReset(c.Request.Context(), payload.Username)
	var fieldErr *passwordflow.FieldError
	var rateErr *passwordflow.RateLimitedError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "An email has been sent to your address with instructions on how to reset your password"})
	case errors.As(err, &rateErr):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":               "You have already requested a password reset, you need to wait before you can request another",
			"retry_after_seconds": int(rateErr.RetryIn.Seconds()),
		})
	case errors.As(err, &fieldErr):
		c.JSON(http.StatusBadRequest, fieldError(fieldErr.Field, fieldErr.Message))
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "We could not send you an email, please retry later"})
	}
}

// ValidateResetTokenHandler checks a reset token before the new
// password form is shown. Unusable tokens direct the client back to
// the request phase.
func ValidateResetTokenHandler(c *gin.Context) {
	rawToken := c.Query("token")
	if rawToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No token provided, please request one", "restart": true})
		return
	}

	session, err := flow.BeginReset(c.Request.Context(), rawToken)
	var restartErr *passwordflow.TokenRestartError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"username": session.User.Username})
	case errors.As(err, &restartErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": restartMessage(restartErr), "restart": true})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Could not validate the token, please retry later"})
	}
}

type ResetPasswordPayload struct {
	Token       string `json:"token" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
	OTP         string `json:"otp"`
}

// ResetPasswordHandler is phase two of the forgotten-password flow: it
// re-validates the token, then performs the two-step forced change.
func ResetPasswordHandler(c *gin.Context) {
	log := phxlog.L.Named("ResetPasswordHandler")
	var payload ResetPasswordPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}

	session, err := flow.BeginReset(c.Request.Context(), payload.Token)
	var restartErr *passwordflow.TokenRestartError
	if errors.As(err, &restartErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": restartMessage(restartErr), "restart": true})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Could not validate the token, please retry later"})
		return
	}

	err = flow.CompleteReset(c.Request.Context(), session, payload.NewPassword, payload.OTP)
	var policyErr *passwordflow.PolicyExpiredError
	var otpErr *passwordflow.OTPRetryError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "Your password has been changed"})
	case errors.As(err, &policyErr):
		c.JSON(http.StatusOK, gin.H{
			"warning": "Your password has been changed, but it does not comply with the policy (" +
				policyErr.Detail + ") and has thus been set as expired. You will be asked to change it after logging in.",
			"password_expired": true,
		})
	case errors.As(err, &otpErr):
		resp := fieldError("otp", "Incorrect value.")
		resp["new_token"] = otpErr.FreshToken
		c.JSON(http.StatusBadRequest, resp)
	default:
		log.Error("Reset completion failed", zap.String("username", session.User.Username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not change password, please try again."})
	}
}

func restartMessage(err *passwordflow.TokenRestartError) string {
	switch err.Reason {
	case "expired":
		return "The token has expired, please request a new one."
	case "stale":
		return "Your password has been changed since you requested this token, please request a new one."
	default:
		return "The token is invalid, please request a new one."
	}
}
