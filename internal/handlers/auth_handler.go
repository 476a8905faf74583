package handlers

import (
	"errors"
	"net/http"

	"noctuaid/backend/internal/auth"
	"noctuaid/backend/internal/directory"
	phxlog "noctuaid/backend/pkg/log"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type LoginPayload struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	OTP      string `json:"otp"`
}

type LoginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

// LoginHandler authenticates a user against the directory and issues a
// session token.
func LoginHandler(c *gin.Context) {
	log := phxlog.L.Named("LoginHandler")
	var payload LoginPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}

	err := dirClient.Authenticate(c.Request.Context(), payload.Username, payload.Password, payload.OTP)
	switch {
	case err == nil:
		// fallthrough to token issuance below
	case errors.Is(err, directory.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	case errors.Is(err, directory.ErrPasswordExpired):
		c.JSON(http.StatusForbidden, gin.H{
			"error":            "Your password has expired and must be changed",
			"password_expired": true,
		})
		return
	default:
		log.Error("Directory error during login", zap.String("username", payload.Username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not log in, please try again later"})
		return
	}

	token, err := auth.GenerateToken(payload.Username)
	if err != nil {
		log.Error("Failed to generate session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not log in, please try again later"})
		return
	}

	log.Info("User logged in", zap.String("username", payload.Username))
	c.JSON(http.StatusOK, LoginResponse{Token: token, Username: payload.Username})
}
