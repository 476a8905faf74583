package handlers

import (
	"errors"
	"net/http"

	"noctuaid/backend/internal/directory"
	phxlog "noctuaid/backend/pkg/log"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RegisterPayload struct {
	Username        string `json:"username" binding:"required"`
	FirstName       string `json:"first_name" binding:"required"`
	LastName        string `json:"last_name" binding:"required"`
	Mail            string `json:"mail" binding:"required,email"`
	Password        string `json:"password" binding:"required"`
	PasswordConfirm string `json:"password_confirm" binding:"required"`
}

// RegisterHandler creates a new directory account.
func RegisterHandler(c *gin.Context) {
	log := phxlog.L.Named("RegisterHandler")
	var payload RegisterPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}

	if payload.Password != payload.PasswordConfirm {
		c.JSON(http.StatusBadRequest, fieldError("password_confirm", "Passwords must match"))
		return
	}

	err := dirClient.AddUser(c.Request.Context(), directory.NewUser{
		Username:  payload.Username,
		FirstName: payload.FirstName,
		LastName:  payload.LastName,
		Mail:      payload.Mail,
		Password:  payload.Password,
	})

	var validationErr *directory.ValidationError
	var policyErr *directory.PolicyError
	switch {
	case err == nil:
		log.Info("User registered", zap.String("username", payload.Username))
		c.JSON(http.StatusCreated, gin.H{"message": "Your account has been created, you can now log in"})
	case errors.Is(err, directory.ErrDuplicate):
		c.JSON(http.StatusConflict, fieldError("username", "This username is already taken, please choose another one"))
	case errors.As(err, &validationErr):
		field := validationErr.Field
		if field == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Message})
			return
		}
		c.JSON(http.StatusBadRequest, fieldError(field, validationErr.Message))
	case errors.As(err, &policyErr):
		c.JSON(http.StatusBadRequest, fieldError("password", policyErr.Detail))
	default:
		log.Error("Directory error during registration", zap.String("username", payload.Username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not create the account, please try again later"})
	}
}
