package router

import (
	"net/http"
	"time"

	"noctuaid/backend/internal/auth"
	"noctuaid/backend/internal/database"
	"noctuaid/backend/internal/handlers"
	phxmiddleware "noctuaid/backend/internal/middleware"
	phxlog "noctuaid/backend/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter configures and returns the Gin engine.
func SetupRouter(log *zap.Logger) *gin.Engine {
	router := gin.New()

	router.Use(phxmiddleware.Metrics())
	router.Use(phxmiddleware.GinZap(log, time.RFC3339, true))
	router.Use(phxmiddleware.GinRecovery(log, true))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", healthCheckHandler)

	authRoutes := router.Group("/auth")
	{
		authRoutes.POST("/login", handlers.LoginHandler)
		authRoutes.POST("/register", handlers.RegisterHandler)
		authRoutes.POST("/forgot-password", handlers.ForgotPasswordHandler)
		authRoutes.GET("/reset-password", handlers.ValidateResetTokenHandler)
		authRoutes.POST("/reset-password", handlers.ResetPasswordHandler)
	}

	v1 := router.Group("/api/v1")
	v1.Use(auth.AuthMiddleware())
	{
		v1.POST("/users/me/password", handlers.UserSettingsPasswordHandler)
	}

	return router
}

func healthCheckHandler(c *gin.Context) {
	sqlDB, err := database.DB.DB()
	if err != nil {
		phxlog.L.Error("Failed to get DB instance for health check", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "message": "database instance error"})
		return
	}
	if err := sqlDB.Ping(); err != nil {
		phxlog.L.Error("Database ping failed during health check", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "message": "database ping failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "database": "connected"})
}
