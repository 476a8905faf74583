package main

import (
	"fmt"
	"log"

	"noctuaid/backend/internal/auth"
	"noctuaid/backend/internal/database"
	"noctuaid/backend/internal/directory"
	"noctuaid/backend/internal/handlers"
	"noctuaid/backend/internal/notifications"
	"noctuaid/backend/internal/passwordflow"
	"noctuaid/backend/internal/resetlock"
	"noctuaid/backend/internal/resettoken"
	"noctuaid/backend/internal/router"
	appconfig "noctuaid/backend/pkg/config"
	phxlog "noctuaid/backend/pkg/log"

	"go.uber.org/zap"
)

func buildDirectoryClient(cfg *appconfig.AppConfig) (directory.Client, error) {
	switch cfg.DirectoryBackend {
	case "freeipa":
		return directory.NewFreeIPAClient(directory.FreeIPAConfig{
			Server:      cfg.FreeIPAServer,
			AdminUser:   cfg.FreeIPAAdminUser,
			AdminPass:   cfg.FreeIPAAdminPass,
			InsecureTLS: cfg.FreeIPAInsecureTLS,
		})
	case "embedded":
		return directory.NewEmbeddedClient(database.GetDB()), nil
	default:
		return nil, fmt.Errorf("unknown DIRECTORY_BACKEND %q", cfg.DirectoryBackend)
	}
}

func main() {
	cfg := &appconfig.Cfg
	phxlog.Init(cfg.LogLevel, cfg.Environment)
	defer phxlog.Sync()

	if err := auth.InitializeJWT(); err != nil {
		log.Fatalf("Failed to initialize JWT: %v", err)
	}

	sslMode := "disable"
	if cfg.EnableDBSSL {
		sslMode = "require"
	}
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, sslMode)
	if err := database.ConnectDB(dsn); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := database.MigrateDB(); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	notifications.InitEmailService()

	dirClient, err := buildDirectoryClient(cfg)
	if err != nil {
		log.Fatalf("Failed to build directory client: %v", err)
	}

	locks := resetlock.NewService(resetlock.NewGormStore(database.GetDB()), cfg.ResetLockTTL, nil)
	tokens, err := resettoken.NewService(cfg.ResetSigningKey, cfg.ResetTokenLifespan, nil)
	if err != nil {
		log.Fatalf("Failed to initialize reset token service: %v", err)
	}

	flow := passwordflow.New(passwordflow.Options{
		Directory:       dirClient,
		Locks:           locks,
		Tokens:          tokens,
		Mailer:          notifications.Active(),
		FrontendBaseURL: cfg.FrontendBaseURL,
		TempPasswordLen: cfg.TempPasswordLength,
	})
	handlers.Init(dirClient, flow)

	r := router.SetupRouter(phxlog.L)
	phxlog.L.Info("Starting Noctua ID backend",
		zap.String("port", cfg.Port),
		zap.String("directory_backend", cfg.DirectoryBackend))
	if err := r.Run(":" + cfg.Port); err != nil {
		phxlog.L.Fatal("Server exited", zap.Error(err))
	}
}
