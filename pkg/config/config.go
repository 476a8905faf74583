package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds the process-wide application configuration. It is
// loaded once at startup and treated as read-only afterwards.
type AppConfig struct {
	Port             string
	Environment      string // "development", "staging", "production"
	LogLevel         string
	JWTSecret        string
	JWTTokenLifespan time.Duration

	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	EnableDBSSL bool

	// Password reset protocol settings.
	ResetLockTTL       time.Duration
	ResetTokenLifespan time.Duration
	ResetSigningKey    string
	TempPasswordLength int

	// Directory backend selection: "embedded" or "freeipa".
	DirectoryBackend   string
	FreeIPAServer      string
	FreeIPAAdminUser   string
	FreeIPAAdminPass   string
	FreeIPAInsecureTLS bool

	AWSRegion         string
	AWSSESEmailSender string
	FrontendBaseURL   string
	TOTPIssuerName    string
}

var Cfg AppConfig

// LoadConfig loads the application configuration from environment
// variables. A .env file is honored for local development.
func LoadConfig() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment:", err)
	}

	Cfg.Port = getEnv("PORT", "8080")
	Cfg.Environment = getEnv("ENVIRONMENT", "development")
	Cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	Cfg.JWTSecret = getEnv("JWT_SECRET_KEY", "a_very_secure_secret_key_please_change_me_32_chars_long")
	Cfg.JWTTokenLifespan = time.Duration(getEnvAsInt("JWT_TOKEN_LIFESPAN_HOURS", 24)) * time.Hour

	Cfg.DBHost = getEnv("DB_HOST", "localhost")
	Cfg.DBPort = getEnv("DB_PORT", "5432")
	Cfg.DBUser = getEnv("DB_USER", "noctua_user")
	Cfg.DBPassword = getEnv("DB_PASSWORD", "noctua_pass")
	Cfg.DBName = getEnv("DB_NAME", "noctua_id_db")
	Cfg.EnableDBSSL = getEnvAsBool("DB_SSL_ENABLE", false)

	Cfg.ResetLockTTL = time.Duration(getEnvAsInt("RESET_LOCK_TTL_MINUTES", 10)) * time.Minute
	Cfg.ResetTokenLifespan = time.Duration(getEnvAsInt("RESET_TOKEN_LIFESPAN_MINUTES", 60)) * time.Minute
	Cfg.ResetSigningKey = getEnv("RESET_SIGNING_KEY", Cfg.JWTSecret)
	Cfg.TempPasswordLength = getEnvAsInt("TEMP_PASSWORD_LENGTH", 24)

	Cfg.DirectoryBackend = getEnv("DIRECTORY_BACKEND", "embedded")
	Cfg.FreeIPAServer = getEnv("FREEIPA_SERVER", "")
	Cfg.FreeIPAAdminUser = getEnv("FREEIPA_ADMIN_USER", "admin")
	Cfg.FreeIPAAdminPass = getEnv("FREEIPA_ADMIN_PASSWORD", "")
	Cfg.FreeIPAInsecureTLS = getEnvAsBool("FREEIPA_INSECURE_TLS", false)

	Cfg.AWSRegion = getEnv("AWS_REGION", "")
	Cfg.AWSSESEmailSender = getEnv("AWS_SES_EMAIL_SENDER", "")
	Cfg.FrontendBaseURL = getEnv("FRONTEND_BASE_URL", "http://localhost:3000")
	Cfg.TOTPIssuerName = getEnv("TOTP_ISSUER_NAME", "NoctuaID")

	log.Printf("Configuration loaded for environment: %s", Cfg.Environment)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valStr := getEnv(key, "")
	if valStr == "" {
		return defaultValue
	}
	valInt, err := strconv.Atoi(valStr)
	if err != nil {
		log.Printf("Warning: invalid integer for '%s' (%q), using default %d. Error: %v", key, valStr, defaultValue, err)
		return defaultValue
	}
	return valInt
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valStr := getEnv(key, "")
	if valStr == "" {
		return defaultValue
	}
	valBool, err := strconv.ParseBool(valStr)
	if err != nil {
		log.Printf("Warning: invalid boolean for '%s' (%q), using default %t. Error: %v", key, valStr, defaultValue, err)
		return defaultValue
	}
	return valBool
}

func init() {
	LoadConfig()
}
