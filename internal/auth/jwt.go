package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	appconfig "noctuaid/backend/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var jwtKey []byte

// Claims is the session token payload. The portal only needs to know
// who the session belongs to; authorization lives in the directory.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// InitializeJWT loads the session signing key from configuration.
func InitializeJWT() error {
	secret := appconfig.Cfg.JWTSecret
	if secret == "" {
		return fmt.Errorf("JWT_SECRET_KEY is not set")
	}
	jwtKey = []byte(secret)
	return nil
}

// GenerateToken issues a session token for an authenticated username.
func GenerateToken(username string) (string, error) {
	if len(jwtKey) == 0 {
		return "", fmt.Errorf("JWT secret key not initialized, call InitializeJWT() first")
	}

	lifespan := appconfig.Cfg.JWTTokenLifespan
	if lifespan == 0 {
		lifespan = 24 * time.Hour
	}

	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(lifespan)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "noctua-id",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(jwtKey)
	if err != nil {
		return "", fmt.Errorf("error signing token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken validates a session token string and returns its claims.
func ValidateToken(tokenString string) (*Claims, error) {
	if len(jwtKey) == 0 {
		return nil, fmt.Errorf("JWT secret key not initialized")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("error parsing token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware requires a valid session token and stores the
// username in the Gin context.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header format must be Bearer {token}"})
			return
		}

		claims, err := ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set("username", claims.Username)
		c.Next()
	}
}

// SessionUsername returns the username of a valid session carried on
// the request, if any. Used by unauthenticated endpoints that behave
// differently for logged-in users; it never aborts the request.
func SessionUsername(c *gin.Context) (string, bool) {
	tokenString, ok := bearerToken(c)
	if !ok {
		return "", false
	}
	claims, err := ValidateToken(tokenString)
	if err != nil {
		return "", false
	}
	return claims.Username, true
}
