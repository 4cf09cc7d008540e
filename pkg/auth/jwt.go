package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/env"
)

// JWTSecretKey for signing session tokens
// REQUIRED: Application will panic if not set
var JWTSecretKey string

func init() {
	JWTSecretKey = env.MustGetEnvString("JWT_SECRET_KEY")
}

// SessionTokenClaims represents the claims in a session JWT
type SessionTokenClaims struct {
	SessionID string `json:"session_id"`
	GroupID   string `json:"group_id,omitempty"`
	jwt.RegisteredClaims
}

// GenerateSessionToken creates a long-lived JWT for a session. The token does
// not expire; revocation happens by removing the session itself.
func GenerateSessionToken(sessionID string, groupID string) (string, error) {
	if JWTSecretKey == "" {
		return "", errors.New("JWT_SECRET_KEY not configured")
	}

	claims := SessionTokenClaims{
		SessionID: sessionID,
		GroupID:   groupID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(JWTSecretKey))
}

// ValidateSessionToken validates a session JWT and returns the claims
func ValidateSessionToken(tokenString string) (*SessionTokenClaims, error) {
	if JWTSecretKey == "" {
		return nil, errors.New("JWT_SECRET_KEY not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(JWTSecretKey), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*SessionTokenClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token claims")
}
