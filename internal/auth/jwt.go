package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// APIKeyPrefix marks gateway-issued client keys.
const APIKeyPrefix = "kirobox-"

// DefaultAPIKeyTTL is how long CLI-issued API keys stay valid.
const DefaultAPIKeyTTL = 365 * 24 * time.Hour

// JWTManager signs and validates the client-facing API keys.
type JWTManager struct {
	secretKey string
}

// Claims carried inside an API key. UserID routes the request to the
// owner's credential set.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

func NewJWTManager(secretKey string) *JWTManager {
	return &JWTManager{secretKey: secretKey}
}

// GenerateToken signs a JWT for userID valid for ttl.
func (j *JWTManager) GenerateToken(userID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(j.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// GenerateAPIKey wraps a freshly signed JWT in the distributable key
// format: base64url without padding, behind the gateway prefix.
func (j *JWTManager) GenerateAPIKey(userID string, ttl time.Duration) (string, error) {
	signed, err := j.GenerateToken(userID, ttl)
	if err != nil {
		return "", err
	}

	encoded := base64.URLEncoding.EncodeToString([]byte(signed))
	encoded = strings.TrimRight(encoded, "=")
	return APIKeyPrefix + encoded, nil
}

// ValidateAPIKey checks a client key (with or without a "Bearer " prefix)
// and returns its claims.
func (j *JWTManager) ValidateAPIKey(key string) (*Claims, error) {
	key = strings.TrimPrefix(key, "Bearer ")

	if !strings.HasPrefix(key, APIKeyPrefix) {
		return nil, fmt.Errorf("invalid API key format: must start with %q", APIKeyPrefix)
	}
	encoded := key[len(APIKeyPrefix):]

	// Restore the padding stripped at generation time.
	if pad := len(encoded) % 4; pad != 0 {
		encoded += strings.Repeat("=", 4-pad)
	}

	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode API key: %w", err)
	}
	return j.ValidateToken(string(raw))
}

// ValidateToken parses and verifies a bare JWT.
func (j *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(j.secretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// IsAPIKeyFormat reports whether the value looks like a gateway-issued key.
func (j *JWTManager) IsAPIKeyFormat(key string) bool {
	key = strings.TrimPrefix(key, "Bearer ")
	return strings.HasPrefix(key, APIKeyPrefix)
}
