package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in relay tokens and upgrade queries.
const (
	RoleBoatServer = "boat-server"
	RoleClient     = "client"
	RoleRelay      = "relay"
)

const tokenType = "relay_access"

var ErrInvalidToken = errors.New("invalid token")

// TokenClaims is what a validated relay token tells us about its holder
type TokenClaims struct {
	OriginID string
	BoatID   string
	Role     string
	Expires  time.Time
}

// GenerateRelayToken creates an HS256 token for the relay handshake
func GenerateRelayToken(secret, originID, boatID, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("token secret is empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	claims := jwt.MapClaims{
		"originId": originID,
		"boatId":   boatID,
		"role":     role,
		"type":     tokenType,
		"exp":      time.Now().Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateRelayToken validates a relay token and returns its claims
func ValidateRelayToken(tokenString string, secret string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims["type"] != tokenType {
		return nil, fmt.Errorf("%w: wrong token type", ErrInvalidToken)
	}

	out := &TokenClaims{}
	out.OriginID, _ = claims["originId"].(string)
	out.BoatID, _ = claims["boatId"].(string)
	out.Role, _ = claims["role"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.Expires = exp.Time
	}
	return out, nil
}
