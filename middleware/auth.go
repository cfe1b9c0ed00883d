package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/haibanh/checkout-service/apperrors"
)

const (
	UserContextKey  = "userID"
	TokenContextKey = "authToken"
)

var userIDClaims = []string{"sub", "userid", "user_id", "id"}

// AuthMiddleware identifies the caller. With trustGateway set, an
// X-User-ID header from the API gateway is accepted as is; otherwise the
// Authorization token must be an HMAC JWT signed with secret. The raw
// Authorization value is kept for forwarding to the storefront backend.
func AuthMiddleware(secret string, trustGateway bool) gin.HandlerFunc {
	key := []byte(strings.TrimSpace(secret))

	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		c.Set(TokenContextKey, raw)

		if trustGateway {
			if userID := c.GetHeader("X-User-ID"); userID != "" {
				c.Set(UserContextKey, userID)
				c.Next()
				return
			}
		}

		if len(key) == 0 || raw == "" {
			abortWith(c, apperrors.ErrUnauthorized)
			return
		}

		userID, err := userIDFromToken(strings.TrimSpace(strings.TrimPrefix(raw, "Bearer ")), key)
		if err != nil {
			abortWith(c, apperrors.ErrInvalidToken)
			return
		}
		c.Set(UserContextKey, userID)
		c.Next()
	}
}

func userIDFromToken(tokenStr string, key []byte) (string, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	})
	if err != nil || token == nil || !token.Valid {
		return "", fmt.Errorf("invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	for _, name := range userIDClaims {
		switch v := claims[name].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case float64:
			return fmt.Sprintf("%.0f", v), nil
		}
	}
	return "", fmt.Errorf("token has no user id")
}

func abortWith(c *gin.Context, err *apperrors.Error) {
	c.AbortWithStatusJSON(err.Code, gin.H{"error": err.Message})
}

func GetUserID(c *gin.Context) (string, error) {
	if val, ok := c.Get(UserContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id, nil
		}
	}
	return "", errors.New("user ID not found in context")
}

// GetToken returns the caller's Authorization header exactly as received.
func GetToken(c *gin.Context) string {
	return c.GetString(TokenContextKey)
}
