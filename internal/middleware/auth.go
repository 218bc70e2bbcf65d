package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"farmchat/internal/utils"
)

const (
	authorizationHeaderKey  = "Authorization"
	authorizationTypeBearer = "bearer"

	// UserIDKey and ClaimsKey are the gin context keys set for authenticated requests.
	UserIDKey = "userID"
	ClaimsKey = "claims"
)

// AuthMiddleware returns a Gin middleware that validates bearer tokens signed with secret.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(authorizationHeaderKey)

		if len(authHeader) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is not provided"})
			return
		}

		fields := strings.Fields(authHeader)
		if len(fields) < 2 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			return
		}

		authType := strings.ToLower(fields[0])
		if authType != authorizationTypeBearer {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unsupported authorization type, 'Bearer' required"})
			return
		}

		claims, err := utils.ValidateJWT(fields[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token", "details": err.Error()})
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(ClaimsKey, claims)

		c.Next()
	}
}

// CurrentClaims returns the claims stored by AuthMiddleware, or nil.
func CurrentClaims(c *gin.Context) *utils.Claims {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*utils.Claims)
	return claims
}
