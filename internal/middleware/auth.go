package middleware

import (
	"net/http"
	"strings"

	"comuna/config"
	"comuna/internal/auth"
	"comuna/internal/models"
	"comuna/internal/service"

	"github.com/gin-gonic/gin"
)

// AuthRequired validates the JWT and sets UserID and Email in context.
// Membership rank is NOT taken from the token; MembershipGuard loads it.
func AuthRequired(cfg *config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		claims, err := auth.ParseAccessToken(cfg, parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set("user_id", claims.UserID)
		c.Set("email", claims.Email)
		c.Next()
	}
}

// MembershipGuard runs after AuthRequired on every authenticated route. It
// reads the user's rank and premium expiry fresh from the store and lazily
// demotes a lapsed PREMIUM before any authorization decision downstream.
// There is no background sweep; any new authenticated route group must mount
// this guard.
func MembershipGuard(membershipSvc *service.MembershipService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := GetUserID(c)
		if userID == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		u, err := membershipSvc.EnforceExpiry(userID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "account not found"})
			return
		}
		c.Set("user", u)
		c.Set("tipo_usuario", u.TipoUsuario)
		c.Next()
	}
}

// RequireTipo checks the store-backed rank set by MembershipGuard.
func RequireTipo(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tipo, exists := c.Get("tipo_usuario")
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		t := tipo.(string)
		for _, a := range allowed {
			if t == a {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

// GetUserID returns the authenticated user ID from context (must be used after AuthRequired).
func GetUserID(c *gin.Context) uint {
	v, _ := c.Get("user_id")
	if v == nil {
		return 0
	}
	return v.(uint)
}

// GetUser returns the fresh user record set by MembershipGuard.
func GetUser(c *gin.Context) *models.User {
	v, _ := c.Get("user")
	if v == nil {
		return nil
	}
	return v.(*models.User)
}
