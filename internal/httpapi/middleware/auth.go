package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/tomodachi-api/internal/auth"
	"github.com/suPer8Hu/tomodachi-api/internal/common"
)

const (
	UserIDKey = "user_id"
	RoleKey   = "user_role"
)

const roleAdmin = "ADMIN"

// AuthRequired accepts a bearer access token and stores the caller's id and role.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing bearer token")
			return
		}
		claims, err := auth.ParseJWT(strings.TrimSpace(token), secret, auth.TokenAccess)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}
		c.Set(UserIDKey, claims.UserID)
		c.Set(RoleKey, claims.Role)
		c.Next()
	}
}

// AdminOnly must run after AuthRequired.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			common.Fail(c, http.StatusForbidden, 40301, "admin only")
			return
		}
		c.Next()
	}
}

// SelfOrAdmin lets a user act on their own :param resource, admins on any.
func SelfOrAdmin(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param(param) != UserID(c) && !IsAdmin(c) {
			common.Fail(c, http.StatusForbidden, 40302, "forbidden")
			return
		}
		c.Next()
	}
}

func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

func IsAdmin(c *gin.Context) bool {
	return c.GetString(RoleKey) == roleAdmin
}
