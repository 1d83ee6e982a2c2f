package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key the authenticated subject is stored under.
const ResultKey = "auth_result"

// Middleware gates gin routes behind a bearer token, a no-op when auth is
// disabled in configuration.
type Middleware struct {
	svc     *AuthService
	enabled bool
}

// NewMiddleware builds a Middleware. svc may be nil when enabled is false.
func NewMiddleware(svc *AuthService, enabled bool) *Middleware {
	return &Middleware{svc: svc, enabled: enabled}
}

// GinAuth returns a gin middleware enforcing the Authorization: Bearer
// header against the configured admin identity.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}

		token := bearerToken(c.Request.Header.Get("Authorization"))
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_required", "message": "bearer token required"})
			c.Abort()
			return
		}

		result, err := m.svc.Authenticate(token)
		if err != nil || !result.Success {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_failed", "message": "invalid or expired token"})
			c.Abort()
			return
		}

		c.Set(ResultKey, result)
		c.Next()
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
