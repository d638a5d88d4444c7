package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/inkwellhq/aegis/internal/token"
)

const subjectKey = "subject"

// sessionClaims is what the host application's session tokens carry.
type sessionClaims struct {
	Subject int64 `json:"uid"`
	jwt.RegisteredClaims
}

// Identity extracts the caller identity from a Bearer session token. An
// absent or invalid token leaves the request anonymous (subject 0); the
// security layer consumes identity, it does not authenticate. With no
// secret configured, nothing is parsed and every request stays anonymous.
func Identity(sessionSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(subjectKey, int64(0))

		if sessionSecret == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if raw, ok := strings.CutPrefix(auth, "Bearer "); ok {
			claims := &sessionClaims{}
			parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				return []byte(sessionSecret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err == nil && parsed.Valid {
				c.Set(subjectKey, claims.Subject)
			}
		}
		c.Next()
	}
}

// Subject returns the caller identity for the current request, 0 when
// anonymous.
func Subject(c *gin.Context) int64 {
	if v, ok := c.Get(subjectKey); ok {
		if id, ok := v.(int64); ok {
			return id
		}
	}
	return 0
}

// RequestContext assembles the token request context from the current
// request: identity plus origin fingerprint.
func RequestContext(c *gin.Context) token.RequestContext {
	return token.RequestContext{
		Subject:   Subject(c),
		OriginIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}
