package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/inkwellhq/aegis/internal/guard"
)

// TokenHeader carries the request token on API-surface calls, where there
// is no form body to embed it in.
const TokenHeader = "X-Aegis-Token"

// Protected clears a mutating admin request through the coordinator before
// the handler runs. Anonymous callers are rejected outright; everyone else
// goes through the same verification path as any protected surface.
func Protected(coord *guard.Coordinator, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if Subject(c) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		res := coord.Protect(c.Request.Context(), guard.SurfaceAPI, guard.Request{
			Token:   c.GetHeader(TokenHeader),
			Action:  action,
			Context: RequestContext(c),
		})
		if res.Err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "request rejected"})
			return
		}
		c.Next()
	}
}
