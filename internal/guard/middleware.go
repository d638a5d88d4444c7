package guard

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// Middleware attaches the policy header set to every response on the way
// out. Header building is read-only, so one builder serves all requests.
func (c *Coordinator) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if c.HeadersEnabled() {
			for name, value := range c.headers.Build(isSecureChannel(ctx)) {
				ctx.Header(name, value)
			}
		}
		ctx.Next()
	}
}

func isSecureChannel(ctx *gin.Context) bool {
	if ctx.Request.TLS != nil {
		return true
	}
	return strings.EqualFold(ctx.GetHeader("X-Forwarded-Proto"), "https")
}
