package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/cohere/internal/observability/context"
)

const (
	// HeaderClientID carries the authenticated caller, set by the upstream auth proxy.
	HeaderClientID     = "X-Client-ID"
	contextClientIDKey = "client_id"
)

// ClientRequired rejects requests without an authenticated client identity.
func (s *Server) ClientRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := strings.TrimSpace(c.GetHeader(HeaderClientID))
		if clientID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextClientIDKey, clientID)
		c.Request = c.Request.WithContext(obscontext.WithPurchase(c.Request.Context(), clientID, ""))
		c.Next()
	}
}

func clientIDFrom(c *gin.Context) string {
	return c.GetString(contextClientIDKey)
}
