package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/smallbiznis/cohere/internal/webhook/domain"
)

// maxWebhookBody bounds a single gateway event payload.
const maxWebhookBody = 1 << 20

func (s *Server) HandlePlatformWebhook(c *gin.Context) {
	s.ingestWebhook(c, false)
}

// HandleConnectWebhook receives events that originated on a connected account.
func (s *Server) HandleConnectWebhook(c *gin.Context) {
	s.ingestWebhook(c, true)
}

func (s *Server) ingestWebhook(c *gin.Context, fromConnectedAccount bool) {
	family, err := webhookdomain.ParseFamily(c.Query("family"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.webhookSvc.Ingest(c.Request.Context(), family, payload, c.Request.Header, fromConnectedAccount); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
