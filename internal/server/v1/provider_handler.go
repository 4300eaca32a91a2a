package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type ProviderHandler struct {
	service Orchestrator
}

func NewProviderHandler(service Orchestrator) *ProviderHandler {
	return &ProviderHandler{service: service}
}

// ListStatus serves the per-provider health summaries.
func (h *ProviderHandler) ListStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   h.service.ProviderStatus(),
		"cache":  h.service.CacheStats(),
	})
}
