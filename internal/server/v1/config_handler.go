package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/ai-orchestrator/pkg/api"
)

// ReloadFunc re-reads configuration and swaps the running dispatcher.
// Wired by the composition root; there is no hot reload.
type ReloadFunc func() error

type ConfigHandler struct {
	reload ReloadFunc
}

func NewConfigHandler(reload ReloadFunc) *ConfigHandler {
	return &ConfigHandler{reload: reload}
}

func (h *ConfigHandler) Reload(c *gin.Context) {
	if h.reload == nil {
		_ = c.Error(api.NewProblem(http.StatusNotImplemented, "Not Supported",
			"Configuration reload is not wired for this deployment"))
		return
	}

	if err := h.reload(); err != nil {
		_ = c.Error(api.NewProblem(http.StatusInternalServerError, "Reload Failed",
			err.Error(), api.WithLog(err)))
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}
