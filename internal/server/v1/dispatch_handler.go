package v1

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/ai-orchestrator/internal/cache"
	"github.com/nulzo/ai-orchestrator/internal/server/validator"
	"github.com/nulzo/ai-orchestrator/pkg/api"
)

// Orchestrator is the slice of the dispatcher the HTTP surface needs.
type Orchestrator interface {
	Process(ctx context.Context, req *api.Request) (*api.Response, error)
	BatchProcess(ctx context.Context, reqs []*api.Request) []api.BatchResult
	ProviderStatus() []api.ProviderStatus
	CacheStats() cache.Stats
}

type DispatchHandler struct {
	service Orchestrator
}

func NewDispatchHandler(service Orchestrator) *DispatchHandler {
	return &DispatchHandler{service: service}
}

type batchRequest struct {
	Requests []*api.Request `json:"requests" binding:"required,min=1,dive"`
}

type batchItem struct {
	Response *api.Response `json:"response,omitempty"`
	Error    *api.Problem  `json:"error,omitempty"`
}

func (h *DispatchHandler) Process(c *gin.Context) {
	var req api.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(api.FieldValidationProblem(validator.ParseValidationError(err)))
		return
	}

	resp, err := h.service.Process(c.Request.Context(), &req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *DispatchHandler) BatchProcess(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(api.FieldValidationProblem(validator.ParseValidationError(err)))
		return
	}

	results := h.service.BatchProcess(c.Request.Context(), req.Requests)

	items := make([]batchItem, len(results))
	for i, r := range results {
		items[i].Response = r.Response
		if r.Err != nil {
			items[i].Error = api.ProblemFrom(r.Err)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   items,
	})
}
