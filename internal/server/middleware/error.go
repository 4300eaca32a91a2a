package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/ai-orchestrator/internal/logger"
	"github.com/nulzo/ai-orchestrator/pkg/api"
	"go.uber.org/zap"
)

// ErrorHandler converts errors attached by handlers into RFC 9457 bodies.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err

		if problem, ok := err.(*api.Problem); ok {
			if problem.Log != nil {
				logger.Error("Request failed", zap.Error(problem.Log))
			}
			c.JSON(problem.Status, problem)
			c.Abort()
			return
		}

		// Typed dispatch errors carry their own HTTP mapping.
		problem := api.ProblemFrom(err)
		if problem.Log != nil {
			logger.Error("Request failed", zap.Error(problem.Log))
		}
		if problem.Status >= http.StatusInternalServerError {
			logger.Error("Unhandled error", zap.Error(err))
		}
		c.JSON(problem.Status, problem)
		c.Abort()
	}
}
