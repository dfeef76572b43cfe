package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/agent/controller"
	"github.com/ariana-dot-dev/ariana/internal/agent/store"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/machinepool"
)

// handleError maps domain errors to HTTP statuses. Anything unrecognized is
// a 500 and gets logged; expected refusals do not.
func handleError(c *gin.Context, log *logger.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrAgentNotFound),
		errors.Is(err, store.ErrPromptNotFound),
		errors.Is(err, machinepool.ErrMachineNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})

	case errors.Is(err, controller.ErrInvalidModel):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	case errors.Is(err, controller.ErrAgentNotProvisioned),
		errors.Is(err, controller.ErrWorkerBusy),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrStaleAgentState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})

	case errors.Is(err, machinepool.ErrPoolAtCapacity):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})

	default:
		log.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}
