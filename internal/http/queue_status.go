package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/RelayGate/internal/queue"
	log "github.com/sirupsen/logrus"
)

// StatusReader reports deferred call lifecycle state.
type StatusReader interface {
	Status(ctx context.Context, id uint64) (queue.StatusView, error)
}

// QueueStatusHandler serves GET /:queueId/status.
type QueueStatusHandler struct {
	reader StatusReader
}

// NewQueueStatusHandler constructs a QueueStatusHandler.
func NewQueueStatusHandler(reader StatusReader) *QueueStatusHandler {
	return &QueueStatusHandler{reader: reader}
}

// Get returns the status of a call owned by the caller. Calls of other users are reported as not found.
func (h *QueueStatusHandler) Get(c *gin.Context) {
	identity, ok := IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	id, errParse := strconv.ParseUint(c.Param("queueId"), 10, 64)
	if errParse != nil || id == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "queued request not found"})
		return
	}

	view, errStatus := h.reader.Status(c.Request.Context(), id)
	if errStatus != nil {
		if errors.Is(errStatus, queue.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "queued request not found"})
			return
		}
		log.WithError(errStatus).WithField("queue_id", id).Error("queue status: lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if view.UserID != identity.UserID {
		c.JSON(http.StatusNotFound, gin.H{"error": "queued request not found"})
		return
	}
	c.JSON(http.StatusOK, view)
}
