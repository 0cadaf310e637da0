package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pachat/internal/pipeline"
	"pachat/internal/worker"
)

const (
	kindBusy    = "busy"
	kindTimeout = "timeout"
)

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// describeError maps err to an HTTP status and a stable kind.
func describeError(err error) (int, errorBody) {
	switch {
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrStopped):
		return http.StatusTooManyRequests, errorBody{Kind: kindBusy, Message: "server is busy, please retry"}
	case errors.Is(err, worker.ErrCanceled):
		return http.StatusConflict, errorBody{Kind: pipeline.KindConflict, Message: "chat was deleted"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorBody{Kind: kindTimeout, Message: err.Error()}
	}
	kind := pipeline.Classify(err)
	status := http.StatusInternalServerError
	switch kind {
	case pipeline.KindNotFound:
		status = http.StatusNotFound
	case pipeline.KindConflict:
		status = http.StatusConflict
	case pipeline.KindInvalidRequest:
		status = http.StatusBadRequest
	case pipeline.KindUnsafeQuery:
		status = http.StatusUnprocessableEntity
	case pipeline.KindCapabilityFailure:
		status = http.StatusBadGateway
	}
	return status, errorBody{Kind: kind, Message: err.Error()}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, body := describeError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("kind", body.Kind), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}

func abortWithError(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Kind: kind, Message: message}})
}
