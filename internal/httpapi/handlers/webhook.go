package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/pixel-platform/internal/common"
	"github.com/suPer8Hu/pixel-platform/internal/orch"
	"github.com/suPer8Hu/pixel-platform/internal/task"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// ProviderWebhook handles POST /webhook/:provider. It always answers 200 for
// payloads referencing unknown tasks so providers do not retry forever
// against webhooks for work we deliberately removed.
func (h *Handler) ProviderWebhook(c *gin.Context) {
	providerName := c.Param("provider")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "unreadable body")
		return
	}

	err = h.Svc.HandleWebhook(c.Request.Context(), providerName, body)
	switch {
	case err == nil:
		common.OK(c, gin.H{"received": true})
	case errors.Is(err, orch.ErrInvalidParams):
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidParams, "unparseable webhook")
	case errors.Is(err, task.ErrNotFound):
		h.Log.Info().Str("provider", providerName).Msg("webhook for unknown task")
		common.OK(c, gin.H{"received": true})
	default:
		// Internal hiccup: report it, but stay well-formed so the provider's
		// retry finds an idempotent handler, not a crash loop.
		h.Log.Error().Err(err).Str("provider", providerName).Msg("webhook handling failed")
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
	}
}

type pollReq struct {
	TaskID  string `json:"task_id" binding:"required"`
	Attempt int    `json:"attempt"`
}

// InternalPollTask handles POST /internal/poll-task, the queue-facing
// scheduled re-check. QueueAuth middleware has already verified the caller.
func (h *Handler) InternalPollTask(c *gin.Context) {
	var req pollReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}
	if req.Attempt < 1 {
		req.Attempt = 1
	}

	if err := h.Svc.HandleScheduledPoll(c.Request.Context(), req.TaskID, req.Attempt); err != nil {
		h.Log.Error().Err(err).Str("task_id", req.TaskID).Msg("scheduled poll failed")
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}
	common.OK(c, gin.H{"polled": true})
}
