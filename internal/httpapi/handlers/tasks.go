package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/pixel-platform/internal/common"
	"github.com/suPer8Hu/pixel-platform/internal/orch"
	"github.com/suPer8Hu/pixel-platform/internal/task"
)

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

type submitReq struct {
	SourceURL string         `json:"source_url"`
	Params    map[string]any `json:"params"`
}

// SubmitTask handles POST /tasks/:kind. The kind segment picks the operation;
// parameters are passed through to the provider adapter untouched.
func (h *Handler) SubmitTask(c *gin.Context) {
	kind := task.Kind(c.Param("kind"))
	if !task.ValidKind(kind) {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidParams, "unknown task kind")
		return
	}

	var req submitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}

	owner := ownerFromRequest(c)
	sub, err := h.Svc.Submit(c.Request.Context(), orch.SubmitRequest{
		Owner:     owner,
		Kind:      kind,
		SourceURL: req.SourceURL,
		Params:    req.Params,
	})
	if err != nil {
		switch {
		case errors.Is(err, orch.ErrInvalidParams):
			common.Fail(c, http.StatusBadRequest, common.CodeInvalidParams, err.Error())
		case errors.Is(err, orch.ErrInsufficientCredits):
			common.Fail(c, http.StatusPaymentRequired, common.CodeInsufficient, "insufficient credits")
		case errors.Is(err, orch.ErrNoCapacity):
			// Retryable capacity signal, not a fault.
			common.Fail(c, http.StatusServiceUnavailable, common.CodeServiceBusy, "service busy, try again later")
		case errors.Is(err, orch.ErrProviderRejected):
			common.Fail(c, http.StatusBadGateway, common.CodeUpstreamFailure, "provider rejected the request")
		default:
			h.Log.Error().Err(err).Str("kind", string(kind)).Msg("submit failed")
			common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		}
		return
	}

	common.OK(c, gin.H{
		"task_id":        sub.TaskID,
		"status":         sub.Status,
		"estimated_time": sub.EstimatedTime.Seconds(),
	})
}

// GetTaskStatus handles GET /tasks/status?taskId=... and always answers with
// a well-formed projection; stale tasks trigger the fallback provider query
// inside Status.
func (h *Handler) GetTaskStatus(c *gin.Context) {
	taskID := c.Query("taskId")
	if taskID == "" {
		common.Fail(c, http.StatusBadRequest, common.CodeTaskIDRequired, "taskId required")
		return
	}

	proj, err := h.Svc.Status(c.Request.Context(), ownerFromRequest(c), taskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, common.CodeTaskNotFound, "task not found")
			return
		}
		h.Log.Error().Err(err).Str("task_id", taskID).Msg("status lookup failed")
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}
	common.OK(c, proj)
}

func (h *Handler) ListTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	projs, err := h.Svc.ListTasks(c.Request.Context(), ownerFromRequest(c), limit)
	if err != nil {
		h.Log.Error().Err(err).Msg("list tasks failed")
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}
	common.OK(c, gin.H{"tasks": projs})
}

type grantReq struct {
	Amount int64  `json:"amount" binding:"required"`
	Memo   string `json:"memo"`
}

// GrantCredits handles POST /credits/grant, a top-up outside the
// orchestration hot path.
func (h *Handler) GrantCredits(c *gin.Context) {
	var req grantReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount <= 0 {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidParams, "positive amount required")
		return
	}
	owner := ownerFromRequest(c)
	if err := h.Credits.Grant(c.Request.Context(), owner.ID, req.Amount, req.Memo); err != nil {
		h.Log.Error().Err(err).Msg("grant failed")
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}
	balance, err := h.Credits.Balance(c.Request.Context(), owner.ID)
	if err != nil {
		common.OK(c, gin.H{"granted": req.Amount})
		return
	}
	common.OK(c, gin.H{"granted": req.Amount, "balance": balance})
}

func (h *Handler) GetCredits(c *gin.Context) {
	owner := ownerFromRequest(c)
	balance, err := h.Credits.Balance(c.Request.Context(), owner.ID)
	if err != nil {
		balance = 0
	}
	entries, err := h.Credits.Entries(c.Request.Context(), owner.ID, 50)
	if err != nil {
		h.Log.Error().Err(err).Msg("ledger history failed")
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		return
	}
	common.OK(c, gin.H{"balance": balance, "entries": entries})
}
