package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/pixel-platform/internal/ledger"
	"github.com/suPer8Hu/pixel-platform/internal/orch"
)

// Orchestrator is the slice of the orchestration core the HTTP surface needs.
type Orchestrator interface {
	Submit(ctx context.Context, req orch.SubmitRequest) (*orch.Submission, error)
	Status(ctx context.Context, owner orch.Owner, taskID string) (*orch.Projection, error)
	ListTasks(ctx context.Context, owner orch.Owner, limit int) ([]orch.Projection, error)
	HandleWebhook(ctx context.Context, providerName string, body []byte) error
	HandleScheduledPoll(ctx context.Context, taskID string, attempt int) error
}

// Credits is the ledger surface for the top-up and history endpoints.
type Credits interface {
	Balance(ctx context.Context, ownerID string) (int64, error)
	Grant(ctx context.Context, ownerID string, amount int64, memo string) error
	Entries(ctx context.Context, ownerID string, limit int) ([]ledger.Entry, error)
}

type Handler struct {
	Svc     Orchestrator
	Credits Credits
	Log     zerolog.Logger
}

func NewHandler(svc Orchestrator, credits Credits, log zerolog.Logger) *Handler {
	return &Handler{Svc: svc, Credits: credits, Log: log}
}

// ownerFromRequest resolves the task owner: an upstream-authenticated user id
// from the X-User-ID header, or an anonymous-trial fingerprint derived from
// client address and user agent.
func ownerFromRequest(c *gin.Context) orch.Owner {
	if uid := c.GetHeader("X-User-ID"); uid != "" {
		return orch.Owner{ID: uid}
	}
	sum := sha256.Sum256([]byte(c.ClientIP() + "|" + c.Request.UserAgent()))
	return orch.Owner{ID: "trial:" + hex.EncodeToString(sum[:8]), Trial: true}
}
