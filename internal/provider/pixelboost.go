package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/suPer8Hu/pixel-platform/internal/task"
)

// PixelboostAdapter talks to the Pixelboost upscale / background-removal API.
// Pixelboost reports statuses in SCREAMING_CASE ("IN_QUEUE", "IN_PROGRESS",
// "DONE", ...).
type PixelboostAdapter struct {
	api *apiClient
}

func NewPixelboostAdapter(baseURL string) *PixelboostAdapter {
	if baseURL == "" {
		baseURL = "https://api.pixelboost.dev"
	}
	return &PixelboostAdapter{api: newAPIClient(baseURL, 30 * time.Second)}
}

func (a *PixelboostAdapter) Name() string { return "pixelboost" }

func (a *PixelboostAdapter) Supports(k task.Kind) bool {
	return k == task.KindUpscale || k == task.KindBackgroundRemoval
}

func (a *PixelboostAdapter) ResultExtension() string { return ".png" }

type pixelboostSubmitReq struct {
	Operation   string         `json:"operation"`
	ImageURL    string         `json:"image_url"`
	CallbackURL string         `json:"callback_url,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

type pixelboostJobResp struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	OutputURL string `json:"output_url,omitempty"`
	Progress  int    `json:"progress,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (a *PixelboostAdapter) Submit(ctx context.Context, apiKey string, req SubmitRequest) (*SubmitResult, error) {
	op := "upscale"
	if req.Kind == task.KindBackgroundRemoval {
		op = "remove_background"
	}
	var resp pixelboostJobResp
	err := a.api.postJSON(ctx, apiKey, "/v1/jobs", pixelboostSubmitReq{
		Operation:   op,
		ImageURL:    req.SourceURL,
		CallbackURL: req.CallbackURL,
		Options:     req.Params,
	}, &resp)
	if err != nil {
		return nil, classifySubmitErr(err)
	}
	if resp.JobID == "" {
		return nil, errors.New("pixelboost: empty job id")
	}
	return &SubmitResult{ProviderTaskID: resp.JobID}, nil
}

func (a *PixelboostAdapter) QueryStatus(ctx context.Context, apiKey, providerTaskID string) (*StatusResult, error) {
	var resp pixelboostJobResp
	if err := a.api.getJSON(ctx, apiKey, "/v1/jobs/"+providerTaskID, &resp); err != nil {
		return nil, err
	}
	return &StatusResult{
		State:     normalizePixelboost(resp.Status),
		ResultURL: resp.OutputURL,
		Progress:  resp.Progress,
		Message:   resp.Error,
	}, nil
}

func (a *PixelboostAdapter) ParseWebhook(body []byte) (*WebhookEvent, error) {
	var resp pixelboostJobResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.JobID == "" {
		return nil, errors.New("pixelboost: webhook missing job_id")
	}
	return &WebhookEvent{
		ProviderTaskID: resp.JobID,
		State:          normalizePixelboost(resp.Status),
		ResultURL:      resp.OutputURL,
		Progress:       resp.Progress,
		Message:        resp.Error,
	}, nil
}

func normalizePixelboost(s string) State {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DONE", "COMPLETED", "OK":
		return StateCompleted
	case "FAILED", "ERROR", "CANCELLED":
		return StateFailed
	case "IN_QUEUE", "IN_PROGRESS", "PROCESSING", "PENDING":
		return StateProcessing
	default:
		// Unknown vocabulary is treated as still-working; the age ceiling
		// backstops a provider that never converges.
		return StateProcessing
	}
}

var _ Adapter = (*PixelboostAdapter)(nil)
