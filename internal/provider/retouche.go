package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/suPer8Hu/pixel-platform/internal/task"
)

// RetoucheAdapter talks to the Retouche prompt-guided image-edit API.
// Retouche reports TitleCase statuses and nests result/error payloads.
type RetoucheAdapter struct {
	api *apiClient
}

func NewRetoucheAdapter(baseURL string) *RetoucheAdapter {
	if baseURL == "" {
		baseURL = "https://api.retouche.app"
	}
	return &RetoucheAdapter{api: newAPIClient(baseURL, 30 * time.Second)}
}

func (a *RetoucheAdapter) Name() string { return "retouche" }

func (a *RetoucheAdapter) Supports(k task.Kind) bool {
	return k == task.KindImageEdit
}

func (a *RetoucheAdapter) ResultExtension() string { return ".jpg" }

type retoucheSubmitReq struct {
	ImageURL    string         `json:"image_url"`
	Instruction string         `json:"instruction"`
	NotifyURL   string         `json:"notify_url,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

type retoucheTaskResp struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Result *struct {
		URL string `json:"url"`
	} `json:"result,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *RetoucheAdapter) Submit(ctx context.Context, apiKey string, req SubmitRequest) (*SubmitResult, error) {
	instruction, _ := req.Params["instruction"].(string)
	var resp retoucheTaskResp
	err := a.api.postJSON(ctx, apiKey, "/v2/edits", retoucheSubmitReq{
		ImageURL:    req.SourceURL,
		Instruction: instruction,
		NotifyURL:   req.CallbackURL,
		Params:      req.Params,
	}, &resp)
	if err != nil {
		return nil, classifySubmitErr(err)
	}
	if resp.TaskID == "" {
		return nil, errors.New("retouche: empty task id")
	}
	return &SubmitResult{ProviderTaskID: resp.TaskID}, nil
}

func (a *RetoucheAdapter) QueryStatus(ctx context.Context, apiKey, providerTaskID string) (*StatusResult, error) {
	var resp retoucheTaskResp
	if err := a.api.getJSON(ctx, apiKey, "/v2/edits/"+providerTaskID, &resp); err != nil {
		return nil, err
	}
	return statusFromRetouche(&resp), nil
}

func (a *RetoucheAdapter) ParseWebhook(body []byte) (*WebhookEvent, error) {
	var resp retoucheTaskResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.TaskID == "" {
		return nil, errors.New("retouche: webhook missing task_id")
	}
	st := statusFromRetouche(&resp)
	return &WebhookEvent{
		ProviderTaskID: resp.TaskID,
		State:          st.State,
		ResultURL:      st.ResultURL,
		Message:        st.Message,
	}, nil
}

func statusFromRetouche(resp *retoucheTaskResp) *StatusResult {
	out := &StatusResult{State: normalizeRetouche(resp.Status)}
	if resp.Result != nil {
		out.ResultURL = resp.Result.URL
	}
	if resp.Error != nil {
		out.Message = resp.Error.Message
	}
	return out
}

func normalizeRetouche(s string) State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "done":
		return StateCompleted
	case "error", "failed", "rejected":
		return StateFailed
	case "pending", "processing", "queued":
		return StateProcessing
	default:
		return StateProcessing
	}
}

var _ Adapter = (*RetoucheAdapter)(nil)
