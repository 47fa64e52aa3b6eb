package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/suPer8Hu/pixel-platform/internal/task"
)

// DreambrushAdapter talks to the Dreambrush text-to-image API. Dreambrush
// reports lowercase states and a queue position while waiting.
type DreambrushAdapter struct {
	api *apiClient
}

func NewDreambrushAdapter(baseURL string) *DreambrushAdapter {
	if baseURL == "" {
		baseURL = "https://api.dreambrush.io"
	}
	return &DreambrushAdapter{api: newAPIClient(baseURL, 30 * time.Second)}
}

func (a *DreambrushAdapter) Name() string { return "dreambrush" }

func (a *DreambrushAdapter) Supports(k task.Kind) bool {
	return k == task.KindTextToImage
}

func (a *DreambrushAdapter) ResultExtension() string { return ".png" }

type dreambrushSubmitReq struct {
	Prompt   string         `json:"prompt"`
	Webhook  string         `json:"webhook,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

type dreambrushGenResp struct {
	ID            string   `json:"id"`
	State         string   `json:"state"`
	Images        []string `json:"images,omitempty"`
	QueuePosition int      `json:"queue_position,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
}

func (a *DreambrushAdapter) Submit(ctx context.Context, apiKey string, req SubmitRequest) (*SubmitResult, error) {
	prompt, _ := req.Params["prompt"].(string)
	var resp dreambrushGenResp
	err := a.api.postJSON(ctx, apiKey, "/api/generations", dreambrushSubmitReq{
		Prompt:   prompt,
		Webhook:  req.CallbackURL,
		Settings: req.Params,
	}, &resp)
	if err != nil {
		return nil, classifySubmitErr(err)
	}
	if resp.ID == "" {
		return nil, errors.New("dreambrush: empty generation id")
	}
	return &SubmitResult{ProviderTaskID: resp.ID}, nil
}

func (a *DreambrushAdapter) QueryStatus(ctx context.Context, apiKey, providerTaskID string) (*StatusResult, error) {
	var resp dreambrushGenResp
	if err := a.api.getJSON(ctx, apiKey, "/api/generations/"+providerTaskID, &resp); err != nil {
		return nil, err
	}
	return statusFromDreambrush(&resp), nil
}

func (a *DreambrushAdapter) ParseWebhook(body []byte) (*WebhookEvent, error) {
	var resp dreambrushGenResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, errors.New("dreambrush: webhook missing id")
	}
	st := statusFromDreambrush(&resp)
	return &WebhookEvent{
		ProviderTaskID: resp.ID,
		State:          st.State,
		ResultURL:      st.ResultURL,
		Progress:       st.Progress,
		Message:        st.Message,
	}, nil
}

func statusFromDreambrush(resp *dreambrushGenResp) *StatusResult {
	out := &StatusResult{
		State:   normalizeDreambrush(resp.State),
		Message: resp.FailureReason,
	}
	if len(resp.Images) > 0 {
		out.ResultURL = resp.Images[0]
	}
	// Rough percentage from queue position: front of the queue reads higher.
	if out.State == StateProcessing && resp.QueuePosition > 0 {
		p := 100 - resp.QueuePosition*10
		if p < 5 {
			p = 5
		}
		out.Progress = p
	}
	return out
}

func normalizeDreambrush(s string) State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "done", "succeeded", "complete", "ok":
		return StateCompleted
	case "failed", "error", "nsfw_rejected":
		return StateFailed
	case "queued", "running", "generating", "pending":
		return StateProcessing
	default:
		return StateProcessing
	}
}

var _ Adapter = (*DreambrushAdapter)(nil)
