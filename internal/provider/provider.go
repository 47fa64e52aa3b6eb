package provider

import (
	"context"
	"errors"
	"net"

	"github.com/suPer8Hu/pixel-platform/internal/task"
)

// State is the normalized provider status vocabulary. Each adapter maps its
// provider's wire vocabulary onto these three values at the boundary.
type State string

const (
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// ErrAmbiguous marks a submission failure where the provider may have
// received the request (network timeout after send). The caller keeps the
// task alive and lets reconciliation resolve it instead of assuming failure.
var ErrAmbiguous = errors.New("provider call ambiguous")

type SubmitRequest struct {
	Kind        task.Kind
	SourceURL   string
	CallbackURL string
	// Operation-specific knobs, passed through untouched.
	Params map[string]any
}

type SubmitResult struct {
	ProviderTaskID string
}

type StatusResult struct {
	State     State
	ResultURL string
	Progress  int
	// Provider error payload when State is failed.
	Message string
}

// WebhookEvent is the parsed form of a provider push callback.
type WebhookEvent struct {
	ProviderTaskID string
	State          State
	ResultURL      string
	Progress       int
	Message        string
}

// Adapter is the per-provider protocol surface. The orchestration core is
// identical across providers; only these four operations differ.
type Adapter interface {
	Name() string
	Supports(k task.Kind) bool
	Submit(ctx context.Context, apiKey string, req SubmitRequest) (*SubmitResult, error)
	QueryStatus(ctx context.Context, apiKey, providerTaskID string) (*StatusResult, error)
	ParseWebhook(body []byte) (*WebhookEvent, error)
	// ResultExtension is the file extension of relayed results.
	ResultExtension() string
}

// classifySubmitErr folds network timeouts into ErrAmbiguous. Everything else
// is a plain synchronous failure.
func classifySubmitErr(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errors.Join(ErrAmbiguous, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrAmbiguous, err)
	}
	return err
}
