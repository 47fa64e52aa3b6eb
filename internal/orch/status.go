package orch

import (
	"context"
	"fmt"

	"github.com/suPer8Hu/pixel-platform/internal/provider"
	"github.com/suPer8Hu/pixel-platform/internal/task"
)

// Projection is the client-facing view of a task. It never carries provider
// URLs or credentials; the result URL points at our own object store.
type Projection struct {
	TaskID    string      `json:"task_id"`
	Status    task.Status `json:"status"`
	Progress  *int        `json:"progress,omitempty"`
	ResultURL *string     `json:"result_url,omitempty"`
	Error     *string     `json:"error,omitempty"`
	CanRetry  bool        `json:"can_retry"`
}

// Status is the client-poll reconciliation entry point. When a task has sat
// in processing past its kind's soft timeout, it actively queries the
// provider as a fallback before answering, gating through uploading so a
// concurrent scheduled poll does not duplicate the query.
func (s *Service) Status(ctx context.Context, owner Owner, taskID string) (*Projection, error) {
	t, err := s.store.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != owner.ID {
		// Hide existence.
		return nil, task.ErrNotFound
	}

	spec, _ := task.SpecFor(t.Kind)
	stale := t.Status == task.StatusProcessing &&
		t.ProviderTaskID != nil &&
		s.now().Sub(t.CreatedAt) > spec.SoftTimeout

	if stale {
		if fresh, err := s.fallbackQuery(ctx, t); err == nil && fresh != nil {
			t = fresh
		}
	}

	return s.projection(ctx, t), nil
}

// fallbackQuery performs an on-demand provider query for a stale task.
// Returns the refreshed task row, or nil when another path is already on it.
func (s *Service) fallbackQuery(ctx context.Context, t *task.Task) (*task.Task, error) {
	won, err := s.store.MarkUploading(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		// A scheduled poll or webhook beat us to it; answer with what we have.
		return nil, nil
	}

	st, err := s.queryProvider(ctx, t)
	if err != nil {
		if rerr := s.store.RevertUploading(ctx, t.ID); rerr != nil {
			s.log.Error().Str("task_id", t.ID).Err(rerr).Msg("revert uploading failed")
		}
		s.log.Warn().Str("task_id", t.ID).Err(err).Msg("fallback status query failed")
		return nil, err
	}

	if st.State == provider.StateProcessing {
		if rerr := s.store.RevertUploading(ctx, t.ID); rerr != nil {
			s.log.Error().Str("task_id", t.ID).Err(rerr).Msg("revert uploading failed")
		}
		if st.Progress > 0 {
			_ = s.locker.SetProgress(ctx, t.ID, st.Progress, progressHintTTL)
		}
		return s.store.GetByID(ctx, t.ID)
	}

	if err := s.Complete(ctx, t.ID, outcomeFromStatus(st)); err != nil {
		s.log.Error().Str("task_id", t.ID).Err(err).Msg("fallback completion failed")
	}
	return s.store.GetByID(ctx, t.ID)
}

func (s *Service) projection(ctx context.Context, t *task.Task) *Projection {
	p := &Projection{
		TaskID: t.ID,
		Status: t.Status,
	}
	switch t.Status {
	case task.StatusCompleted:
		p.ResultURL = t.ResultURL
	case task.StatusFailed:
		msg := "processing failed"
		if t.Error != nil && *t.Error != "" {
			msg = *t.Error
		}
		p.Error = &msg
		p.CanRetry = true
	default:
		if pct, ok, err := s.locker.GetProgress(ctx, t.ID); err == nil && ok {
			p.Progress = &pct
		}
	}
	return p
}

// HandleWebhook is the provider-push reconciliation entry point. Terminal
// pushes funnel into Complete; non-terminal pushes only refresh the cheap
// progress hint (no lock, no task-store write).
func (s *Service) HandleWebhook(ctx context.Context, providerName string, body []byte) error {
	adapter, err := s.reg.Get(providerName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	ev, err := adapter.ParseWebhook(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	t, err := s.store.GetByProviderTaskID(ctx, ev.ProviderTaskID)
	if err != nil {
		return err
	}

	if ev.State == provider.StateProcessing {
		if ev.Progress > 0 {
			_ = s.locker.SetProgress(ctx, t.ID, ev.Progress, progressHintTTL)
		}
		return nil
	}

	return s.Complete(ctx, t.ID, outcomeFromStatus(&provider.StatusResult{
		State:     ev.State,
		ResultURL: ev.ResultURL,
		Message:   ev.Message,
	}))
}

// ListTasks returns an owner's recent tasks as projections.
func (s *Service) ListTasks(ctx context.Context, owner Owner, limit int) ([]Projection, error) {
	tasks, err := s.store.ListByOwner(ctx, owner.ID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Projection, 0, len(tasks))
	for i := range tasks {
		out = append(out, *s.projection(ctx, &tasks[i]))
	}
	return out, nil
}
