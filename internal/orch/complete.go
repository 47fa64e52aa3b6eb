package orch

import (
	"context"

	"github.com/suPer8Hu/pixel-platform/internal/metrics"
	"github.com/suPer8Hu/pixel-platform/internal/provider"
	"github.com/suPer8Hu/pixel-platform/internal/task"
)

// Outcome is what a reconciliation path observed from the provider.
type Outcome struct {
	Success bool
	// Provider-hosted result URL, set on success.
	ResultURL string
	// Failure description, set on failure.
	ErrMessage string
}

func outcomeFromStatus(st *provider.StatusResult) Outcome {
	if st.State == provider.StateCompleted {
		return Outcome{Success: true, ResultURL: st.ResultURL}
	}
	msg := st.Message
	if msg == "" {
		msg = "provider reported failure"
	}
	return Outcome{ErrMessage: msg}
}

// Complete transitions a task to a terminal state exactly once. Any number of
// reconciliation paths may call it concurrently and redundantly; the
// per-task distributed lock plus the post-acquire re-read make the
// relay + terminal-write + refund sequence effectively atomic. A held lock or
// an already-terminal task is a silent no-op, not an error.
func (s *Service) Complete(ctx context.Context, taskID string, outcome Outcome) error {
	token, ok, err := s.locker.AcquireTaskLock(ctx, taskID, s.opts.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		metrics.LockContention.Inc()
		s.log.Info().Str("task_id", taskID).Msg("completion lock held elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := s.locker.ReleaseTaskLock(ctx, taskID, token); err != nil {
			s.log.Warn().Str("task_id", taskID).Err(err).Msg("release completion lock failed")
		}
	}()

	// Re-read under the lock: a previous attempt's lock may have expired
	// mid-relay while its terminal write still landed.
	t, err := s.store.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		s.log.Info().Str("task_id", taskID).Str("status", string(t.Status)).
			Msg("task already terminal, skipping")
		return nil
	}

	if outcome.Success {
		done, serr := s.completeSuccess(ctx, t, outcome.ResultURL)
		if done {
			return serr
		}
		// Relay failed; fall through to the failure path with a refund.
		outcome.ErrMessage = "result relay failed"
	}

	return s.completeFailure(ctx, t, outcome.ErrMessage)
}

// completeSuccess relays the result and writes completed. done=true means the
// terminal write was attempted and err is final; done=false with err set
// means the relay failed and the caller should fail the task instead.
func (s *Service) completeSuccess(ctx context.Context, t *task.Task, resultURL string) (done bool, err error) {
	if t.Status == task.StatusProcessing {
		won, err := s.store.MarkUploading(ctx, t.ID)
		if err != nil {
			return true, err
		}
		if !won {
			// Lost the advisory gate. The only legal non-processing states
			// here are uploading (a fallback query left it there) or
			// terminal (someone finished while we read).
			fresh, err := s.store.GetByID(ctx, t.ID)
			if err != nil {
				return true, err
			}
			if fresh.Status.Terminal() {
				return true, nil
			}
		}
	}

	ext := ".png"
	if a, aerr := s.reg.Get(t.Provider); aerr == nil {
		ext = a.ResultExtension()
	}
	res, err := s.relay.Fetch(ctx, resultURL, t.OwnerID, t.ID, ext)
	if err != nil {
		s.log.Error().Str("task_id", t.ID).Err(err).Msg("result relay failed")
		return false, err
	}
	if res.Method == "local" {
		metrics.RelayFallbacks.Inc()
	}

	if err := s.store.MarkCompleted(ctx, t.ID, res.StorageKey, res.PublicURL); err != nil {
		return true, err
	}
	metrics.TasksCompleted.WithLabelValues(string(t.Kind), string(task.StatusCompleted)).Inc()
	s.log.Info().Str("task_id", t.ID).Str("method", res.Method).Msg("task completed")
	return true, nil
}

// completeFailure writes failed and refunds the debit. A ledger hiccup must
// never block the terminal transition: the refund is idempotent and the next
// reconciliation pass (or an operator) retries it.
func (s *Service) completeFailure(ctx context.Context, t *task.Task, errMsg string) error {
	if errMsg == "" {
		errMsg = "task failed"
	}
	if err := s.store.MarkFailed(ctx, t.ID, errMsg); err != nil {
		return err
	}
	metrics.TasksCompleted.WithLabelValues(string(t.Kind), string(task.StatusFailed)).Inc()

	already, err := s.ledger.Refund(ctx, t.OwnerID, int64(t.CreditsConsumed), t.ID)
	if err != nil {
		metrics.RefundErrors.Inc()
		s.log.Error().Str("task_id", t.ID).Err(err).
			Msg("refund failed, flagged for operational follow-up")
	} else if !already {
		metrics.RefundsApplied.Inc()
	}

	s.log.Info().Str("task_id", t.ID).Str("reason", errMsg).Bool("refund_duplicate", already).
		Msg("task failed")
	return nil
}
