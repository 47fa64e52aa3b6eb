package orch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/suPer8Hu/pixel-platform/internal/metrics"
	"github.com/suPer8Hu/pixel-platform/internal/provider"
	"github.com/suPer8Hu/pixel-platform/internal/task"
)

const progressHintTTL = 2 * time.Minute

// backoffDelay computes base * 2^(attempt-1) capped at the ceiling, with
// ±20% jitter, floored at the base delay. Jitter spreads re-checks so a burst
// of submissions does not produce synchronized provider hammering.
func (s *Service) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.opts.PollBaseDelay
	for i := 1; i < attempt && d < s.opts.PollMaxDelay; i++ {
		d *= 2
	}
	if d > s.opts.PollMaxDelay {
		d = s.opts.PollMaxDelay
	}
	jitter := time.Duration((rand.Float64()*0.4 - 0.2) * float64(d))
	d += jitter
	if d < s.opts.PollBaseDelay {
		d = s.opts.PollBaseDelay
	}
	return d
}

// scheduleNextPoll enqueues a delayed re-check unless one is already queued.
// The dedup marker keeps a webhook progress push and a firing poll from both
// enqueueing redundant future polls.
func (s *Service) scheduleNextPoll(ctx context.Context, taskID string, attempt int) error {
	delay := s.backoffDelay(attempt)
	ok, err := s.locker.MarkScheduled(ctx, taskID, delay)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := s.queue.PublishPoll(ctx, taskID, attempt, delay); err != nil {
		return err
	}
	metrics.PollsScheduled.Inc()
	return nil
}

// HandleScheduledPoll is the queued-job reconciliation entry point: actively
// query the provider and either finalize, reschedule, or force-fail. Safe to
// call any number of times for the same message (at-least-once delivery).
func (s *Service) HandleScheduledPoll(ctx context.Context, taskID string, attempt int) error {
	t, err := s.store.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			// Row was removed by a failed-submission unwind; stale message.
			return nil
		}
		return err
	}
	if t.Status.Terminal() {
		return nil
	}

	spec, _ := task.SpecFor(t.Kind)
	if s.now().Sub(t.CreatedAt) > spec.AgeCeiling {
		return s.Complete(ctx, t.ID, Outcome{ErrMessage: "task exceeded its age ceiling"})
	}

	if t.ProviderTaskID == nil {
		// An ambiguous submission never got a provider id; there is nothing
		// to query and no webhook can match this task. Keep rescheduling so
		// the max-attempt check force-fails it with a refund well before the
		// age ceiling would.
		return s.rescheduleOrFail(ctx, t, attempt, "no provider task id")
	}

	st, err := s.queryProvider(ctx, t)
	if err != nil {
		s.log.Warn().Str("task_id", t.ID).Int("attempt", attempt).Err(err).
			Msg("provider status query failed")
		return s.rescheduleOrFail(ctx, t, attempt, "provider status query kept failing")
	}

	if st.State == provider.StateProcessing {
		if st.Progress > 0 {
			_ = s.locker.SetProgress(ctx, t.ID, st.Progress, progressHintTTL)
		}
		return s.rescheduleOrFail(ctx, t, attempt, "max poll attempts reached")
	}
	return s.Complete(ctx, t.ID, outcomeFromStatus(st))
}

func (s *Service) rescheduleOrFail(ctx context.Context, t *task.Task, attempt int, failMsg string) error {
	if attempt >= s.opts.PollMaxAttempts {
		return s.Complete(ctx, t.ID, Outcome{ErrMessage: failMsg})
	}
	return s.scheduleNextPoll(ctx, t.ID, attempt+1)
}

func (s *Service) queryProvider(ctx context.Context, t *task.Task) (*provider.StatusResult, error) {
	adapter, err := s.reg.Get(t.Provider)
	if err != nil {
		return nil, err
	}
	secret := ""
	if t.KeyID != nil {
		key, err := s.keys.Get(ctx, *t.KeyID)
		if err != nil {
			return nil, fmt.Errorf("load provider key: %w", err)
		}
		secret = key.Secret
	}
	qctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return adapter.QueryStatus(qctx, secret, *t.ProviderTaskID)
}

// SweepTimeouts force-fails tasks stuck past their kind's absolute age
// ceiling so no task (and no debited credit) is left in permanent limbo.
// Tasks mid-relay hold the completion lock and are skipped by Complete.
func (s *Service) SweepTimeouts(ctx context.Context) (int, error) {
	cutoffs := make(map[task.Kind]time.Time)
	for _, k := range []task.Kind{task.KindUpscale, task.KindBackgroundRemoval, task.KindTextToImage, task.KindImageEdit} {
		spec, _ := task.SpecFor(k)
		cutoffs[k] = s.now().Add(-spec.AgeCeiling)
	}
	stale, err := s.store.FindStaleProcessing(ctx, cutoffs, 100)
	if err != nil {
		return 0, err
	}
	swept := 0
	for i := range stale {
		if err := s.Complete(ctx, stale[i].ID, Outcome{ErrMessage: "task exceeded its age ceiling"}); err != nil {
			s.log.Error().Str("task_id", stale[i].ID).Err(err).Msg("timeout sweep failed for task")
			continue
		}
		swept++
	}
	return swept, nil
}
