package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/pixel-platform/internal/common"
	"github.com/suPer8Hu/pixel-platform/internal/keypool"
	"github.com/suPer8Hu/pixel-platform/internal/ledger"
	"github.com/suPer8Hu/pixel-platform/internal/metrics"
	"github.com/suPer8Hu/pixel-platform/internal/provider"
	"github.com/suPer8Hu/pixel-platform/internal/task"
)

// Owner identifies who pays for and owns a task: an authenticated user id or
// an anonymous-trial fingerprint.
type Owner struct {
	ID    string
	Trial bool
}

type SubmitRequest struct {
	Owner     Owner
	Kind      task.Kind
	SourceURL string
	Params    map[string]any
}

type Submission struct {
	TaskID        string        `json:"task_id"`
	Status        task.Status   `json:"status"`
	EstimatedTime time.Duration `json:"-"`
}

const submitTimeout = 30 * time.Second

// Submit runs the submission pipeline: validate, acquire a provider key,
// debit credits, persist the task, call the provider, schedule the first
// poll. Ordering matters: capacity rejection happens before the debit, debit
// failure before the provider call, and a synchronous provider rejection
// unwinds both so no task persists for work the provider never accepted.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	spec, ok := task.SpecFor(req.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidParams, req.Kind)
	}
	if err := validateParams(req); err != nil {
		return nil, err
	}

	// Marshal before any side effects; a failure here must not leak a key
	// slot or a debit.
	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	adapter, err := s.reg.ForKind(req.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	// Capacity first: no key, no debit. Trial flows reserve without claiming
	// a slot and commit it only once the provider accepted the job.
	var key *keypool.ProviderKey
	if req.Owner.Trial {
		key, err = s.keys.Reserve(ctx, adapter.Name())
	} else {
		key, err = s.keys.Acquire(ctx, adapter.Name())
	}
	if errors.Is(err, keypool.ErrNoKeyAvailable) {
		return nil, ErrNoCapacity
	}
	if err != nil {
		return nil, err
	}

	taskID, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	if err := s.ledger.Debit(ctx, req.Owner.ID, int64(spec.Cost), taskID, "submit "+string(req.Kind)); err != nil {
		if !req.Owner.Trial {
			s.releaseKey(ctx, key.ID)
		}
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, ErrInsufficientCredits
		}
		return nil, err
	}

	t := &task.Task{
		ID:              taskID,
		OwnerID:         req.Owner.ID,
		OwnerTrial:      req.Owner.Trial,
		Provider:        adapter.Name(),
		Kind:            req.Kind,
		Params:          string(paramsJSON),
		CreditsConsumed: spec.Cost,
		KeyID:           &key.ID,
		Status:          task.StatusProcessing,
	}
	if req.SourceURL != "" {
		src := req.SourceURL
		t.SourceObjectKey = &src
	}
	if err := s.store.Create(ctx, t); err != nil {
		s.unwindSubmit(ctx, req.Owner, key, taskID, spec.Cost, false)
		return nil, err
	}

	subCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	res, err := adapter.Submit(subCtx, key.Secret, provider.SubmitRequest{
		Kind:        req.Kind,
		SourceURL:   req.SourceURL,
		CallbackURL: s.callbackURL(adapter.Name()),
		Params:      req.Params,
	})
	if err != nil {
		if errors.Is(err, provider.ErrAmbiguous) {
			// The provider may have received the request. Keep the task in
			// processing rather than assuming failure, and schedule the first
			// poll so the max-attempt and age-ceiling checks still run against
			// it even though there is no provider id to query.
			s.log.Warn().Str("task_id", taskID).Str("provider", adapter.Name()).
				Err(err).Msg("ambiguous provider submit, keeping task alive")
			if perr := s.scheduleNextPoll(ctx, taskID, 1); perr != nil {
				s.log.Warn().Str("task_id", taskID).Err(perr).Msg("schedule first poll failed")
			}
			return &Submission{TaskID: taskID, Status: task.StatusProcessing, EstimatedTime: spec.EstimatedTime}, nil
		}
		// Unambiguous synchronous rejection: remove the task, give back the
		// key slot, restore the credits.
		s.unwindSubmit(ctx, req.Owner, key, taskID, spec.Cost, true)
		return nil, fmt.Errorf("%w: %v", ErrProviderRejected, err)
	}

	if err := s.store.SetProviderTaskID(ctx, taskID, res.ProviderTaskID); err != nil {
		// The provider accepted the job; losing the id mapping would orphan
		// it. Surface the error, the row stays for the timeout sweep.
		s.log.Error().Str("task_id", taskID).Err(err).Msg("persist provider task id failed")
		return nil, err
	}
	if req.Owner.Trial {
		if err := s.keys.Increment(ctx, key.ID); err != nil {
			s.log.Error().Uint64("key_id", key.ID).Err(err).Msg("commit reserved key slot failed")
		}
	}

	metrics.TasksSubmitted.WithLabelValues(string(req.Kind)).Inc()

	if err := s.scheduleNextPoll(ctx, taskID, 1); err != nil {
		// Webhooks and client polls still cover this task; log only.
		s.log.Warn().Str("task_id", taskID).Err(err).Msg("schedule first poll failed")
	}

	return &Submission{TaskID: taskID, Status: task.StatusProcessing, EstimatedTime: spec.EstimatedTime}, nil
}

func (s *Service) unwindSubmit(ctx context.Context, owner Owner, key *keypool.ProviderKey, taskID string, cost int, deleteRow bool) {
	if deleteRow {
		if err := s.store.Delete(ctx, taskID); err != nil {
			s.log.Error().Str("task_id", taskID).Err(err).Msg("delete unaccepted task failed")
		}
	}
	if !owner.Trial {
		s.releaseKey(ctx, key.ID)
	}
	if _, err := s.ledger.Refund(ctx, owner.ID, int64(cost), taskID); err != nil {
		metrics.RefundErrors.Inc()
		s.log.Error().Str("task_id", taskID).Err(err).Msg("refund after failed submit errored")
	}
}

func (s *Service) releaseKey(ctx context.Context, keyID uint64) {
	if err := s.keys.Release(ctx, keyID); err != nil {
		s.log.Error().Uint64("key_id", keyID).Err(err).Msg("release provider key failed")
	}
}

func validateParams(req SubmitRequest) error {
	switch req.Kind {
	case task.KindTextToImage:
		prompt, _ := req.Params["prompt"].(string)
		if strings.TrimSpace(prompt) == "" {
			return fmt.Errorf("%w: prompt required", ErrInvalidParams)
		}
	case task.KindImageEdit:
		if req.SourceURL == "" {
			return fmt.Errorf("%w: source image required", ErrInvalidParams)
		}
		instruction, _ := req.Params["instruction"].(string)
		if strings.TrimSpace(instruction) == "" {
			return fmt.Errorf("%w: instruction required", ErrInvalidParams)
		}
	case task.KindUpscale:
		if req.SourceURL == "" {
			return fmt.Errorf("%w: source image required", ErrInvalidParams)
		}
		if scale, ok := req.Params["scale"].(float64); ok && scale != 2 && scale != 4 {
			return fmt.Errorf("%w: scale must be 2 or 4", ErrInvalidParams)
		}
	case task.KindBackgroundRemoval:
		if req.SourceURL == "" {
			return fmt.Errorf("%w: source image required", ErrInvalidParams)
		}
	}
	return nil
}
