package orch

import (
	"context"
	"errors"
	"testing"

	"github.com/suPer8Hu/pixel-platform/internal/provider"
	"github.com/suPer8Hu/pixel-platform/internal/task"
)

func TestSubmitHappyPath(t *testing.T) {
	e := newTestEnv()
	before := e.ledger.balance("u1")

	sub, err := e.svc.Submit(context.Background(), SubmitRequest{
		Owner:     Owner{ID: "u1"},
		Kind:      task.KindUpscale,
		SourceURL: "https://img.test/in.png",
		Params:    map[string]any{"scale": float64(2)},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.TaskID == "" || sub.Status != task.StatusProcessing {
		t.Fatalf("unexpected submission: %+v", sub)
	}

	got, err := e.store.GetByID(context.Background(), sub.TaskID)
	if err != nil {
		t.Fatalf("task not persisted: %v", err)
	}
	if got.ProviderTaskID == nil || *got.ProviderTaskID == "" {
		t.Fatalf("provider task id not recorded")
	}
	if e.ledger.balance("u1") != before-2 {
		t.Fatalf("upscale must debit 2 credits, balance %d -> %d", before, e.ledger.balance("u1"))
	}
	if e.keys.acquires != 1 {
		t.Fatalf("expected one key claim, got %d", e.keys.acquires)
	}

	polls := e.queue.published()
	if len(polls) != 1 || polls[0].taskID != sub.TaskID || polls[0].attempt != 1 {
		t.Fatalf("first poll not scheduled: %+v", polls)
	}
}

func TestSubmitInsufficientCredits(t *testing.T) {
	e := newTestEnv()
	e.ledger.balances["u1"] = 1

	_, err := e.svc.Submit(context.Background(), SubmitRequest{
		Owner:     Owner{ID: "u1"},
		Kind:      task.KindUpscale,
		SourceURL: "https://img.test/in.png",
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	// The claimed key slot must be given back.
	if e.keys.releases != 1 {
		t.Fatalf("expected key release after debit failure, got %d", e.keys.releases)
	}
	if len(e.store.tasks) != 0 {
		t.Fatalf("no task row may persist")
	}
}

func TestSubmitNoCapacityBeforeDebit(t *testing.T) {
	e := newTestEnv()
	e.keys.empty = true
	before := e.ledger.balance("u1")

	_, err := e.svc.Submit(context.Background(), SubmitRequest{
		Owner:     Owner{ID: "u1"},
		Kind:      task.KindUpscale,
		SourceURL: "https://img.test/in.png",
	})
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
	if e.ledger.balance("u1") != before {
		t.Fatalf("capacity rejection must happen before the debit")
	}
	if e.ledger.debits != 0 {
		t.Fatalf("no debit may be attempted")
	}
}

func TestSubmitProviderRejectionUnwinds(t *testing.T) {
	e := newTestEnv()
	e.adapter.submitFn = func(context.Context, string, provider.SubmitRequest) (*provider.SubmitResult, error) {
		return nil, errors.New("400 bad request")
	}
	before := e.ledger.balance("u1")

	_, err := e.svc.Submit(context.Background(), SubmitRequest{
		Owner:     Owner{ID: "u1"},
		Kind:      task.KindUpscale,
		SourceURL: "https://img.test/in.png",
	})
	if !errors.Is(err, ErrProviderRejected) {
		t.Fatalf("expected ErrProviderRejected, got %v", err)
	}
	if e.ledger.balance("u1") != before {
		t.Fatalf("credits must be restored after synchronous rejection")
	}
	if len(e.store.tasks) != 0 {
		t.Fatalf("rejected task row must be deleted")
	}
	if e.keys.releases != 1 {
		t.Fatalf("key slot must be released, got %d releases", e.keys.releases)
	}
}

func TestSubmitAmbiguousTimeoutKeepsTask(t *testing.T) {
	e := newTestEnv()
	e.adapter.submitFn = func(context.Context, string, provider.SubmitRequest) (*provider.SubmitResult, error) {
		return nil, errors.Join(provider.ErrAmbiguous, context.DeadlineExceeded)
	}
	before := e.ledger.balance("u1")

	sub, err := e.svc.Submit(context.Background(), SubmitRequest{
		Owner:     Owner{ID: "u1"},
		Kind:      task.KindUpscale,
		SourceURL: "https://img.test/in.png",
	})
	if err != nil {
		t.Fatalf("ambiguous submit must not error: %v", err)
	}

	got, err := e.store.GetByID(context.Background(), sub.TaskID)
	if err != nil {
		t.Fatalf("task must survive an ambiguous submit: %v", err)
	}
	if got.Status != task.StatusProcessing {
		t.Fatalf("expected processing, got %s", got.Status)
	}
	if got.ProviderTaskID != nil {
		t.Fatalf("no provider id may be recorded")
	}
	// Debit stands until reconciliation decides.
	if e.ledger.balance("u1") != before-2 {
		t.Fatalf("debit must stand for an ambiguous submit")
	}
	if e.ledger.refunds != 0 {
		t.Fatalf("no refund for an ambiguous submit")
	}
	// The scheduled-poll path is the only resolver for a task with no
	// provider id, so the first poll must be enqueued here too.
	polls := e.queue.published()
	if len(polls) != 1 || polls[0].taskID != sub.TaskID || polls[0].attempt != 1 {
		t.Fatalf("first poll not scheduled for ambiguous submit: %+v", polls)
	}
}

func TestSubmitAmbiguousTaskEventuallyRefunded(t *testing.T) {
	e := newTestEnv()
	e.adapter.submitFn = func(context.Context, string, provider.SubmitRequest) (*provider.SubmitResult, error) {
		return nil, errors.Join(provider.ErrAmbiguous, context.DeadlineExceeded)
	}
	before := e.ledger.balance("u1")

	sub, err := e.svc.Submit(context.Background(), SubmitRequest{
		Owner:     Owner{ID: "u1"},
		Kind:      task.KindUpscale,
		SourceURL: "https://img.test/in.png",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Drain the scheduled polls the way the worker would until the task
	// converges; the max-attempt check must force-fail and refund it.
	for i := 0; i < e.svc.opts.PollMaxAttempts+1; i++ {
		polls := e.queue.published()
		if len(polls) == 0 {
			break
		}
		last := polls[len(polls)-1]
		e.locker.clearScheduled(last.taskID)
		if err := e.svc.HandleScheduledPoll(context.Background(), last.taskID, last.attempt); err != nil {
			t.Fatalf("poll attempt %d: %v", last.attempt, err)
		}
		got, _ := e.store.GetByID(context.Background(), last.taskID)
		if got.Status.Terminal() {
			break
		}
	}

	got, _ := e.store.GetByID(context.Background(), sub.TaskID)
	if got.Status != task.StatusFailed {
		t.Fatalf("ambiguous task must converge to failed, got %s", got.Status)
	}
	if e.ledger.balance("u1") != before {
		t.Fatalf("debit must be refunded once the task is force-failed")
	}
}

func TestSubmitUnmarshalableParamsHasNoSideEffects(t *testing.T) {
	e := newTestEnv()
	before := e.ledger.balance("u1")

	_, err := e.svc.Submit(context.Background(), SubmitRequest{
		Owner:     Owner{ID: "u1"},
		Kind:      task.KindUpscale,
		SourceURL: "https://img.test/in.png",
		Params:    map[string]any{"bad": make(chan int)},
	})
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
	if e.ledger.debits != 0 || e.ledger.balance("u1") != before {
		t.Fatalf("no debit may happen for unmarshalable params")
	}
	if e.keys.acquires != 0 || e.keys.releases != 0 {
		t.Fatalf("no key slot may be touched, acquires=%d releases=%d", e.keys.acquires, e.keys.releases)
	}
	if len(e.store.tasks) != 0 {
		t.Fatalf("no task row may persist")
	}
}

func TestSubmitTrialReservesThenCommits(t *testing.T) {
	e := newTestEnv()
	e.ledger.balances["trial:abc"] = 10

	_, err := e.svc.Submit(context.Background(), SubmitRequest{
		Owner:     Owner{ID: "trial:abc", Trial: true},
		Kind:      task.KindUpscale,
		SourceURL: "https://img.test/in.png",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if e.keys.acquires != 0 {
		t.Fatalf("trial flow must not pre-claim a slot")
	}
	if e.keys.incrs != 1 {
		t.Fatalf("trial flow must commit the slot after acceptance, incrs=%d", e.keys.incrs)
	}
}

func TestSubmitValidation(t *testing.T) {
	e := newTestEnv()
	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"unknown kind", SubmitRequest{Owner: Owner{ID: "u1"}, Kind: "colorize"}},
		{"t2i without prompt", SubmitRequest{Owner: Owner{ID: "u1"}, Kind: task.KindTextToImage}},
		{"edit without source", SubmitRequest{Owner: Owner{ID: "u1"}, Kind: task.KindImageEdit, Params: map[string]any{"instruction": "crop"}}},
		{"edit without instruction", SubmitRequest{Owner: Owner{ID: "u1"}, Kind: task.KindImageEdit, SourceURL: "https://img.test/in.png"}},
		{"upscale bad scale", SubmitRequest{Owner: Owner{ID: "u1"}, Kind: task.KindUpscale, SourceURL: "https://img.test/in.png", Params: map[string]any{"scale": float64(3)}}},
		{"bg removal without source", SubmitRequest{Owner: Owner{ID: "u1"}, Kind: task.KindBackgroundRemoval}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.svc.Submit(context.Background(), tc.req); !errors.Is(err, ErrInvalidParams) {
				t.Fatalf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
	if e.ledger.debits != 0 {
		t.Fatalf("validation failures must not debit")
	}
}
