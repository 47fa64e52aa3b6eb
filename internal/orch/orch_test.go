package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/pixel-platform/internal/keypool"
	"github.com/suPer8Hu/pixel-platform/internal/ledger"
	"github.com/suPer8Hu/pixel-platform/internal/provider"
	"github.com/suPer8Hu/pixel-platform/internal/storage"
	"github.com/suPer8Hu/pixel-platform/internal/task"
)

// memStore is an in-memory TaskStore. Keeping it in memory lets the
// concurrency tests hammer it from many goroutines without a database.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*task.Task)}
}

func (m *memStore) Create(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) GetByProviderTaskID(_ context.Context, providerTaskID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ProviderTaskID != nil && *t.ProviderTaskID == providerTaskID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, task.ErrNotFound
}

func (m *memStore) SetProviderTaskID(_ context.Context, id, providerTaskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	t.ProviderTaskID = &providerTaskID
	return nil
}

func (m *memStore) MarkUploading(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != task.StatusProcessing {
		return false, nil
	}
	t.Status = task.StatusUploading
	return true, nil
}

func (m *memStore) RevertUploading(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok && t.Status == task.StatusUploading {
		t.Status = task.StatusProcessing
	}
	return nil
}

func (m *memStore) MarkCompleted(_ context.Context, id, resultObjectKey, resultURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	now := time.Now()
	t.Status = task.StatusCompleted
	t.ResultObjectKey = &resultObjectKey
	t.ResultURL = &resultURL
	t.Error = nil
	t.CompletedAt = &now
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	now := time.Now()
	t.Status = task.StatusFailed
	t.Error = &errMsg
	t.CompletedAt = &now
	return nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *memStore) FindStaleProcessing(_ context.Context, cutoffs map[task.Kind]time.Time, limit int) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if t.Status.Terminal() {
			continue
		}
		cutoff, ok := cutoffs[t.Kind]
		if ok && t.CreatedAt.Before(cutoff) {
			out = append(out, *t)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListByOwner(_ context.Context, ownerID string, _ int) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if t.OwnerID == ownerID {
			out = append(out, *t)
		}
	}
	return out, nil
}

// memLedger tracks balances and enforces one refund per task the way the
// durable unique index does.
type memLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	refunded map[string]bool
	debits   int
	refunds  int
	// next Debit/Refund returns this error once
	failNext error
}

func newMemLedger(owner string, balance int64) *memLedger {
	return &memLedger{
		balances: map[string]int64{owner: balance},
		refunded: make(map[string]bool),
	}
}

func (m *memLedger) Debit(_ context.Context, ownerID string, amount int64, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	if m.balances[ownerID] < amount {
		return ledger.ErrInsufficientBalance
	}
	m.balances[ownerID] -= amount
	m.debits++
	return nil
}

func (m *memLedger) Refund(_ context.Context, ownerID string, amount int64, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return false, err
	}
	if m.refunded[taskID] {
		return true, nil
	}
	m.refunded[taskID] = true
	m.balances[ownerID] += amount
	m.refunds++
	return false, nil
}

func (m *memLedger) balance(owner string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[owner]
}

// memKeys is an in-memory KeyPool with one key per provider.
type memKeys struct {
	mu       sync.Mutex
	key      keypool.ProviderKey
	used     int
	limit    int
	acquires int
	releases int
	incrs    int
	empty    bool
}

func newMemKeys() *memKeys {
	return &memKeys{
		key:   keypool.ProviderKey{ID: 1, Provider: "pixelboost", Secret: "sk-test", IsActive: true},
		limit: 100,
	}
}

func (m *memKeys) Acquire(_ context.Context, _ string) (*keypool.ProviderKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.empty || m.used >= m.limit {
		return nil, keypool.ErrNoKeyAvailable
	}
	m.used++
	m.acquires++
	cp := m.key
	return &cp, nil
}

func (m *memKeys) Reserve(_ context.Context, _ string) (*keypool.ProviderKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.empty || m.used >= m.limit {
		return nil, keypool.ErrNoKeyAvailable
	}
	cp := m.key
	return &cp, nil
}

func (m *memKeys) Release(_ context.Context, _ uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used > 0 {
		m.used--
	}
	m.releases++
	return nil
}

func (m *memKeys) Increment(_ context.Context, _ uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used++
	m.incrs++
	return nil
}

func (m *memKeys) Get(_ context.Context, _ uint64) (*keypool.ProviderKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.key
	return &cp, nil
}

// fakeRelay counts fetches; the exactly-once tests assert on the counter.
type fakeRelay struct {
	mu      sync.Mutex
	fetches int
	fail    bool
	// optional delay to widen race windows
	delay time.Duration
}

func (f *fakeRelay) Fetch(_ context.Context, _, ownerScope, taskID, ext string) (*storage.RelayResult, error) {
	f.mu.Lock()
	f.fetches++
	fail := f.fail
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return nil, errors.New("relay blew up")
	}
	key := ownerScope + "/" + taskID + ext
	return &storage.RelayResult{
		StorageKey: key,
		PublicURL:  "https://cdn.test/" + key,
		Method:     "stream",
	}, nil
}

func (f *fakeRelay) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// memLocker gives real mutual exclusion in-process.
type memLocker struct {
	mu        sync.Mutex
	locks     map[string]string
	scheduled map[string]bool
	progress  map[string]int
}

func newMemLocker() *memLocker {
	return &memLocker{
		locks:     make(map[string]string),
		scheduled: make(map[string]bool),
		progress:  make(map[string]int),
	}
}

func (m *memLocker) AcquireTaskLock(_ context.Context, taskID string, _ time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[taskID]; held {
		return "", false, nil
	}
	token := uuid.NewString()
	m.locks[taskID] = token
	return token, true, nil
}

func (m *memLocker) ReleaseTaskLock(_ context.Context, taskID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[taskID] == token {
		delete(m.locks, taskID)
	}
	return nil
}

func (m *memLocker) MarkScheduled(_ context.Context, taskID string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scheduled[taskID] {
		return false, nil
	}
	m.scheduled[taskID] = true
	return true, nil
}

func (m *memLocker) clearScheduled(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scheduled, taskID)
}

func (m *memLocker) SetProgress(_ context.Context, taskID string, percent int, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[taskID] = percent
	return nil
}

func (m *memLocker) GetProgress(_ context.Context, taskID string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[taskID]
	return p, ok, nil
}

// fakeQueue records scheduled polls instead of touching a broker.
type pollMsg struct {
	taskID  string
	attempt int
	delay   time.Duration
}

type fakeQueue struct {
	mu   sync.Mutex
	msgs []pollMsg
}

func (f *fakeQueue) PublishPoll(_ context.Context, taskID string, attempt int, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, pollMsg{taskID: taskID, attempt: attempt, delay: delay})
	return nil
}

func (f *fakeQueue) published() []pollMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pollMsg, len(f.msgs))
	copy(out, f.msgs)
	return out
}

// fakeAdapter is a scriptable provider.Adapter.
type fakeAdapter struct {
	name      string
	kinds     map[task.Kind]bool
	submitFn  func(ctx context.Context, apiKey string, req provider.SubmitRequest) (*provider.SubmitResult, error)
	statusFn  func(ctx context.Context, apiKey, providerTaskID string) (*provider.StatusResult, error)
	webhookFn func(body []byte) (*provider.WebhookEvent, error)
	ext       string
}

func newFakeAdapter(kinds ...task.Kind) *fakeAdapter {
	km := make(map[task.Kind]bool)
	for _, k := range kinds {
		km[k] = true
	}
	n := 0
	return &fakeAdapter{
		name:  "pixelboost",
		kinds: km,
		ext:   ".png",
		submitFn: func(context.Context, string, provider.SubmitRequest) (*provider.SubmitResult, error) {
			n++
			return &provider.SubmitResult{ProviderTaskID: fmt.Sprintf("prov-%d", n)}, nil
		},
		statusFn: func(context.Context, string, string) (*provider.StatusResult, error) {
			return &provider.StatusResult{State: provider.StateProcessing, Progress: 10}, nil
		},
	}
}

func (f *fakeAdapter) Name() string              { return f.name }
func (f *fakeAdapter) Supports(k task.Kind) bool { return f.kinds[k] }
func (f *fakeAdapter) ResultExtension() string   { return f.ext }

func (f *fakeAdapter) Submit(ctx context.Context, apiKey string, req provider.SubmitRequest) (*provider.SubmitResult, error) {
	return f.submitFn(ctx, apiKey, req)
}

func (f *fakeAdapter) QueryStatus(ctx context.Context, apiKey, providerTaskID string) (*provider.StatusResult, error) {
	return f.statusFn(ctx, apiKey, providerTaskID)
}

func (f *fakeAdapter) ParseWebhook(body []byte) (*provider.WebhookEvent, error) {
	if f.webhookFn != nil {
		return f.webhookFn(body)
	}
	return nil, errors.New("no webhook parser")
}

// env bundles the service with its fakes for assertions.
type env struct {
	svc     *Service
	store   *memStore
	ledger  *memLedger
	keys    *memKeys
	relay   *fakeRelay
	locker  *memLocker
	queue   *fakeQueue
	adapter *fakeAdapter
}

func newTestEnv() *env {
	e := &env{
		store:   newMemStore(),
		ledger:  newMemLedger("u1", 100),
		keys:    newMemKeys(),
		relay:   &fakeRelay{},
		locker:  newMemLocker(),
		queue:   &fakeQueue{},
		adapter: newFakeAdapter(task.KindUpscale, task.KindBackgroundRemoval, task.KindTextToImage, task.KindImageEdit),
	}
	reg := provider.NewRegistry()
	reg.Register(e.adapter)
	svc, err := NewService(e.store, e.ledger, e.keys, e.relay, e.locker, e.queue, reg, Options{
		LockTTL:         time.Minute,
		PollBaseDelay:   5 * time.Second,
		PollMaxDelay:    5 * time.Minute,
		PollMaxAttempts: 5,
	}, zerolog.Nop())
	if err != nil {
		panic(err)
	}
	e.svc = svc
	return e
}

// seed puts a processing task with a provider id directly into the store.
func (e *env) seed(id, providerTaskID string, kind task.Kind, cost int) *task.Task {
	t := &task.Task{
		ID:              id,
		OwnerID:         "u1",
		Provider:        "pixelboost",
		Kind:            kind,
		Status:          task.StatusProcessing,
		CreditsConsumed: cost,
		CreatedAt:       time.Now(),
	}
	if providerTaskID != "" {
		p := providerTaskID
		t.ProviderTaskID = &p
	}
	keyID := uint64(1)
	t.KeyID = &keyID
	_ = e.store.Create(context.Background(), t)
	return t
}
