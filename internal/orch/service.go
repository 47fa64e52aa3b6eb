// Package orch is the asynchronous task orchestration core: submission,
// the idempotent completion critical section, poll scheduling with backoff,
// and the three reconciliation entry points (webhook, client poll, scheduled
// poll) that race to finalize a task exactly once.
package orch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/pixel-platform/internal/keypool"
	"github.com/suPer8Hu/pixel-platform/internal/provider"
	"github.com/suPer8Hu/pixel-platform/internal/storage"
	"github.com/suPer8Hu/pixel-platform/internal/task"
)

var (
	ErrInvalidParams       = errors.New("invalid task parameters")
	ErrNoCapacity          = errors.New("no provider capacity available")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrProviderRejected    = errors.New("provider rejected submission")
)

// TaskStore is the durable task record surface (internal/task.Repo).
type TaskStore interface {
	Create(ctx context.Context, t *task.Task) error
	GetByID(ctx context.Context, id string) (*task.Task, error)
	GetByProviderTaskID(ctx context.Context, providerTaskID string) (*task.Task, error)
	SetProviderTaskID(ctx context.Context, id, providerTaskID string) error
	MarkUploading(ctx context.Context, id string) (bool, error)
	RevertUploading(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, resultObjectKey, resultURL string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	Delete(ctx context.Context, id string) error
	FindStaleProcessing(ctx context.Context, cutoffs map[task.Kind]time.Time, limit int) ([]task.Task, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]task.Task, error)
}

// CreditLedger is the balance surface (internal/ledger.Repo).
type CreditLedger interface {
	Debit(ctx context.Context, ownerID string, amount int64, taskID, memo string) error
	Refund(ctx context.Context, ownerID string, amount int64, taskID string) (alreadyRefunded bool, err error)
}

// KeyPool is the provider credential pool (internal/keypool.Pool).
type KeyPool interface {
	Acquire(ctx context.Context, provider string) (*keypool.ProviderKey, error)
	Reserve(ctx context.Context, provider string) (*keypool.ProviderKey, error)
	Release(ctx context.Context, keyID uint64) error
	Increment(ctx context.Context, keyID uint64) error
	Get(ctx context.Context, keyID uint64) (*keypool.ProviderKey, error)
}

// ResultRelay mirrors provider results into owned storage (internal/storage.Relay).
type ResultRelay interface {
	Fetch(ctx context.Context, sourceURL, ownerScope, taskID, extension string) (*storage.RelayResult, error)
}

// Locker is the cross-process coordination surface (internal/store/redisstore.Store):
// the per-task completion lock, the schedule-dedup marker, and the progress cache.
type Locker interface {
	AcquireTaskLock(ctx context.Context, taskID string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseTaskLock(ctx context.Context, taskID, token string) error
	MarkScheduled(ctx context.Context, taskID string, ttl time.Duration) (bool, error)
	SetProgress(ctx context.Context, taskID string, percent int, ttl time.Duration) error
	GetProgress(ctx context.Context, taskID string) (int, bool, error)
}

// PollPublisher enqueues delayed status re-checks (internal/store/rabbitmq.Publisher).
type PollPublisher interface {
	PublishPoll(ctx context.Context, taskID string, attempt int, delay time.Duration) error
}

// Adapters resolves provider adapters (internal/provider.Registry).
type Adapters interface {
	Get(name string) (provider.Adapter, error)
	ForKind(k task.Kind) (provider.Adapter, error)
}

// Options are the orchestration knobs, all required except CallbackBaseURL.
type Options struct {
	LockTTL         time.Duration
	PollBaseDelay   time.Duration
	PollMaxDelay    time.Duration
	PollMaxAttempts int
	// Base URL providers push webhooks to; empty disables webhooks and the
	// scheduled poll becomes the only push-independent path.
	CallbackBaseURL string
}

type Service struct {
	store  TaskStore
	ledger CreditLedger
	keys   KeyPool
	relay  ResultRelay
	locker Locker
	queue  PollPublisher
	reg    Adapters
	opts   Options
	log    zerolog.Logger
	now    func() time.Time
}

func NewService(store TaskStore, ledger CreditLedger, keys KeyPool, relay ResultRelay,
	locker Locker, queue PollPublisher, reg Adapters, opts Options, log zerolog.Logger) (*Service, error) {

	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	if opts.PollBaseDelay <= 0 {
		opts.PollBaseDelay = 5 * time.Second
	}
	if opts.PollMaxDelay < opts.PollBaseDelay {
		opts.PollMaxDelay = 5 * time.Minute
	}
	if opts.PollMaxAttempts <= 0 {
		opts.PollMaxAttempts = 20
	}
	if opts.CallbackBaseURL != "" {
		if err := validateCallbackBase(opts.CallbackBaseURL); err != nil {
			return nil, err
		}
	}
	return &Service{
		store:  store,
		ledger: ledger,
		keys:   keys,
		relay:  relay,
		locker: locker,
		queue:  queue,
		reg:    reg,
		opts:   opts,
		log:    log,
		now:    time.Now,
	}, nil
}

// validateCallbackBase rejects configuration under which webhook delivery is
// impossible: loopback, private or unspecified addresses.
func validateCallbackBase(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("callback base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("callback base url: unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("callback base url: missing host")
	}
	if strings.EqualFold(host, "localhost") {
		return errors.New("callback base url: localhost is unreachable by providers")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
			return fmt.Errorf("callback base url: %s is unreachable by providers", host)
		}
	}
	return nil
}

func (s *Service) callbackURL(providerName string) string {
	if s.opts.CallbackBaseURL == "" {
		return ""
	}
	return strings.TrimRight(s.opts.CallbackBaseURL, "/") + "/webhook/" + providerName
}
