package keypool

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrNoKeyAvailable is a capacity signal, not a fault: every key for the
// provider is exhausted or inactive. Callers surface it as "service busy".
var ErrNoKeyAvailable = errors.New("no provider key available")

type Pool struct {
	db  *gorm.DB
	now func() time.Time
}

func NewPool(db *gorm.DB) *Pool {
	return &Pool{db: db, now: time.Now}
}

func today(now func() time.Time) string {
	return now().Format("2006-01-02")
}

// Acquire claims one daily-quota slot on some key for the provider and
// returns the key. The claim is a single conditional UPDATE so two concurrent
// acquires can never both pass a stale used_today read; losing the race on one
// candidate moves on to the next.
func (p *Pool) Acquire(ctx context.Context, provider string) (*ProviderKey, error) {
	if err := p.rollover(ctx, provider); err != nil {
		return nil, err
	}

	var candidates []uint64
	if err := p.db.WithContext(ctx).Model(&ProviderKey{}).
		Where("provider = ? AND is_active = ? AND used_today < daily_limit", provider, true).
		Order("used_today ASC").
		Limit(10).
		Pluck("id", &candidates).Error; err != nil {
		return nil, err
	}

	for _, id := range candidates {
		res := p.db.WithContext(ctx).Model(&ProviderKey{}).
			Where("id = ? AND is_active = ? AND used_today < daily_limit", id, true).
			Update("used_today", gorm.Expr("used_today + 1"))
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			var key ProviderKey
			if err := p.db.WithContext(ctx).First(&key, id).Error; err != nil {
				return nil, err
			}
			return &key, nil
		}
	}
	return nil, ErrNoKeyAvailable
}

// Reserve picks a usable key without claiming a slot. Trial flows pre-select
// a key and commit the slot with Increment only once the provider accepted
// the job.
func (p *Pool) Reserve(ctx context.Context, provider string) (*ProviderKey, error) {
	if err := p.rollover(ctx, provider); err != nil {
		return nil, err
	}
	var key ProviderKey
	err := p.db.WithContext(ctx).
		Where("provider = ? AND is_active = ? AND used_today < daily_limit", provider, true).
		Order("used_today ASC").
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoKeyAvailable
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// Get loads a key by id, active or not.
func (p *Pool) Get(ctx context.Context, keyID uint64) (*ProviderKey, error) {
	var key ProviderKey
	if err := p.db.WithContext(ctx).First(&key, keyID).Error; err != nil {
		return nil, err
	}
	return &key, nil
}

// Release gives back a slot after a synchronous provider failure. Never called
// once the provider accepted the job; the slot is legitimately consumed then.
func (p *Pool) Release(ctx context.Context, keyID uint64) error {
	return p.db.WithContext(ctx).Model(&ProviderKey{}).
		Where("id = ? AND used_today > 0", keyID).
		Update("used_today", gorm.Expr("used_today - 1")).Error
}

// Increment commits one slot on a reserved key.
func (p *Pool) Increment(ctx context.Context, keyID uint64) error {
	return p.db.WithContext(ctx).Model(&ProviderKey{}).
		Where("id = ?", keyID).
		Update("used_today", gorm.Expr("used_today + 1")).Error
}

// rollover lazily resets counters for keys whose last_reset_date is stale.
// The WHERE guard makes concurrent rollovers idempotent: whichever lands
// first flips last_reset_date and the rest match zero rows.
func (p *Pool) rollover(ctx context.Context, provider string) error {
	d := today(p.now)
	return p.db.WithContext(ctx).Model(&ProviderKey{}).
		Where("provider = ? AND last_reset_date <> ?", provider, d).
		Updates(map[string]any{
			"used_today":      0,
			"last_reset_date": d,
		}).Error
}
