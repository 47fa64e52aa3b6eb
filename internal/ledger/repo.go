package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("credit account not found")
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Balance(ctx context.Context, ownerID string) (int64, error) {
	var acc CreditAccount
	err := r.db.WithContext(ctx).First(&acc, "owner_id = ?", ownerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// Debit atomically checks and decrements the balance. The conditional UPDATE
// is the whole race guard: two concurrent debits cannot both pass a stale
// balance read because there is no read.
func (r *Repo) Debit(ctx context.Context, ownerID string, amount int64, taskID, memo string) error {
	if amount <= 0 {
		return errors.New("debit amount must be positive")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&CreditAccount{}).
			Where("owner_id = ? AND balance >= ?", ownerID, amount).
			Update("balance", gorm.Expr("balance - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientBalance
		}
		return r.appendEntry(tx, ownerID, &taskID, EntryDebit, -amount, memo)
	})
}

// Refund credits amount back to the owner exactly once per task. A duplicate
// call observes the unique-index violation on the ledger row and returns
// alreadyRefunded=true without touching the balance.
func (r *Repo) Refund(ctx context.Context, ownerID string, amount int64, taskID string) (alreadyRefunded bool, err error) {
	if amount <= 0 {
		return false, errors.New("refund amount must be positive")
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&CreditAccount{}).
			Where("owner_id = ?", ownerID).
			Update("balance", gorm.Expr("balance + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAccountNotFound
		}
		return r.appendEntry(tx, ownerID, &taskID, EntryRefund, amount, "task refund")
	})
	if err != nil && isDuplicateErr(err) {
		return true, nil
	}
	return false, err
}

// Grant tops up an account, creating it on first use. Not on the orchestration
// hot path; shares the same atomic-balance primitive.
func (r *Repo) Grant(ctx context.Context, ownerID string, amount int64, memo string) error {
	if amount <= 0 {
		return errors.New("grant amount must be positive")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&CreditAccount{}).
			Where("owner_id = ?", ownerID).
			Update("balance", gorm.Expr("balance + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.Create(&CreditAccount{OwnerID: ownerID, Balance: amount}).Error; err != nil {
				return err
			}
		}
		return r.appendEntry(tx, ownerID, nil, EntryGrant, amount, memo)
	})
}

// Entries returns the owner's ledger history, newest first.
func (r *Repo) Entries(ctx context.Context, ownerID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []Entry
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) appendEntry(tx *gorm.DB, ownerID string, taskID *string, typ EntryType, amount int64, memo string) error {
	var acc CreditAccount
	if err := tx.First(&acc, "owner_id = ?", ownerID).Error; err != nil {
		return err
	}
	return tx.Create(&Entry{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		TaskID:       taskID,
		EntryType:    typ,
		Amount:       amount,
		BalanceAfter: acc.Balance,
		Memo:         memo,
		CreatedAt:    time.Now(),
	}).Error
}

// glebarez/sqlite reports UNIQUE violations as plain-text errors, mysql via
// gorm.ErrDuplicatedKey.
func isDuplicateErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate entry")
}
