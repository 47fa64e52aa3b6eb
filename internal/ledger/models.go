package ledger

import "time"

type EntryType string

const (
	EntryDebit  EntryType = "debit"
	EntryRefund EntryType = "refund"
	EntryGrant  EntryType = "grant"
)

// CreditAccount holds the denormalized running balance per owner.
type CreditAccount struct {
	OwnerID   string    `gorm:"primaryKey;size:64"`
	Balance   int64     `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// Entry is the append-only audit row for every balance mutation. The unique
// (task_id, entry_type) index doubles as the durable idempotency marker: a
// second refund for the same task fails the insert instead of mutating the
// balance again.
type Entry struct {
	ID           string    `gorm:"primaryKey;size:36"`
	OwnerID      string    `gorm:"size:64;index;not null"`
	TaskID       *string   `gorm:"type:varchar(26);uniqueIndex:uniq_task_entry,priority:1"`
	EntryType    EntryType `gorm:"type:varchar(16);uniqueIndex:uniq_task_entry,priority:2;not null"`
	Amount       int64     `gorm:"not null"`
	BalanceAfter int64     `gorm:"not null"`
	Memo         string    `gorm:"type:varchar(256)"`
	CreatedAt    time.Time
}

func (Entry) TableName() string { return "credit_ledger" }
