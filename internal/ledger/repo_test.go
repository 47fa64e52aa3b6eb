package ledger

import (
	"context"
	"fmt"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&CreditAccount{}, &Entry{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestDebitInsufficientBalance(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	if err := repo.Grant(ctx, "u1", 3, "signup bonus"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	if err := repo.Debit(ctx, "u1", 5, "task-a", "submit"); err != ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// The rejected debit must not have touched the balance.
	bal, err := repo.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 3 {
		t.Fatalf("expected balance 3, got %d", bal)
	}
}

func TestDebitThenRefund(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	if err := repo.Grant(ctx, "u1", 10, "topup"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := repo.Debit(ctx, "u1", 4, "task-a", "submit upscale"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if bal, _ := repo.Balance(ctx, "u1"); bal != 6 {
		t.Fatalf("expected balance 6, got %d", bal)
	}

	already, err := repo.Refund(ctx, "u1", 4, "task-a")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if already {
		t.Fatalf("first refund reported as duplicate")
	}
	if bal, _ := repo.Balance(ctx, "u1"); bal != 10 {
		t.Fatalf("expected balance restored to 10, got %d", bal)
	}
}

func TestRefundIdempotent(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	if err := repo.Grant(ctx, "u1", 10, "topup"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := repo.Debit(ctx, "u1", 2, "task-b", "submit"); err != nil {
		t.Fatalf("debit: %v", err)
	}

	if already, err := repo.Refund(ctx, "u1", 2, "task-b"); err != nil || already {
		t.Fatalf("first refund: already=%v err=%v", already, err)
	}
	// Second refund for the same task: marker hit, no balance change.
	already, err := repo.Refund(ctx, "u1", 2, "task-b")
	if err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if !already {
		t.Fatalf("second refund did not report alreadyRefunded")
	}
	if bal, _ := repo.Balance(ctx, "u1"); bal != 10 {
		t.Fatalf("double refund applied, balance %d", bal)
	}

	// Exactly one refund row in the log.
	var entries []Entry
	if err := repo.db.Where("owner_id = ? AND entry_type = ?", "u1", EntryRefund).Find(&entries).Error; err != nil {
		t.Fatalf("query entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 refund entry, got %d", len(entries))
	}
}

func TestEveryMutationAppendsEntryWithSnapshot(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	if err := repo.Grant(ctx, "u1", 10, "topup"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := repo.Debit(ctx, "u1", 3, "task-c", "submit"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if _, err := repo.Refund(ctx, "u1", 3, "task-c"); err != nil {
		t.Fatalf("refund: %v", err)
	}

	entries, err := repo.Entries(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	snapshots := map[EntryType]int64{}
	for _, e := range entries {
		snapshots[e.EntryType] = e.BalanceAfter
	}
	if snapshots[EntryGrant] != 10 || snapshots[EntryDebit] != 7 || snapshots[EntryRefund] != 10 {
		t.Fatalf("unexpected balance snapshots: %+v", snapshots)
	}
}
