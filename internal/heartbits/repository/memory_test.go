package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kudohub/heartbits/internal/heartbits/models"
)

func newAccount(t *testing.T, repo *MemoryRepository, login string) int64 {
	t.Helper()
	ctx := context.Background()
	userID, err := repo.CreateUser(ctx, login, "hash", false)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := repo.CreateAccount(ctx, userID); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return userID
}

func mustCredit(t *testing.T, repo *MemoryRepository, userID, amount int64) {
	t.Helper()
	if _, err := repo.Credit(context.Background(), userID, amount, models.KindEarned, "seed", nil); err != nil {
		t.Fatalf("Credit: %v", err)
	}
}

func TestCreditDebitReconciliation(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	userID := newAccount(t, repo, "alice")

	mustCredit(t, repo, userID, 100)
	if _, err := repo.Debit(ctx, userID, 30, models.KindSpent, "purchase", nil); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	mustCredit(t, repo, userID, 20)

	account, err := repo.GetAccountByUserID(ctx, userID)
	if err != nil {
		t.Fatalf("GetAccountByUserID: %v", err)
	}
	if account.AvailablePoints != 90 {
		t.Errorf("expected balance 90, got %d", account.AvailablePoints)
	}
	if account.TotalEarned != 120 || account.TotalSpent != 30 {
		t.Errorf("expected earned=120 spent=30, got earned=%d spent=%d", account.TotalEarned, account.TotalSpent)
	}
	if account.AvailablePoints != account.TotalEarned-account.TotalSpent {
		t.Errorf("reconciliation invariant broken: %d != %d - %d", account.AvailablePoints, account.TotalEarned, account.TotalSpent)
	}

	issues, err := repo.AuditAccounts(ctx)
	if err != nil {
		t.Fatalf("AuditAccounts: %v", err)
	}
	if len(issues) != 0 {
		t.Errorf("expected no reconciliation issues, got %+v", issues)
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	userID := newAccount(t, repo, "bob")
	mustCredit(t, repo, userID, 10)

	_, err := repo.Debit(ctx, userID, 11, models.KindSpent, "too much", nil)
	if !errors.Is(err, models.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	account, _ := repo.GetAccountByUserID(ctx, userID)
	if account.AvailablePoints != 10 || account.TotalSpent != 0 {
		t.Errorf("failed debit mutated account: %+v", account)
	}

	entries, _ := repo.ListTransactions(ctx, userID, TransactionFilter{})
	if len(entries) != 1 {
		t.Errorf("failed debit appended an entry: %d entries", len(entries))
	}
}

func TestInvalidAmountsRejected(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	userID := newAccount(t, repo, "carol")

	if _, err := repo.Credit(ctx, userID, 0, models.KindEarned, "", nil); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("zero credit: expected ErrInvalidRequest, got %v", err)
	}
	if _, err := repo.Debit(ctx, userID, -5, models.KindSpent, "", nil); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("negative debit: expected ErrInvalidRequest, got %v", err)
	}
	// Kind sign must match the operation.
	if _, err := repo.Credit(ctx, userID, 5, models.KindSpent, "", nil); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("credit with debit kind: expected ErrInvalidRequest, got %v", err)
	}
}

func TestQuotaConsumeAndMonthlyRollover(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	userID := newAccount(t, repo, "dave")

	january := time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC)
	february := time.Date(2025, time.February, 2, 9, 0, 0, 0, time.UTC)

	res, err := repo.ConsumeQuota(ctx, userID, 95, january)
	if err != nil || !res.Allowed {
		t.Fatalf("first consume: res=%+v err=%v", res, err)
	}
	if res.Remaining != 5 {
		t.Errorf("expected remaining 5, got %d", res.Remaining)
	}

	// Exceeding the limit must not mutate anything.
	res, err = repo.ConsumeQuota(ctx, userID, 10, january)
	if err != nil {
		t.Fatalf("ConsumeQuota: %v", err)
	}
	if res.Allowed || res.Remaining != 5 {
		t.Errorf("expected denied with remaining 5, got %+v", res)
	}

	account, _ := repo.GetAccountByUserID(ctx, userID)
	if account.MonthlyTransferUsed != 95 {
		t.Errorf("denied consume changed used: %d", account.MonthlyTransferUsed)
	}

	// New calendar month resets the counter before checking.
	res, err = repo.ConsumeQuota(ctx, userID, 10, february)
	if err != nil || !res.Allowed {
		t.Fatalf("february consume: res=%+v err=%v", res, err)
	}
	account, _ = repo.GetAccountByUserID(ctx, userID)
	if account.MonthlyTransferUsed != 10 {
		t.Errorf("expected used 10 after rollover, got %d", account.MonthlyTransferUsed)
	}
	if !account.LastMonthlyReset.Equal(february) {
		t.Errorf("expected reset timestamp updated to %v, got %v", february, account.LastMonthlyReset)
	}
}

func TestTransferPointsPairedEntries(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	from := newAccount(t, repo, "erin")
	to := newAccount(t, repo, "frank")
	mustCredit(t, repo, from, 100)

	pair, err := repo.TransferPoints(ctx, from, to, 30, "nice work", time.Now())
	if err != nil {
		t.Fatalf("TransferPoints: %v", err)
	}

	given, received := pair[0], pair[1]
	if given.Kind != models.KindGiven || received.Kind != models.KindReceived {
		t.Errorf("unexpected kinds: %s, %s", given.Kind, received.Kind)
	}
	if given.TransferID == "" || given.TransferID != received.TransferID {
		t.Errorf("entries do not share a transfer id: %q vs %q", given.TransferID, received.TransferID)
	}
	if given.CounterpartyID == nil || *given.CounterpartyID != to {
		t.Errorf("given entry counterparty: %v", given.CounterpartyID)
	}
	if received.CounterpartyID == nil || *received.CounterpartyID != from {
		t.Errorf("received entry counterparty: %v", received.CounterpartyID)
	}

	sender, _ := repo.GetAccountByUserID(ctx, from)
	recipient, _ := repo.GetAccountByUserID(ctx, to)
	if sender.AvailablePoints != 70 {
		t.Errorf("sender balance: expected 70, got %d", sender.AvailablePoints)
	}
	if recipient.AvailablePoints != 30 {
		t.Errorf("recipient balance: expected 30, got %d", recipient.AvailablePoints)
	}
	if sender.MonthlyTransferUsed != 30 {
		t.Errorf("quota used: expected 30, got %d", sender.MonthlyTransferUsed)
	}
}

func TestTransferQuotaExceededLeavesNoTrace(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	from := newAccount(t, repo, "gina")
	to := newAccount(t, repo, "hank")
	mustCredit(t, repo, from, 500)

	now := time.Now()
	if _, err := repo.ConsumeQuota(ctx, from, 95, now); err != nil {
		t.Fatalf("ConsumeQuota: %v", err)
	}

	_, err := repo.TransferPoints(ctx, from, to, 10, "over", now)
	if !errors.Is(err, models.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	sender, _ := repo.GetAccountByUserID(ctx, from)
	if sender.AvailablePoints != 500 || sender.MonthlyTransferUsed != 95 {
		t.Errorf("failed transfer mutated sender: %+v", sender)
	}
	recipient, _ := repo.GetAccountByUserID(ctx, to)
	if recipient.AvailablePoints != 0 {
		t.Errorf("failed transfer credited recipient: %+v", recipient)
	}
}

func TestTransferInsufficientFundsRollsBackQuota(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	from := newAccount(t, repo, "iris")
	to := newAccount(t, repo, "jack")
	mustCredit(t, repo, from, 5)

	_, err := repo.TransferPoints(ctx, from, to, 10, "", time.Now())
	if !errors.Is(err, models.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	sender, _ := repo.GetAccountByUserID(ctx, from)
	if sender.MonthlyTransferUsed != 0 {
		t.Errorf("quota consumed by failed transfer: %d", sender.MonthlyTransferUsed)
	}
}

func TestReserveInventoryNoOversell(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	productID, err := repo.CreateProduct(ctx, &models.Product{Name: "Mug", PointsCost: 20, Inventory: 2, IsActive: true})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	ok, err := repo.ReserveInventory(ctx, productID, 3)
	if err != nil {
		t.Fatalf("ReserveInventory: %v", err)
	}
	if ok {
		t.Fatal("reserved more than available")
	}

	p, _ := repo.GetProduct(ctx, productID)
	if p.Inventory != 2 {
		t.Errorf("failed reservation mutated inventory: %d", p.Inventory)
	}

	ok, _ = repo.ReserveInventory(ctx, productID, 2)
	if !ok {
		t.Fatal("full reservation should succeed")
	}
	if err := repo.ReleaseInventory(ctx, productID, 2); err != nil {
		t.Fatalf("ReleaseInventory: %v", err)
	}
	p, _ = repo.GetProduct(ctx, productID)
	if p.Inventory != 2 {
		t.Errorf("release did not restore inventory: %d", p.Inventory)
	}
}

func TestListTransactionsNewestFirstWithFilter(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	userID := newAccount(t, repo, "kate")

	mustCredit(t, repo, userID, 10)
	mustCredit(t, repo, userID, 20)
	if _, err := repo.Debit(ctx, userID, 5, models.KindSpent, "coffee", nil); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	entries, err := repo.ListTransactions(ctx, userID, TransactionFilter{})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Kind != models.KindSpent {
		t.Errorf("expected newest entry first, got %s", entries[0].Kind)
	}

	earned, err := repo.ListTransactions(ctx, userID, TransactionFilter{Kind: models.KindEarned})
	if err != nil {
		t.Fatalf("ListTransactions filtered: %v", err)
	}
	if len(earned) != 2 {
		t.Errorf("expected 2 earned entries, got %d", len(earned))
	}

	paged, err := repo.ListTransactions(ctx, userID, TransactionFilter{Page: 2, Limit: 2})
	if err != nil {
		t.Fatalf("ListTransactions paged: %v", err)
	}
	if len(paged) != 1 {
		t.Errorf("expected 1 entry on page 2, got %d", len(paged))
	}
}

func TestCreateOrderOutOfStockRestoresInventory(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	userID := newAccount(t, repo, "liam")
	mustCredit(t, repo, userID, 1000)

	mugID, _ := repo.CreateProduct(ctx, &models.Product{Name: "Mug", PointsCost: 20, Inventory: 5, IsActive: true})
	hatID, _ := repo.CreateProduct(ctx, &models.Product{Name: "Hat", PointsCost: 30, Inventory: 1, IsActive: true})

	items := []models.OrderItem{
		{ProductID: mugID, Name: "Mug", Quantity: 2, PointsCostPerItem: 20, TotalPoints: 40},
		{ProductID: hatID, Name: "Hat", Quantity: 2, PointsCostPerItem: 30, TotalPoints: 60},
	}
	_, err := repo.CreateOrder(ctx, userID, items, models.OrderStatusCompleted)
	if !errors.Is(err, models.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}

	// The mug reservation made before the hat failed must be undone.
	mug, _ := repo.GetProduct(ctx, mugID)
	if mug.Inventory != 5 {
		t.Errorf("mug inventory not restored: %d", mug.Inventory)
	}
	account, _ := repo.GetAccountByUserID(ctx, userID)
	if account.AvailablePoints != 1000 {
		t.Errorf("failed checkout debited account: %d", account.AvailablePoints)
	}
	orders, _ := repo.ListOrders(ctx, userID)
	if len(orders) != 0 {
		t.Errorf("failed checkout created an order")
	}
}

func TestCreateOrderInsufficientFundsReleasesReservations(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	userID := newAccount(t, repo, "mona")
	mustCredit(t, repo, userID, 15)

	productID, _ := repo.CreateProduct(ctx, &models.Product{Name: "Mug", PointsCost: 20, Inventory: 5, IsActive: true})

	items := []models.OrderItem{
		{ProductID: productID, Name: "Mug", Quantity: 1, PointsCostPerItem: 20, TotalPoints: 20},
	}
	_, err := repo.CreateOrder(ctx, userID, items, models.OrderStatusCompleted)
	if !errors.Is(err, models.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	p, _ := repo.GetProduct(ctx, productID)
	if p.Inventory != 5 {
		t.Errorf("inventory not released after debit failure: %d", p.Inventory)
	}
	issues, _ := repo.AuditAccounts(ctx)
	if len(issues) != 0 {
		t.Errorf("reconciliation issues after failed checkout: %+v", issues)
	}
}

func TestResolveCancellationApproveRefunds(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	userID := newAccount(t, repo, "nora")
	mustCredit(t, repo, userID, 100)

	productID, _ := repo.CreateProduct(ctx, &models.Product{Name: "Mug", PointsCost: 20, Inventory: 5, IsActive: true})
	items := []models.OrderItem{
		{ProductID: productID, Name: "Mug", Quantity: 2, PointsCostPerItem: 20, TotalPoints: 40},
	}
	order, err := repo.CreateOrder(ctx, userID, items, models.OrderStatusCompleted)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if err := repo.RequestCancellation(ctx, order.ID, "changed my mind"); err != nil {
		t.Fatalf("RequestCancellation: %v", err)
	}

	resolved, err := repo.ResolveCancellation(ctx, order.ID, true, "approved")
	if err != nil {
		t.Fatalf("ResolveCancellation: %v", err)
	}
	if resolved.Status != models.OrderStatusCancelled {
		t.Errorf("expected status cancelled, got %s", resolved.Status)
	}

	p, _ := repo.GetProduct(ctx, productID)
	if p.Inventory != 5 {
		t.Errorf("inventory not restocked: %d", p.Inventory)
	}
	account, _ := repo.GetAccountByUserID(ctx, userID)
	if account.AvailablePoints != 100 {
		t.Errorf("refund not credited: %d", account.AvailablePoints)
	}
	issues, _ := repo.AuditAccounts(ctx)
	if len(issues) != 0 {
		t.Errorf("reconciliation issues after refund: %+v", issues)
	}
}

func TestResolveCancellationDenyKeepsState(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	userID := newAccount(t, repo, "omar")
	mustCredit(t, repo, userID, 100)

	productID, _ := repo.CreateProduct(ctx, &models.Product{Name: "Mug", PointsCost: 20, Inventory: 5, IsActive: true})
	items := []models.OrderItem{
		{ProductID: productID, Name: "Mug", Quantity: 1, PointsCostPerItem: 20, TotalPoints: 20},
	}
	order, _ := repo.CreateOrder(ctx, userID, items, models.OrderStatusCompleted)

	if err := repo.RequestCancellation(ctx, order.ID, "please"); err != nil {
		t.Fatalf("RequestCancellation: %v", err)
	}
	resolved, err := repo.ResolveCancellation(ctx, order.ID, false, "non-returnable")
	if err != nil {
		t.Fatalf("ResolveCancellation: %v", err)
	}
	if resolved.Status != models.OrderStatusCompleted {
		t.Errorf("denied cancellation changed status: %s", resolved.Status)
	}
	if resolved.Cancellation == nil || !resolved.Cancellation.Resolved {
		t.Errorf("request not marked resolved: %+v", resolved.Cancellation)
	}

	account, _ := repo.GetAccountByUserID(ctx, userID)
	if account.AvailablePoints != 80 {
		t.Errorf("denied cancellation moved points: %d", account.AvailablePoints)
	}
	p, _ := repo.GetProduct(ctx, productID)
	if p.Inventory != 4 {
		t.Errorf("denied cancellation restocked: %d", p.Inventory)
	}

	// A resolved request cannot be resolved twice.
	if _, err := repo.ResolveCancellation(ctx, order.ID, true, "again"); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest on double resolve, got %v", err)
	}
}
