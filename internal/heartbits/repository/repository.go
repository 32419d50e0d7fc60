package repository

import (
	"context"
	"time"

	"github.com/kudohub/heartbits/internal/heartbits/models"
)

// TransactionFilter narrows ListTransactions results. Kind is optional;
// Page is 1-based and Limit capped by the implementation.
type TransactionFilter struct {
	Kind  models.TransactionKind
	Page  int
	Limit int
}

// Repository defines the interface for data access operations. All
// mutating methods are atomic: the balance change and its ledger entry
// commit together or not at all, and concurrent operations on the same
// account or product serialize at the storage layer.
type Repository interface {
	// User operations
	CreateUser(ctx context.Context, login, passwordHash string, isAdmin bool) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)

	// Account operations
	CreateAccount(ctx context.Context, userID int64) (*models.Account, error)
	GetAccountByUserID(ctx context.Context, userID int64) (*models.Account, error)

	// Ledger operations. Credit and Debit append exactly one entry and
	// adjust the balance in the same atomic unit. Debit fails with
	// ErrInsufficientFunds without mutating anything.
	Credit(ctx context.Context, userID, amount int64, kind models.TransactionKind, description string, metadata map[string]string) (*models.Transaction, error)
	Debit(ctx context.Context, userID, amount int64, kind models.TransactionKind, description string, metadata map[string]string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, userID int64, filter TransactionFilter) ([]models.Transaction, error)

	// ConsumeQuota atomically applies the calendar-month rollover and,
	// if amount fits under the limit, consumes it. No mutation besides
	// the rollover happens when the quota would be exceeded.
	ConsumeQuota(ctx context.Context, userID, amount int64, now time.Time) (*models.QuotaResult, error)

	// TransferPoints consumes quota, debits the sender and credits the
	// recipient as one atomic unit, appending the paired given/received
	// entries. Returns [given, received].
	TransferPoints(ctx context.Context, fromUserID, toUserID, amount int64, message string, now time.Time) ([2]models.Transaction, error)

	// Catalog operations. ReserveInventory checks-and-decrements
	// atomically and reports whether the reservation was applied.
	CreateProduct(ctx context.Context, p *models.Product) (int64, error)
	UpdateProduct(ctx context.Context, p *models.Product) error
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	ListProducts(ctx context.Context, filter models.ProductFilter) ([]models.Product, error)
	ReserveInventory(ctx context.Context, productID, quantity int64) (bool, error)
	ReleaseInventory(ctx context.Context, productID, quantity int64) error

	// CreateOrder reserves inventory for every item, debits the buyer
	// for the order total and inserts the order as one all-or-nothing
	// unit. Any failure leaves inventory and balance untouched.
	CreateOrder(ctx context.Context, userID int64, items []models.OrderItem, status string) (*models.Order, error)
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	ListOrders(ctx context.Context, userID int64) ([]models.Order, error)

	// Cancellation. CancelPendingOrder refunds and restocks a pending
	// order directly. RequestCancellation records a pending admin
	// decision on a completed order. ResolveCancellation approves
	// (restock + refund + status change, atomically) or denies it.
	CancelPendingOrder(ctx context.Context, orderID string) (*models.Order, error)
	RequestCancellation(ctx context.Context, orderID string, reason string) error
	ResolveCancellation(ctx context.Context, orderID string, approve bool, adminNote string) (*models.Order, error)

	// AuditAccounts returns every account whose available balance does
	// not equal totalEarned - totalSpent or the signed sum of its
	// ledger entries. A healthy store returns an empty slice.
	AuditAccounts(ctx context.Context) ([]models.ReconciliationIssue, error)

	// Initialize and close
	InitDB(databaseURI string) error
	Close() error
}
