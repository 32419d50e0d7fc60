package models

import (
	"time"
)

// User represents a registered user
type User struct {
	ID           int64     `json:"id"`
	Login        string    `json:"login"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// Account holds a user's point balance and monthly transfer quota state
type Account struct {
	ID                   int64     `json:"id"`
	UserID               int64     `json:"user_id"`
	AvailablePoints      int64     `json:"available_points"`
	TotalEarned          int64     `json:"total_earned"`
	TotalSpent           int64     `json:"total_spent"`
	MonthlyTransferLimit int64     `json:"monthly_transfer_limit"`
	MonthlyTransferUsed  int64     `json:"monthly_transfer_used"`
	LastMonthlyReset     time.Time `json:"last_monthly_reset"`
}

// DefaultMonthlyTransferLimit is applied to newly created accounts.
const DefaultMonthlyTransferLimit = 100

// TransactionKind identifies how a ledger entry affects its account.
// Each entry belongs to exactly one account; the kind determines the
// sign, so a transaction without an owning account is unrepresentable.
type TransactionKind string

const (
	KindEarned      TransactionKind = "earned"
	KindSpent       TransactionKind = "spent"
	KindGiven       TransactionKind = "given"
	KindReceived    TransactionKind = "received"
	KindAdminGrant  TransactionKind = "admin_grant"
	KindAdminDeduct TransactionKind = "admin_deduct"
)

// Sign returns +1 for kinds that credit the owning account and -1 for
// kinds that debit it, or 0 for an unknown kind.
func (k TransactionKind) Sign() int64 {
	switch k {
	case KindEarned, KindReceived, KindAdminGrant:
		return 1
	case KindSpent, KindGiven, KindAdminDeduct:
		return -1
	}
	return 0
}

// Valid reports whether k is one of the known transaction kinds.
func (k TransactionKind) Valid() bool {
	return k.Sign() != 0
}

// Transaction is a single append-only ledger entry. Amount is always
// positive; the effect on the balance is Amount * Kind.Sign().
// CounterpartyID and TransferID are set only for the paired
// given/received entries of a transfer.
type Transaction struct {
	ID             string            `json:"id"`
	UserID         int64             `json:"user_id"`
	CounterpartyID *int64            `json:"counterparty_id,omitempty"`
	TransferID     string            `json:"transfer_id,omitempty"`
	Kind           TransactionKind   `json:"kind"`
	Amount         int64             `json:"amount"`
	Description    string            `json:"description"`
	Message        string            `json:"message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Product is a catalog entry purchasable with points. Products are
// soft-deactivated, never deleted.
type Product struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	PointsCost int64     `json:"points_cost"`
	Category   string    `json:"category"`
	Inventory  int64     `json:"inventory"`
	IsActive   bool      `json:"is_active"`
	Rating     float64   `json:"rating"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProductFilter narrows ListProducts results.
type ProductFilter struct {
	Category string
	MinCost  int64
	MaxCost  int64 // 0 means no upper bound
}

// Order statuses
const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
	OrderStatusRefunded  = "refunded"
)

// OrderItem is a line inside an order. Name and PointsCostPerItem are
// snapshots taken at checkout time.
type OrderItem struct {
	ProductID         int64  `json:"product_id"`
	Name              string `json:"name"`
	Quantity          int64  `json:"quantity"`
	PointsCostPerItem int64  `json:"points_cost_per_item"`
	TotalPoints       int64  `json:"total_points"`
}

// CancellationRequest tracks a user's request to cancel a completed
// order, pending an admin decision.
type CancellationRequest struct {
	RequestedAt   time.Time `json:"requested_at"`
	Reason        string    `json:"reason"`
	Resolved      bool      `json:"resolved"`
	AdminResponse string    `json:"admin_response,omitempty"`
}

// Order is one purchase event.
type Order struct {
	ID           string               `json:"id"`
	UserID       int64                `json:"user_id"`
	Items        []OrderItem          `json:"items"`
	TotalPoints  int64                `json:"total_points"`
	Status       string               `json:"status"`
	Cancellation *CancellationRequest `json:"cancellation_request,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}

// CheckoutItem is the client's requested quantity of one product.
type CheckoutItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
}

// QuotaResult is the outcome of a quota check-and-consume.
type QuotaResult struct {
	Allowed   bool  `json:"allowed"`
	Remaining int64 `json:"remaining"`
}

// ReconciliationIssue describes an account whose balance disagrees
// with its lifetime counters or its ledger history.
type ReconciliationIssue struct {
	UserID          int64 `json:"user_id"`
	AvailablePoints int64 `json:"available_points"`
	TotalEarned     int64 `json:"total_earned"`
	TotalSpent      int64 `json:"total_spent"`
	EntrySum        int64 `json:"entry_sum"`
}
