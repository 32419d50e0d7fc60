package service

import (
	"context"

	"github.com/kudohub/heartbits/internal/heartbits/models"
	"github.com/kudohub/heartbits/internal/heartbits/repository"
)

// LedgerService exposes balance reads, transaction history and the
// admin-only balance adjustments.
type LedgerService struct {
	repo repository.Repository
}

// NewLedgerService creates a new ledger service
func NewLedgerService(repo repository.Repository) *LedgerService {
	return &LedgerService{repo: repo}
}

// GetBalance returns the account for the given user.
func (s *LedgerService) GetBalance(ctx context.Context, userID int64) (*models.Account, error) {
	return s.repo.GetAccountByUserID(ctx, userID)
}

// ListTransactions returns the user's ledger entries, newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, userID int64, kind models.TransactionKind, page, limit int) ([]models.Transaction, error) {
	if kind != "" && !kind.Valid() {
		return nil, models.ErrInvalidRequest
	}
	return s.repo.ListTransactions(ctx, userID, repository.TransactionFilter{
		Kind:  kind,
		Page:  page,
		Limit: limit,
	})
}

// AdminAdjust grants or deducts points on behalf of an administrator.
// Only the admin_grant and admin_deduct kinds are accepted; a deduction
// that exceeds the balance fails with ErrInsufficientFunds.
func (s *LedgerService) AdminAdjust(ctx context.Context, userID, amount int64, reason string, kind models.TransactionKind) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, models.ErrInvalidRequest
	}

	var entry *models.Transaction
	var err error
	switch kind {
	case models.KindAdminGrant:
		err = withRetry(func() error {
			entry, err = s.repo.Credit(ctx, userID, amount, kind, reason, nil)
			return err
		})
	case models.KindAdminDeduct:
		err = withRetry(func() error {
			entry, err = s.repo.Debit(ctx, userID, amount, kind, reason, nil)
			return err
		})
	default:
		return nil, models.ErrInvalidRequest
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}
