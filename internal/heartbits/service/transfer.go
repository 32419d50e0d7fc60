package service

import (
	"context"
	"log"
	"time"

	"github.com/kudohub/heartbits/internal/heartbits/events"
	"github.com/kudohub/heartbits/internal/heartbits/models"
	"github.com/kudohub/heartbits/internal/heartbits/repository"
)

// TransferService executes peer-to-peer point transfers ("cheers").
type TransferService struct {
	repo      repository.Repository
	publisher events.Publisher
	now       func() time.Time
}

// NewTransferService creates a new transfer service
func NewTransferService(repo repository.Repository, publisher events.Publisher) *TransferService {
	return &TransferService{
		repo:      repo,
		publisher: publisher,
		now:       time.Now,
	}
}

// TransferResult carries the paired ledger entries and the sender's
// remaining monthly quota after a successful transfer.
type TransferResult struct {
	Given          models.Transaction `json:"given"`
	Received       models.Transaction `json:"received"`
	QuotaRemaining int64              `json:"quota_remaining"`
}

// Transfer sends amount points from one user to another. The quota
// consumption, debit and credit commit as one atomic unit; any failure
// rolls back all of them. The caller may resubmit on error.
func (s *TransferService) Transfer(ctx context.Context, fromUserID, toUserID, amount int64, message string) (*TransferResult, error) {
	if fromUserID == toUserID || amount <= 0 {
		return nil, models.ErrInvalidRequest
	}

	recipient, err := s.repo.GetUserByID(ctx, toUserID)
	if err != nil {
		return nil, err
	}
	if recipient == nil {
		return nil, models.ErrNotFound
	}

	var pair [2]models.Transaction
	err = withRetry(func() error {
		var txErr error
		pair, txErr = s.repo.TransferPoints(ctx, fromUserID, toUserID, amount, message, s.now())
		return txErr
	})
	if err != nil {
		return nil, err
	}

	sender, err := s.repo.GetAccountByUserID(ctx, fromUserID)
	if err != nil {
		return nil, err
	}

	if pubErr := s.publisher.Publish(events.TopicTransferCompleted, events.TransferCompleted{
		TransferID: pair[0].TransferID,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Amount:     amount,
		Message:    message,
		OccurredAt: pair[0].CreatedAt,
	}); pubErr != nil {
		log.Printf("Error publishing transfer event %s: %v", pair[0].TransferID, pubErr)
	}

	return &TransferResult{
		Given:          pair[0],
		Received:       pair[1],
		QuotaRemaining: sender.MonthlyTransferLimit - sender.MonthlyTransferUsed,
	}, nil
}

// QuotaRemaining reports how much of the monthly transfer allowance is
// left without consuming any of it.
func (s *TransferService) QuotaRemaining(ctx context.Context, userID int64) (int64, error) {
	account, err := s.repo.GetAccountByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}
	used := account.MonthlyTransferUsed
	if !sameMonth(account.LastMonthlyReset, s.now()) {
		used = 0
	}
	return account.MonthlyTransferLimit - used, nil
}

// sameMonth reports whether two timestamps fall in the same calendar
// month of the same year, in UTC.
func sameMonth(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.Month() == b.Month()
}
