package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kudohub/heartbits/internal/heartbits/events"
	"github.com/kudohub/heartbits/internal/heartbits/models"
	"github.com/kudohub/heartbits/internal/heartbits/repository"
)

func newTestAccount(t *testing.T, repo *repository.MemoryRepository, login string, points int64) int64 {
	t.Helper()
	ctx := context.Background()
	userID, err := repo.CreateUser(ctx, login, "hash", false)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := repo.CreateAccount(ctx, userID); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if points > 0 {
		if _, err := repo.Credit(ctx, userID, points, models.KindEarned, "seed", nil); err != nil {
			t.Fatalf("Credit: %v", err)
		}
	}
	return userID
}

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(topic string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func TestTransferHappyPath(t *testing.T) {
	repo := repository.NewMemoryRepository()
	publisher := &recordingPublisher{}
	svc := NewTransferService(repo, publisher)
	ctx := context.Background()

	from := newTestAccount(t, repo, "alice", 100)
	to := newTestAccount(t, repo, "bob", 0)

	result, err := svc.Transfer(ctx, from, to, 30, "nice work")
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	if result.Given.Amount != 30 || result.Received.Amount != 30 {
		t.Errorf("unexpected amounts: %+v", result)
	}
	if result.Given.Message != "nice work" {
		t.Errorf("message not carried: %q", result.Given.Message)
	}

	sender, _ := repo.GetAccountByUserID(ctx, from)
	recipient, _ := repo.GetAccountByUserID(ctx, to)
	if sender.AvailablePoints != 70 {
		t.Errorf("sender balance: expected 70, got %d", sender.AvailablePoints)
	}
	if recipient.AvailablePoints != 30 {
		t.Errorf("recipient balance: expected 30, got %d", recipient.AvailablePoints)
	}

	if len(publisher.topics) != 1 || publisher.topics[0] != events.TopicTransferCompleted {
		t.Errorf("expected one transfer event, got %v", publisher.topics)
	}
}

func TestTransferValidation(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewTransferService(repo, events.NopPublisher{})
	ctx := context.Background()

	from := newTestAccount(t, repo, "carol", 100)

	if _, err := svc.Transfer(ctx, from, from, 10, ""); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("self transfer: expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.Transfer(ctx, from, from+1, 0, ""); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("zero amount: expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.Transfer(ctx, from, 9999, 10, ""); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown recipient: expected ErrNotFound, got %v", err)
	}
}

func TestTransferQuotaExceededReportsRemaining(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewTransferService(repo, events.NopPublisher{})
	ctx := context.Background()

	from := newTestAccount(t, repo, "dave", 500)
	to := newTestAccount(t, repo, "erin", 0)

	if _, err := svc.Transfer(ctx, from, to, 95, "big cheer"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	_, err := svc.Transfer(ctx, from, to, 10, "one too many")
	if !errors.Is(err, models.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	remaining, err := svc.QuotaRemaining(ctx, from)
	if err != nil {
		t.Fatalf("QuotaRemaining: %v", err)
	}
	if remaining != 5 {
		t.Errorf("expected remaining 5, got %d", remaining)
	}

	sender, _ := repo.GetAccountByUserID(ctx, from)
	if sender.AvailablePoints != 405 {
		t.Errorf("failed transfer changed balance: %d", sender.AvailablePoints)
	}
}

func TestConcurrentTransfersRespectQuota(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewTransferService(repo, events.NopPublisher{})
	ctx := context.Background()

	from := newTestAccount(t, repo, "frank", 200)
	to := newTestAccount(t, repo, "gina", 0)
	if err := repo.SetTransferLimit(from, 50); err != nil {
		t.Fatalf("SetTransferLimit: %v", err)
	}

	const requests = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded, quotaDenied, other int

	wg.Add(requests)
	for i := 0; i < requests; i++ {
		go func() {
			defer wg.Done()
			_, err := svc.Transfer(ctx, from, to, 1, "ping")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, models.ErrQuotaExceeded):
				quotaDenied++
			default:
				other++
			}
		}()
	}
	wg.Wait()

	if other != 0 {
		t.Fatalf("%d transfers failed with unexpected errors", other)
	}
	if succeeded != 50 || quotaDenied != 50 {
		t.Errorf("expected 50 successes and 50 quota denials, got %d and %d", succeeded, quotaDenied)
	}

	sender, _ := repo.GetAccountByUserID(ctx, from)
	if sender.MonthlyTransferUsed != 50 {
		t.Errorf("expected quota used 50, got %d", sender.MonthlyTransferUsed)
	}
	if sender.AvailablePoints != 150 {
		t.Errorf("expected balance 150, got %d", sender.AvailablePoints)
	}
	recipient, _ := repo.GetAccountByUserID(ctx, to)
	if recipient.AvailablePoints != 50 {
		t.Errorf("expected recipient balance 50, got %d", recipient.AvailablePoints)
	}

	issues, _ := repo.AuditAccounts(ctx)
	if len(issues) != 0 {
		t.Errorf("reconciliation issues after concurrent load: %+v", issues)
	}
}
