package service

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/kudohub/heartbits/internal/heartbits/repository"
)

// Reconciler audits the ledger in the background: every account's
// available balance must equal totalEarned - totalSpent and the signed
// sum of its transaction history. Violations are logged; they indicate
// a bug in the storage layer, never a condition to repair silently.
type Reconciler struct {
	repo     repository.Repository
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewReconciler creates a new reconciler
func NewReconciler(repo repository.Repository, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		repo:     repo,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the background audit loop
func (rc *Reconciler) Start() {
	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		rc.auditLoop()
	}()
}

// Stop stops the reconciler and waits for the loop to exit
func (rc *Reconciler) Stop() {
	close(rc.stopCh)
	rc.wg.Wait()
}

// auditLoop is the main audit loop
func (rc *Reconciler) auditLoop() {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.RunAudit(context.Background())
		case <-rc.stopCh:
			return
		}
	}
}

// RunAudit performs one audit pass and returns the number of accounts
// that failed reconciliation.
func (rc *Reconciler) RunAudit(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	issues, err := rc.repo.AuditAccounts(ctx)
	if err != nil {
		log.Printf("Error auditing accounts: %v", err)
		return 0
	}
	for _, issue := range issues {
		log.Printf("Reconciliation mismatch for user %d: available=%d earned=%d spent=%d entry_sum=%d",
			issue.UserID, issue.AvailablePoints, issue.TotalEarned, issue.TotalSpent, issue.EntrySum)
	}
	return len(issues)
}
