package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kudohub/heartbits/internal/heartbits/models"
)

// MemoryRepository is an in-memory implementation of Repository. A
// single mutex serializes every operation, which trivially satisfies
// the per-account and per-product linearizability contract. Used in
// tests and as a reference for the transactional semantics.
type MemoryRepository struct {
	mu sync.Mutex

	users      map[int64]*models.User
	usersLogin map[string]int64
	nextUserID int64

	accounts      map[int64]*models.Account // keyed by user id
	nextAccountID int64

	entries []models.Transaction // append-only

	products      map[int64]*models.Product
	nextProductID int64

	orders map[string]*models.Order
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:      make(map[int64]*models.User),
		usersLogin: make(map[string]int64),
		accounts:   make(map[int64]*models.Account),
		products:   make(map[int64]*models.Product),
		orders:     make(map[string]*models.Order),
	}
}

// InitDB is a no-op for the in-memory repository.
func (r *MemoryRepository) InitDB(databaseURI string) error { return nil }

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) CreateUser(ctx context.Context, login, passwordHash string, isAdmin bool) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.usersLogin[login]; exists {
		return 0, models.ErrInvalidRequest
	}
	r.nextUserID++
	user := &models.User{
		ID:           r.nextUserID,
		Login:        login,
		PasswordHash: passwordHash,
		IsAdmin:      isAdmin,
		CreatedAt:    time.Now().UTC(),
	}
	r.users[user.ID] = user
	r.usersLogin[login] = user.ID
	return user.ID, nil
}

func (r *MemoryRepository) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.usersLogin[login]
	if !ok {
		return nil, nil
	}
	u := *r.users[id]
	return &u, nil
}

func (r *MemoryRepository) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	u := *user
	return &u, nil
}

func (r *MemoryRepository) CreateAccount(ctx context.Context, userID int64) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.accounts[userID]; exists {
		return nil, models.ErrInvalidRequest
	}
	r.nextAccountID++
	account := &models.Account{
		ID:                   r.nextAccountID,
		UserID:               userID,
		MonthlyTransferLimit: models.DefaultMonthlyTransferLimit,
		LastMonthlyReset:     time.Now().UTC(),
	}
	r.accounts[userID] = account
	a := *account
	return &a, nil
}

func (r *MemoryRepository) GetAccountByUserID(ctx context.Context, userID int64) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	a := *account
	return &a, nil
}

// SetTransferLimit overrides an account's monthly transfer limit.
// Limit administration is outside the engine's surface; tests and
// fixtures use this directly.
func (r *MemoryRepository) SetTransferLimit(userID, limit int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[userID]
	if !ok {
		return models.ErrNotFound
	}
	account.MonthlyTransferLimit = limit
	return nil
}

// SetAdmin flips the admin flag on an existing user. Intended for tests
// and local fixtures.
func (r *MemoryRepository) SetAdmin(userID int64, isAdmin bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[userID]
	if !ok {
		return models.ErrNotFound
	}
	user.IsAdmin = isAdmin
	return nil
}

// creditLocked mutates the account and appends the entry. Caller holds r.mu.
func (r *MemoryRepository) creditLocked(entry *models.Transaction) error {
	account, ok := r.accounts[entry.UserID]
	if !ok {
		return models.ErrNotFound
	}
	account.AvailablePoints += entry.Amount
	account.TotalEarned += entry.Amount
	r.entries = append(r.entries, *entry)
	return nil
}

// debitLocked mutates the account and appends the entry. Caller holds r.mu.
func (r *MemoryRepository) debitLocked(entry *models.Transaction) error {
	account, ok := r.accounts[entry.UserID]
	if !ok {
		return models.ErrNotFound
	}
	if account.AvailablePoints < entry.Amount {
		return models.ErrInsufficientFunds
	}
	account.AvailablePoints -= entry.Amount
	account.TotalSpent += entry.Amount
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *MemoryRepository) Credit(ctx context.Context, userID, amount int64, kind models.TransactionKind, description string, metadata map[string]string) (*models.Transaction, error) {
	if amount <= 0 || kind.Sign() != 1 {
		return nil, models.ErrInvalidRequest
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := newEntry(userID, amount, kind, description, metadata)
	if err := r.creditLocked(entry); err != nil {
		return nil, err
	}
	e := *entry
	return &e, nil
}

func (r *MemoryRepository) Debit(ctx context.Context, userID, amount int64, kind models.TransactionKind, description string, metadata map[string]string) (*models.Transaction, error) {
	if amount <= 0 || kind.Sign() != -1 {
		return nil, models.ErrInvalidRequest
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := newEntry(userID, amount, kind, description, metadata)
	if err := r.debitLocked(entry); err != nil {
		return nil, err
	}
	e := *entry
	return &e, nil
}

func (r *MemoryRepository) ListTransactions(ctx context.Context, userID int64, filter TransactionFilter) ([]models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Entries are in insertion order; walk backwards for newest first.
	var matched []models.Transaction
	for i := len(r.entries) - 1; i >= 0; i-- {
		entry := r.entries[i]
		if entry.UserID != userID {
			continue
		}
		if filter.Kind != "" && entry.Kind != filter.Kind {
			continue
		}
		matched = append(matched, entry)
	}

	limit := filter.Limit
	if limit <= 0 || limit > defaultPageLimit {
		limit = defaultPageLimit
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(matched) {
		return nil, nil
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

// consumeQuotaLocked applies the month rollover and consumes amount if
// it fits under the limit. Caller holds r.mu.
func consumeQuotaLocked(account *models.Account, amount int64, now time.Time) *models.QuotaResult {
	if !sameMonth(account.LastMonthlyReset, now) {
		account.MonthlyTransferUsed = 0
		account.LastMonthlyReset = now
	}
	if account.MonthlyTransferUsed+amount > account.MonthlyTransferLimit {
		return &models.QuotaResult{Allowed: false, Remaining: account.MonthlyTransferLimit - account.MonthlyTransferUsed}
	}
	account.MonthlyTransferUsed += amount
	return &models.QuotaResult{Allowed: true, Remaining: account.MonthlyTransferLimit - account.MonthlyTransferUsed}
}

func (r *MemoryRepository) ConsumeQuota(ctx context.Context, userID, amount int64, now time.Time) (*models.QuotaResult, error) {
	if amount <= 0 {
		return nil, models.ErrInvalidRequest
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return consumeQuotaLocked(account, amount, now), nil
}

func (r *MemoryRepository) TransferPoints(ctx context.Context, fromUserID, toUserID, amount int64, message string, now time.Time) ([2]models.Transaction, error) {
	var pair [2]models.Transaction
	if amount <= 0 || fromUserID == toUserID {
		return pair, models.ErrInvalidRequest
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sender, ok := r.accounts[fromUserID]
	if !ok {
		return pair, models.ErrNotFound
	}
	if _, ok := r.accounts[toUserID]; !ok {
		return pair, models.ErrNotFound
	}
	if sender.AvailablePoints < amount {
		return pair, models.ErrInsufficientFunds
	}

	// Quota state saved so a later failure cannot leak the increment.
	usedBefore := sender.MonthlyTransferUsed
	resetBefore := sender.LastMonthlyReset
	quota := consumeQuotaLocked(sender, amount, now)
	if !quota.Allowed {
		return pair, models.ErrQuotaExceeded
	}

	transferID := uuid.New().String()
	given := models.Transaction{
		ID:             uuid.New().String(),
		UserID:         fromUserID,
		CounterpartyID: &toUserID,
		TransferID:     transferID,
		Kind:           models.KindGiven,
		Amount:         amount,
		Description:    "points transfer sent",
		Message:        message,
		CreatedAt:      now.UTC(),
	}
	received := models.Transaction{
		ID:             uuid.New().String(),
		UserID:         toUserID,
		CounterpartyID: &fromUserID,
		TransferID:     transferID,
		Kind:           models.KindReceived,
		Amount:         amount,
		Description:    "points transfer received",
		Message:        message,
		CreatedAt:      now.UTC(),
	}

	if err := r.debitLocked(&given); err != nil {
		sender.MonthlyTransferUsed = usedBefore
		sender.LastMonthlyReset = resetBefore
		return pair, err
	}
	if err := r.creditLocked(&received); err != nil {
		// Undo the debit and the quota consumption.
		sender.AvailablePoints += amount
		sender.TotalSpent -= amount
		sender.MonthlyTransferUsed = usedBefore
		sender.LastMonthlyReset = resetBefore
		r.entries = r.entries[:len(r.entries)-1]
		return pair, err
	}

	pair[0] = given
	pair[1] = received
	return pair, nil
}

func (r *MemoryRepository) CreateProduct(ctx context.Context, p *models.Product) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextProductID++
	stored := *p
	stored.ID = r.nextProductID
	stored.CreatedAt = time.Now().UTC()
	r.products[stored.ID] = &stored
	return stored.ID, nil
}

func (r *MemoryRepository) UpdateProduct(ctx context.Context, p *models.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.products[p.ID]
	if !ok {
		return models.ErrNotFound
	}
	updated := *p
	updated.CreatedAt = existing.CreatedAt
	r.products[p.ID] = &updated
	return nil
}

func (r *MemoryRepository) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	prod := *p
	return &prod, nil
}

func (r *MemoryRepository) ListProducts(ctx context.Context, filter models.ProductFilter) ([]models.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var products []models.Product
	for _, p := range r.products {
		if !p.IsActive {
			continue
		}
		if filter.Category != "" && p.Category != filter.Category {
			continue
		}
		if filter.MinCost > 0 && p.PointsCost < filter.MinCost {
			continue
		}
		if filter.MaxCost > 0 && p.PointsCost > filter.MaxCost {
			continue
		}
		products = append(products, *p)
	}
	sort.Slice(products, func(i, j int) bool {
		return strings.Compare(products[i].Name, products[j].Name) < 0
	})
	return products, nil
}

// reserveLocked is the check-and-decrement. Caller holds r.mu.
func (r *MemoryRepository) reserveLocked(productID, quantity int64) bool {
	p, ok := r.products[productID]
	if !ok || !p.IsActive || p.Inventory < quantity {
		return false
	}
	p.Inventory -= quantity
	return true
}

func (r *MemoryRepository) ReserveInventory(ctx context.Context, productID, quantity int64) (bool, error) {
	if quantity <= 0 {
		return false, models.ErrInvalidRequest
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserveLocked(productID, quantity), nil
}

func (r *MemoryRepository) ReleaseInventory(ctx context.Context, productID, quantity int64) error {
	if quantity <= 0 {
		return models.ErrInvalidRequest
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseLocked(productID, quantity)
}

func (r *MemoryRepository) releaseLocked(productID, quantity int64) error {
	p, ok := r.products[productID]
	if !ok {
		return models.ErrNotFound
	}
	p.Inventory += quantity
	return nil
}

func (r *MemoryRepository) CreateOrder(ctx context.Context, userID int64, items []models.OrderItem, status string) (*models.Order, error) {
	if len(items) == 0 {
		return nil, models.ErrInvalidRequest
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var total int64
	for _, item := range items {
		total += item.TotalPoints
	}

	// Reserve every item; compensate by releasing what was already
	// taken if any reservation or the debit fails.
	reserved := make([]models.OrderItem, 0, len(items))
	release := func() {
		for _, item := range reserved {
			r.releaseLocked(item.ProductID, item.Quantity)
		}
	}
	for _, item := range items {
		if !r.reserveLocked(item.ProductID, item.Quantity) {
			release()
			return nil, models.ErrOutOfStock
		}
		reserved = append(reserved, item)
	}

	order := &models.Order{
		ID:          uuid.New().String(),
		UserID:      userID,
		Items:       items,
		TotalPoints: total,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}

	entry := newEntry(userID, total, models.KindSpent, "catalog purchase", map[string]string{"order_id": order.ID})
	if err := r.debitLocked(entry); err != nil {
		release()
		return nil, err
	}

	r.orders[order.ID] = order
	o := cloneOrder(order)
	return o, nil
}

func cloneOrder(order *models.Order) *models.Order {
	o := *order
	o.Items = append([]models.OrderItem(nil), order.Items...)
	if order.Cancellation != nil {
		c := *order.Cancellation
		o.Cancellation = &c
	}
	return &o
}

func (r *MemoryRepository) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (r *MemoryRepository) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var orders []models.Order
	for _, order := range r.orders {
		if order.UserID == userID {
			orders = append(orders, *cloneOrder(order))
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// refundLocked restocks the order's items, credits the buyer and marks
// the order cancelled. Caller holds r.mu.
func (r *MemoryRepository) refundLocked(order *models.Order) error {
	entry := newEntry(order.UserID, order.TotalPoints, models.KindAdminGrant, "order refund", map[string]string{"order_id": order.ID})
	if err := r.creditLocked(entry); err != nil {
		return err
	}
	for _, item := range order.Items {
		r.releaseLocked(item.ProductID, item.Quantity)
	}
	order.Status = models.OrderStatusCancelled
	return nil
}

func (r *MemoryRepository) CancelPendingOrder(ctx context.Context, orderID string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if order.Status != models.OrderStatusPending {
		return nil, models.ErrInvalidRequest
	}
	if err := r.refundLocked(order); err != nil {
		return nil, err
	}
	return cloneOrder(order), nil
}

func (r *MemoryRepository) RequestCancellation(ctx context.Context, orderID string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return models.ErrNotFound
	}
	if order.Status != models.OrderStatusCompleted {
		return models.ErrInvalidRequest
	}
	if order.Cancellation != nil && !order.Cancellation.Resolved {
		return models.ErrInvalidRequest
	}
	order.Cancellation = &models.CancellationRequest{
		RequestedAt: time.Now().UTC(),
		Reason:      reason,
	}
	return nil
}

func (r *MemoryRepository) ResolveCancellation(ctx context.Context, orderID string, approve bool, adminNote string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if order.Cancellation == nil || order.Cancellation.Resolved {
		return nil, models.ErrInvalidRequest
	}

	if approve {
		if err := r.refundLocked(order); err != nil {
			return nil, err
		}
	}
	order.Cancellation.Resolved = true
	order.Cancellation.AdminResponse = adminNote
	return cloneOrder(order), nil
}

func (r *MemoryRepository) AuditAccounts(ctx context.Context) ([]models.ReconciliationIssue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sums := make(map[int64]int64, len(r.accounts))
	for _, entry := range r.entries {
		sums[entry.UserID] += entry.Amount * entry.Kind.Sign()
	}

	var issues []models.ReconciliationIssue
	for _, account := range r.accounts {
		issue := models.ReconciliationIssue{
			UserID:          account.UserID,
			AvailablePoints: account.AvailablePoints,
			TotalEarned:     account.TotalEarned,
			TotalSpent:      account.TotalSpent,
			EntrySum:        sums[account.UserID],
		}
		if issue.AvailablePoints != issue.TotalEarned-issue.TotalSpent || issue.AvailablePoints != issue.EntrySum {
			issues = append(issues, issue)
		}
	}
	return issues, nil
}

// Compile-time check: ensure MemoryRepository implements Repository
var _ Repository = (*MemoryRepository)(nil)
