package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/kudohub/heartbits/internal/heartbits/models"
)

const defaultPageLimit = 50

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(databaseURI string) *PostgresRepository {
	return &PostgresRepository{
		db: nil, // Will be initialized in InitDB
	}
}

// InitDB initializes the database connection and schema
func (r *PostgresRepository) InitDB(databaseURI string) error {
	db, err := sql.Open("pgx", databaseURI)
	if err != nil {
		return err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return err
	}

	r.db = db

	// Create tables if they don't exist
	err = r.createTables()
	if err != nil {
		db.Close()
		return err
	}

	return nil
}

// Close closes the database connection
func (r *PostgresRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// createTables creates the necessary tables if they don't exist
func (r *PostgresRepository) createTables() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			login VARCHAR(255) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id SERIAL PRIMARY KEY,
			user_id INTEGER UNIQUE NOT NULL REFERENCES users(id),
			available_points BIGINT NOT NULL DEFAULT 0 CHECK (available_points >= 0),
			total_earned BIGINT NOT NULL DEFAULT 0 CHECK (total_earned >= 0),
			total_spent BIGINT NOT NULL DEFAULT 0 CHECK (total_spent >= 0),
			monthly_transfer_limit BIGINT NOT NULL DEFAULT 100,
			monthly_transfer_used BIGINT NOT NULL DEFAULT 0 CHECK (monthly_transfer_used >= 0),
			last_monthly_reset TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id VARCHAR(36) PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			counterparty_id INTEGER REFERENCES users(id),
			transfer_id VARCHAR(36),
			kind VARCHAR(32) NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			description TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user_created
			ON transactions (user_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS products (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			points_cost BIGINT NOT NULL CHECK (points_cost >= 1),
			category VARCHAR(255) NOT NULL DEFAULT '',
			inventory BIGINT NOT NULL DEFAULT 0 CHECK (inventory >= 0),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			rating DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(36) PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			items JSONB NOT NULL,
			total_points BIGINT NOT NULL CHECK (total_points >= 0),
			status VARCHAR(32) NOT NULL,
			cancel_requested_at TIMESTAMPTZ,
			cancel_reason TEXT NOT NULL DEFAULT '',
			cancel_resolved BOOLEAN NOT NULL DEFAULT FALSE,
			cancel_admin_response TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user_created
			ON orders (user_id, created_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

// storageErr maps driver errors onto the engine taxonomy. Known
// sentinels pass through; deadlocks and serialization failures become
// retryable conflicts; everything else is a storage failure.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrInvalidRequest) ||
		errors.Is(err, models.ErrInsufficientFunds) ||
		errors.Is(err, models.ErrQuotaExceeded) ||
		errors.Is(err, models.ErrOutOfStock) ||
		errors.Is(err, models.ErrConflictRetryable) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure / deadlock_detected
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return models.ErrConflictRetryable
		}
	}
	return models.ErrStorageFailure
}

// User repository methods
func (r *PostgresRepository) CreateUser(ctx context.Context, login, passwordHash string, isAdmin bool) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(
		ctx,
		"INSERT INTO users (login, password_hash, is_admin) VALUES ($1, $2, $3) RETURNING id",
		login, passwordHash, isAdmin,
	).Scan(&id)

	if err != nil {
		return 0, storageErr(err)
	}

	return id, nil
}

func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	user := &models.User{}
	err := r.db.QueryRowContext(
		ctx,
		"SELECT id, login, password_hash, is_admin, created_at FROM users WHERE login = $1",
		login,
	).Scan(&user.ID, &user.Login, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr(err)
	}

	return user, nil
}

func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	user := &models.User{}
	err := r.db.QueryRowContext(
		ctx,
		"SELECT id, login, password_hash, is_admin, created_at FROM users WHERE id = $1",
		id,
	).Scan(&user.ID, &user.Login, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr(err)
	}

	return user, nil
}

// Account repository methods
func (r *PostgresRepository) CreateAccount(ctx context.Context, userID int64) (*models.Account, error) {
	account := &models.Account{}
	err := r.db.QueryRowContext(
		ctx,
		`INSERT INTO accounts (user_id, monthly_transfer_limit)
		 VALUES ($1, $2)
		 RETURNING id, user_id, available_points, total_earned, total_spent,
		           monthly_transfer_limit, monthly_transfer_used, last_monthly_reset`,
		userID, models.DefaultMonthlyTransferLimit,
	).Scan(
		&account.ID, &account.UserID, &account.AvailablePoints,
		&account.TotalEarned, &account.TotalSpent,
		&account.MonthlyTransferLimit, &account.MonthlyTransferUsed,
		&account.LastMonthlyReset,
	)
	if err != nil {
		return nil, storageErr(err)
	}
	return account, nil
}

func (r *PostgresRepository) GetAccountByUserID(ctx context.Context, userID int64) (*models.Account, error) {
	return r.getAccount(ctx, r.db, userID, false)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (r *PostgresRepository) getAccount(ctx context.Context, q queryRower, userID int64, forUpdate bool) (*models.Account, error) {
	query := `SELECT id, user_id, available_points, total_earned, total_spent,
	                 monthly_transfer_limit, monthly_transfer_used, last_monthly_reset
	          FROM accounts WHERE user_id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	account := &models.Account{}
	err := q.QueryRowContext(ctx, query, userID).Scan(
		&account.ID, &account.UserID, &account.AvailablePoints,
		&account.TotalEarned, &account.TotalSpent,
		&account.MonthlyTransferLimit, &account.MonthlyTransferUsed,
		&account.LastMonthlyReset,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, storageErr(err)
	}
	return account, nil
}

// insertEntry appends one ledger entry inside dbTx.
func insertEntry(ctx context.Context, dbTx *sql.Tx, entry *models.Transaction) error {
	var metadata interface{}
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
		metadata = raw
	}

	var counterparty interface{}
	if entry.CounterpartyID != nil {
		counterparty = *entry.CounterpartyID
	}
	var transferID interface{}
	if entry.TransferID != "" {
		transferID = entry.TransferID
	}

	_, err := dbTx.ExecContext(
		ctx,
		`INSERT INTO transactions (id, user_id, counterparty_id, transfer_id, kind, amount, description, message, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.UserID, counterparty, transferID,
		string(entry.Kind), entry.Amount, entry.Description, entry.Message,
		metadata, entry.CreatedAt,
	)
	return err
}

// creditTx applies a credit inside dbTx: balance bump plus one entry.
func (r *PostgresRepository) creditTx(ctx context.Context, dbTx *sql.Tx, entry *models.Transaction) error {
	res, err := dbTx.ExecContext(
		ctx,
		`UPDATE accounts
		 SET available_points = available_points + $1, total_earned = total_earned + $1
		 WHERE user_id = $2`,
		entry.Amount, entry.UserID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return models.ErrNotFound
	}
	return insertEntry(ctx, dbTx, entry)
}

// debitTx applies a debit inside dbTx. The balance guard in the WHERE
// clause makes overdraft impossible regardless of concurrent writers.
func (r *PostgresRepository) debitTx(ctx context.Context, dbTx *sql.Tx, entry *models.Transaction) error {
	res, err := dbTx.ExecContext(
		ctx,
		`UPDATE accounts
		 SET available_points = available_points - $1, total_spent = total_spent + $1
		 WHERE user_id = $2 AND available_points >= $1`,
		entry.Amount, entry.UserID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either no such account or not enough points.
		if _, err := r.getAccount(ctx, dbTx, entry.UserID, false); err != nil {
			return err
		}
		return models.ErrInsufficientFunds
	}
	return insertEntry(ctx, dbTx, entry)
}

func newEntry(userID, amount int64, kind models.TransactionKind, description string, metadata map[string]string) *models.Transaction {
	return &models.Transaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Kind:        kind,
		Amount:      amount,
		Description: description,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
}

func (r *PostgresRepository) Credit(ctx context.Context, userID, amount int64, kind models.TransactionKind, description string, metadata map[string]string) (*models.Transaction, error) {
	if amount <= 0 || kind.Sign() != 1 {
		return nil, models.ErrInvalidRequest
	}
	entry := newEntry(userID, amount, kind, description, metadata)
	err := r.inTx(ctx, func(dbTx *sql.Tx) error {
		return r.creditTx(ctx, dbTx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *PostgresRepository) Debit(ctx context.Context, userID, amount int64, kind models.TransactionKind, description string, metadata map[string]string) (*models.Transaction, error) {
	if amount <= 0 || kind.Sign() != -1 {
		return nil, models.ErrInvalidRequest
	}
	entry := newEntry(userID, amount, kind, description, metadata)
	err := r.inTx(ctx, func(dbTx *sql.Tx) error {
		return r.debitTx(ctx, dbTx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// inTx runs fn inside a transaction, rolling back on error.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(dbTx *sql.Tx) error) error {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err)
	}
	if err := fn(dbTx); err != nil {
		dbTx.Rollback()
		return storageErr(err)
	}
	if err := dbTx.Commit(); err != nil {
		return storageErr(err)
	}
	return nil
}

func (r *PostgresRepository) ListTransactions(ctx context.Context, userID int64, filter TransactionFilter) ([]models.Transaction, error) {
	limit := filter.Limit
	if limit <= 0 || limit > defaultPageLimit {
		limit = defaultPageLimit
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	query := `SELECT id, user_id, counterparty_id, transfer_id, kind, amount, description, message, metadata, created_at
	          FROM transactions
	          WHERE user_id = $1`
	args := []interface{}{userID}
	if filter.Kind != "" {
		query += " AND kind = $2"
		args = append(args, string(filter.Kind))
	}
	query += " ORDER BY created_at DESC, id DESC"
	args = append(args, limit, offset)
	if filter.Kind != "" {
		query += " LIMIT $3 OFFSET $4"
	} else {
		query += " LIMIT $2 OFFSET $3"
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var entries []models.Transaction
	for rows.Next() {
		var entry models.Transaction
		var counterparty sql.NullInt64
		var transferID sql.NullString
		var metadata []byte
		var kind string
		if err := rows.Scan(
			&entry.ID, &entry.UserID, &counterparty, &transferID,
			&kind, &entry.Amount, &entry.Description, &entry.Message,
			&metadata, &entry.CreatedAt,
		); err != nil {
			return nil, storageErr(err)
		}
		entry.Kind = models.TransactionKind(kind)
		if counterparty.Valid {
			id := counterparty.Int64
			entry.CounterpartyID = &id
		}
		if transferID.Valid {
			entry.TransferID = transferID.String
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, storageErr(err)
			}
		}
		entries = append(entries, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, storageErr(err)
	}

	return entries, nil
}

// sameMonth reports whether two timestamps fall in the same calendar
// month of the same year, in UTC.
func sameMonth(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.Month() == b.Month()
}

// consumeQuotaTx applies the monthly rollover and consumes amount from
// the sender's quota, all under the row lock already held by dbTx.
func (r *PostgresRepository) consumeQuotaTx(ctx context.Context, dbTx *sql.Tx, account *models.Account, amount int64, now time.Time) (*models.QuotaResult, error) {
	used := account.MonthlyTransferUsed
	if !sameMonth(account.LastMonthlyReset, now) {
		used = 0
		if _, err := dbTx.ExecContext(
			ctx,
			"UPDATE accounts SET monthly_transfer_used = 0, last_monthly_reset = $1 WHERE user_id = $2",
			now, account.UserID,
		); err != nil {
			return nil, err
		}
		account.MonthlyTransferUsed = 0
		account.LastMonthlyReset = now
	}

	if used+amount > account.MonthlyTransferLimit {
		return &models.QuotaResult{Allowed: false, Remaining: account.MonthlyTransferLimit - used}, nil
	}

	if _, err := dbTx.ExecContext(
		ctx,
		"UPDATE accounts SET monthly_transfer_used = monthly_transfer_used + $1 WHERE user_id = $2",
		amount, account.UserID,
	); err != nil {
		return nil, err
	}
	account.MonthlyTransferUsed = used + amount
	return &models.QuotaResult{Allowed: true, Remaining: account.MonthlyTransferLimit - account.MonthlyTransferUsed}, nil
}

func (r *PostgresRepository) ConsumeQuota(ctx context.Context, userID, amount int64, now time.Time) (*models.QuotaResult, error) {
	if amount <= 0 {
		return nil, models.ErrInvalidRequest
	}
	var result *models.QuotaResult
	err := r.inTx(ctx, func(dbTx *sql.Tx) error {
		account, err := r.getAccount(ctx, dbTx, userID, true)
		if err != nil {
			return err
		}
		result, err = r.consumeQuotaTx(ctx, dbTx, account, amount, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) TransferPoints(ctx context.Context, fromUserID, toUserID, amount int64, message string, now time.Time) ([2]models.Transaction, error) {
	var pair [2]models.Transaction
	if amount <= 0 || fromUserID == toUserID {
		return pair, models.ErrInvalidRequest
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

	err := r.inTx(ctx, func(dbTx *sql.Tx) error {
		// Lock both account rows in id order to avoid deadlocks
		// between two transfers running in opposite directions.
		first, second := fromUserID, toUserID
		if second < first {
			first, second = second, first
		}
		if _, err := r.getAccount(ctx, dbTx, first, true); err != nil {
			return err
		}
		if _, err := r.getAccount(ctx, dbTx, second, true); err != nil {
			return err
		}

		sender, err := r.getAccount(ctx, dbTx, fromUserID, false)
		if err != nil {
			return err
		}
		quota, err := r.consumeQuotaTx(ctx, dbTx, sender, amount, now)
		if err != nil {
			return err
		}
		if !quota.Allowed {
			return models.ErrQuotaExceeded
		}

		if err := r.debitTx(ctx, dbTx, &given); err != nil {
			return err
		}
		return r.creditTx(ctx, dbTx, &received)
	})
	if err != nil {
		return pair, err
	}

	pair[0] = given
	pair[1] = received
	return pair, nil
}

// Catalog repository methods
func (r *PostgresRepository) CreateProduct(ctx context.Context, p *models.Product) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(
		ctx,
		`INSERT INTO products (name, points_cost, category, inventory, is_active, rating)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		p.Name, p.PointsCost, p.Category, p.Inventory, p.IsActive, p.Rating,
	).Scan(&id)
	if err != nil {
		return 0, storageErr(err)
	}
	return id, nil
}

func (r *PostgresRepository) UpdateProduct(ctx context.Context, p *models.Product) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE products
		 SET name = $1, points_cost = $2, category = $3, inventory = $4, is_active = $5, rating = $6
		 WHERE id = $7`,
		p.Name, p.PointsCost, p.Category, p.Inventory, p.IsActive, p.Rating, p.ID,
	)
	if err != nil {
		return storageErr(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return storageErr(err)
	}
	if rows == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	p := &models.Product{}
	err := r.db.QueryRowContext(
		ctx,
		`SELECT id, name, points_cost, category, inventory, is_active, rating, created_at
		 FROM products WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.PointsCost, &p.Category, &p.Inventory, &p.IsActive, &p.Rating, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, storageErr(err)
	}
	return p, nil
}

func (r *PostgresRepository) ListProducts(ctx context.Context, filter models.ProductFilter) ([]models.Product, error) {
	query := `SELECT id, name, points_cost, category, inventory, is_active, rating, created_at
	          FROM products WHERE is_active = TRUE`
	args := []interface{}{}
	n := 1
	if filter.Category != "" {
		query += " AND category = $1"
		args = append(args, filter.Category)
		n++
	}
	if filter.MinCost > 0 {
		query += " AND points_cost >= $" + strconv.Itoa(n)
		args = append(args, filter.MinCost)
		n++
	}
	if filter.MaxCost > 0 {
		query += " AND points_cost <= $" + strconv.Itoa(n)
		args = append(args, filter.MaxCost)
	}
	query += " ORDER BY name"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.PointsCost, &p.Category, &p.Inventory, &p.IsActive, &p.Rating, &p.CreatedAt); err != nil {
			return nil, storageErr(err)
		}
		products = append(products, p)
	}
	if err = rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return products, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// reserveTx is the guarded inventory decrement. One statement, so two
// concurrent reservations can never both pass the stock check.
func reserveTx(ctx context.Context, db execer, productID, quantity int64) (bool, error) {
	res, err := db.ExecContext(
		ctx,
		`UPDATE products
		 SET inventory = inventory - $1
		 WHERE id = $2 AND is_active = TRUE AND inventory >= $1`,
		quantity, productID,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *PostgresRepository) ReserveInventory(ctx context.Context, productID, quantity int64) (bool, error) {
	if quantity <= 0 {
		return false, models.ErrInvalidRequest
	}
	ok, err := reserveTx(ctx, r.db, productID, quantity)
	if err != nil {
		return false, storageErr(err)
	}
	return ok, nil
}

func (r *PostgresRepository) ReleaseInventory(ctx context.Context, productID, quantity int64) error {
	if quantity <= 0 {
		return models.ErrInvalidRequest
	}
	_, err := r.db.ExecContext(
		ctx,
		"UPDATE products SET inventory = inventory + $1 WHERE id = $2",
		quantity, productID,
	)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

// Order repository methods
func (r *PostgresRepository) CreateOrder(ctx context.Context, userID int64, items []models.OrderItem, status string) (*models.Order, error) {
	if len(items) == 0 {
		return nil, models.ErrInvalidRequest
	}

	var total int64
	for _, item := range items {
		total += item.TotalPoints
	}

	order := &models.Order{
		ID:          uuid.New().String(),
		UserID:      userID,
		Items:       items,
		TotalPoints: total,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}

	// Inventory decrements, the balance debit and the order insert run
	// in one database transaction; a rollback undoes the reservations,
	// so no compensating release is needed here.
	err := r.inTx(ctx, func(dbTx *sql.Tx) error {
		for _, item := range items {
			ok, err := reserveTx(ctx, dbTx, item.ProductID, item.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return models.ErrOutOfStock
			}
		}

		entry := newEntry(userID, total, models.KindSpent, "catalog purchase", map[string]string{"order_id": order.ID})
		if err := r.debitTx(ctx, dbTx, entry); err != nil {
			return err
		}

		itemsJSON, err := json.Marshal(items)
		if err != nil {
			return err
		}
		_, err = dbTx.ExecContext(
			ctx,
			`INSERT INTO orders (id, user_id, items, total_points, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			order.ID, order.UserID, itemsJSON, order.TotalPoints, order.Status, order.CreatedAt,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func scanOrder(row *sql.Row) (*models.Order, error) {
	order := &models.Order{}
	var itemsJSON []byte
	var cancelRequestedAt sql.NullTime
	var cancelReason, cancelAdminResponse string
	var cancelResolved bool

	err := row.Scan(
		&order.ID, &order.UserID, &itemsJSON, &order.TotalPoints, &order.Status,
		&cancelRequestedAt, &cancelReason, &cancelResolved, &cancelAdminResponse,
		&order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(itemsJSON, &order.Items); err != nil {
		return nil, err
	}
	if cancelRequestedAt.Valid {
		order.Cancellation = &models.CancellationRequest{
			RequestedAt:   cancelRequestedAt.Time,
			Reason:        cancelReason,
			Resolved:      cancelResolved,
			AdminResponse: cancelAdminResponse,
		}
	}
	return order, nil
}

const orderColumns = `id, user_id, items, total_points, status,
	cancel_requested_at, cancel_reason, cancel_resolved, cancel_admin_response, created_at`

func (r *PostgresRepository) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(
		ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1",
		orderID,
	))
	if err != nil {
		return nil, storageErr(err)
	}
	return order, nil
}

func (r *PostgresRepository) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	rows, err := r.db.QueryContext(
		ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order := models.Order{}
		var itemsJSON []byte
		var cancelRequestedAt sql.NullTime
		var cancelReason, cancelAdminResponse string
		var cancelResolved bool
		if err := rows.Scan(
			&order.ID, &order.UserID, &itemsJSON, &order.TotalPoints, &order.Status,
			&cancelRequestedAt, &cancelReason, &cancelResolved, &cancelAdminResponse,
			&order.CreatedAt,
		); err != nil {
			return nil, storageErr(err)
		}
		if err := json.Unmarshal(itemsJSON, &order.Items); err != nil {
			return nil, storageErr(err)
		}
		if cancelRequestedAt.Valid {
			order.Cancellation = &models.CancellationRequest{
				RequestedAt:   cancelRequestedAt.Time,
				Reason:        cancelReason,
				Resolved:      cancelResolved,
				AdminResponse: cancelAdminResponse,
			}
		}
		orders = append(orders, order)
	}
	if err = rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return orders, nil
}

// lockOrder loads an order row FOR UPDATE inside dbTx.
func (r *PostgresRepository) lockOrder(ctx context.Context, dbTx *sql.Tx, orderID string) (*models.Order, error) {
	return scanOrder(dbTx.QueryRowContext(
		ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE",
		orderID,
	))
}

// refundOrderTx restocks every item and credits the buyer for the
// order total, then moves the order to status cancelled.
func (r *PostgresRepository) refundOrderTx(ctx context.Context, dbTx *sql.Tx, order *models.Order) error {
	for _, item := range order.Items {
		if _, err := dbTx.ExecContext(
			ctx,
			"UPDATE products SET inventory = inventory + $1 WHERE id = $2",
			item.Quantity, item.ProductID,
		); err != nil {
			return err
		}
	}

	entry := newEntry(order.UserID, order.TotalPoints, models.KindAdminGrant, "order refund", map[string]string{"order_id": order.ID})
	if err := r.creditTx(ctx, dbTx, entry); err != nil {
		return err
	}

	_, err := dbTx.ExecContext(
		ctx,
		"UPDATE orders SET status = $1 WHERE id = $2",
		models.OrderStatusCancelled, order.ID,
	)
	return err
}

func (r *PostgresRepository) CancelPendingOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var order *models.Order
	err := r.inTx(ctx, func(dbTx *sql.Tx) error {
		var err error
		order, err = r.lockOrder(ctx, dbTx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPending {
			return models.ErrInvalidRequest
		}
		if err := r.refundOrderTx(ctx, dbTx, order); err != nil {
			return err
		}
		order.Status = models.OrderStatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (r *PostgresRepository) RequestCancellation(ctx context.Context, orderID string, reason string) error {
	return r.inTx(ctx, func(dbTx *sql.Tx) error {
		order, err := r.lockOrder(ctx, dbTx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusCompleted {
			return models.ErrInvalidRequest
		}
		if order.Cancellation != nil && !order.Cancellation.Resolved {
			return models.ErrInvalidRequest
		}
		_, err = dbTx.ExecContext(
			ctx,
			`UPDATE orders
			 SET cancel_requested_at = $1, cancel_reason = $2, cancel_resolved = FALSE, cancel_admin_response = ''
			 WHERE id = $3`,
			time.Now().UTC(), reason, orderID,
		)
		return err
	})
}

func (r *PostgresRepository) ResolveCancellation(ctx context.Context, orderID string, approve bool, adminNote string) (*models.Order, error) {
	var order *models.Order
	err := r.inTx(ctx, func(dbTx *sql.Tx) error {
		var err error
		order, err = r.lockOrder(ctx, dbTx, orderID)
		if err != nil {
			return err
		}
		if order.Cancellation == nil || order.Cancellation.Resolved {
			return models.ErrInvalidRequest
		}

		if approve {
			if err := r.refundOrderTx(ctx, dbTx, order); err != nil {
				return err
			}
			order.Status = models.OrderStatusCancelled
		}

		if _, err := dbTx.ExecContext(
			ctx,
			"UPDATE orders SET cancel_resolved = TRUE, cancel_admin_response = $1 WHERE id = $2",
			adminNote, orderID,
		); err != nil {
			return err
		}
		order.Cancellation.Resolved = true
		order.Cancellation.AdminResponse = adminNote
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (r *PostgresRepository) AuditAccounts(ctx context.Context) ([]models.ReconciliationIssue, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT a.user_id, a.available_points, a.total_earned, a.total_spent,
		        COALESCE((
		            SELECT SUM(CASE WHEN t.kind IN ('earned', 'received', 'admin_grant') THEN t.amount ELSE -t.amount END)
		            FROM transactions t WHERE t.user_id = a.user_id
		        ), 0) AS entry_sum
		 FROM accounts a`,
	)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var issues []models.ReconciliationIssue
	for rows.Next() {
		var issue models.ReconciliationIssue
		if err := rows.Scan(&issue.UserID, &issue.AvailablePoints, &issue.TotalEarned, &issue.TotalSpent, &issue.EntrySum); err != nil {
			return nil, storageErr(err)
		}
		if issue.AvailablePoints != issue.TotalEarned-issue.TotalSpent || issue.AvailablePoints != issue.EntrySum {
			issues = append(issues, issue)
		}
	}
	if err = rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return issues, nil
}

// Compile-time check: ensure PostgresRepository implements Repository
var _ Repository = (*PostgresRepository)(nil)
