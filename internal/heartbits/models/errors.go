package models

import "errors"

// Error taxonomy for the points engine. Handlers map these to HTTP
// statuses; everything else surfaces as a storage failure.
var (
	// ErrNotFound means the referenced user, account, product or order
	// does not exist (or the product is inactive).
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest means malformed input: non-positive amount,
	// self-transfer, empty cart, unknown transaction kind.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInsufficientFunds means a debit would drop the balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrQuotaExceeded means the monthly transfer limit would be exceeded.
	ErrQuotaExceeded = errors.New("monthly transfer quota exceeded")

	// ErrOutOfStock means requested quantity exceeds available inventory.
	ErrOutOfStock = errors.New("out of stock")

	// ErrConflictRetryable is an optimistic-concurrency collision at the
	// storage layer; the whole operation is safe to retry.
	ErrConflictRetryable = errors.New("storage conflict, retryable")

	// ErrStorageFailure is any other durable-storage error. The failed
	// operation is guaranteed not partially applied.
	ErrStorageFailure = errors.New("storage failure")
)
