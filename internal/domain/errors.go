package domain

import "errors"

var (
	// ErrDuplicatedOperation is returned when an idempotency key or external
	// transaction hash has already been used
	ErrDuplicatedOperation = errors.New("duplicated operation")

	// ErrInvalidSignature is returned when a wallet signature does not recover
	// to the claimed address
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidTransaction is returned for stale timestamps or malformed
	// signed payloads
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrInsufficientBalance is returned when a debit would drive a balance
	// bucket below zero
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrCycleDetected is returned when a referrer change would place a
	// participant inside its own downline
	ErrCycleDetected = errors.New("cycle detected")

	// ErrAlreadyHasSuperior is returned when a participant attempts to set a
	// referrer while one is already bound
	ErrAlreadyHasSuperior = errors.New("participant already has a superior")

	// ErrNotFound is returned when a participant or superior does not exist
	ErrNotFound = errors.New("not found")

	// ErrOperationFailed is the generic failure for operations that cannot be
	// attributed to caller input
	ErrOperationFailed = errors.New("operation failed")
)
