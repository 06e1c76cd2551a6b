package domain

import "errors"

// Error taxonomy shared by the store, the settlement engine and the API layer.
// Callers match with errors.Is; concrete errors wrap one of these.
var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyProcessed   = errors.New("already processed")
	ErrTransactionFailure = errors.New("transaction failure")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrRateLimited        = errors.New("rate limited")
	ErrInsufficientPoints = errors.New("insufficient points")
)
