/**
 * @description
 * This file defines the `Repository` interface for the rewards service.
 * It abstracts the data persistence layer so the settlement engine can be
 * exercised against PostgreSQL in production and in-memory stubs in tests.
 *
 * @dependencies
 * - context: For managing request-scoped deadlines and cancellation.
 * - github.com/google/uuid: For UUID types.
 * - internal/domain: For the visit, user, facility and redemption models.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/trashtotech/rewards-service/internal/domain"
)

var (
	ErrUserNotFound       = fmt.Errorf("user %w", domain.ErrNotFound)
	ErrFacilityNotFound   = fmt.Errorf("facility %w", domain.ErrNotFound)
	ErrVisitNotFound      = fmt.Errorf("visit %w", domain.ErrNotFound)
	ErrVisitSettled       = fmt.Errorf("visit %w", domain.ErrAlreadyProcessed)
	ErrInsufficientPoints = fmt.Errorf("balance has %w", domain.ErrInsufficientPoints)

	// ErrDuplicateReference is returned when a generated reference number
	// collides with an existing visit. Callers regenerate and retry.
	ErrDuplicateReference = errors.New("visit reference number already exists")
	ErrDuplicateVoucher   = errors.New("voucher code already exists")
)

// SettleFunc decides the outcome for a visit that is locked for update.
// It mutates the visit in place and returns the delta to apply to the owner's
// balance. Returning an error aborts the transaction with nothing written.
type SettleFunc func(visit *domain.Visit) (domain.BalanceDelta, error)

// OutboxMessage is one claimed row of the event outbox.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// PendingDrift records a user whose stored pending balance disagreed with the
// sum of their open visits and was corrected.
type PendingDrift struct {
	UserID   uuid.UUID
	Recorded int64
	Expected int64
}

// Repository defines the persistence operations used by the rewards service.
type Repository interface {
	// Facility directory
	FindFacilityByID(ctx context.Context, facilityID uuid.UUID) (*domain.Facility, error)
	ListActiveFacilities(ctx context.Context) ([]domain.Facility, error)

	// Balance store
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	RedeemPointsAtomic(ctx context.Context, redemption *domain.Redemption) (*domain.Balance, error)
	ReconcilePendingPoints(ctx context.Context) ([]PendingDrift, error)

	// Visit ledger
	FindVisitByReference(ctx context.Context, referenceNumber string) (*domain.Visit, error)
	ListVisitsByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Visit, error)
	ListCompletedVisitsByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Visit, error)
	AttachVisitQRCode(ctx context.Context, visitID uuid.UUID, dataURL string) error

	// CreateVisitAtomic inserts a scheduled visit, credits its pending points to
	// the owner (when there is one) and enqueues the scheduled event, all in one
	// transaction. The returned balance is nil for guest visits.
	CreateVisitAtomic(ctx context.Context, visit *domain.Visit) (*domain.Balance, error)

	// SettleVisitAtomic locks the visit identified by referenceNumber, lets fn
	// decide the outcome and persists the visit, the owner's balance delta and
	// the settlement event together.
	SettleVisitAtomic(ctx context.Context, referenceNumber string, fn SettleFunc) (*domain.Settlement, error)

	// Event outbox
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}
