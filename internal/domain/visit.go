/**
 * @description
 * This file defines the visit ledger: the record of one scheduled drop-off and
 * the rules governing how its status and point fields may change.
 *
 * @notes
 * - Points are whole integers stored as int64.
 * - A visit moves from `scheduled` to exactly one terminal status and never
 *   leaves it. Settle is the only method that mutates point fields after
 *   creation.
 */

package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// VisitStatus is the lifecycle state of a visit.
type VisitStatus string

const (
	VisitStatusScheduled VisitStatus = "scheduled"
	VisitStatusCompleted VisitStatus = "completed"
	VisitStatusRejected  VisitStatus = "rejected"
	VisitStatusCancelled VisitStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s VisitStatus) IsTerminal() bool {
	switch s {
	case VisitStatusCompleted, VisitStatusRejected, VisitStatusCancelled:
		return true
	default:
		return false
	}
}

// SettlementAction is the decision applied to a scheduled visit.
type SettlementAction string

const (
	ActionAccept SettlementAction = "accept"
	ActionReject SettlementAction = "reject"
	ActionCancel SettlementAction = "cancel"
)

// ParseConfirmAction accepts the actions a facility may take on a visit.
// Cancellation is reserved for the owning user and is not accepted here.
func ParseConfirmAction(raw string) (SettlementAction, error) {
	switch SettlementAction(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionAccept:
		return ActionAccept, nil
	case ActionReject:
		return ActionReject, nil
	default:
		return "", fmt.Errorf("%w: action must be \"accept\" or \"reject\"", ErrValidation)
	}
}

// TargetStatus is the terminal status reached by applying a.
func (a SettlementAction) TargetStatus() VisitStatus {
	switch a {
	case ActionAccept:
		return VisitStatusCompleted
	case ActionCancel:
		return VisitStatusCancelled
	default:
		return VisitStatusRejected
	}
}

// Visit is the aggregate root for one drop-off.
type Visit struct {
	ID              uuid.UUID   `json:"id"`
	ReferenceNumber string      `json:"referenceNumber"`
	UserID          *uuid.UUID  `json:"userId,omitempty"`
	Email           *string     `json:"email,omitempty"`
	FacilityID      uuid.UUID   `json:"facilityId"`
	Items           []Item      `json:"items"`
	EstimatedPoints int64       `json:"estimatedPoints"`
	PendingPoints   int64       `json:"pendingPoints"`
	ActualPoints    int64       `json:"actualPoints"`
	Status          VisitStatus `json:"status"`
	QRCodeDataURL   string      `json:"qrCodeDataUrl,omitempty"`
	ScheduledAt     time.Time   `json:"scheduledAt"`
	CompletedAt     *time.Time  `json:"completedAt,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// UpfrontPoints returns floor(estimated * rate). The rate is clamped to [0, 1]
// so the result never exceeds estimated.
func UpfrontPoints(estimated int64, rate float64) int64 {
	if estimated <= 0 || math.IsNaN(rate) || rate <= 0 {
		return 0
	}
	if rate > 1 {
		rate = 1
	}
	// Work in basis points so 720 * 0.30 floors to 216, not 215.
	bps := int64(math.Round(rate * 10000))
	var upfront int64
	if estimated <= math.MaxInt64/10000 {
		upfront = estimated * bps / 10000
	} else {
		upfront = int64(math.Floor(float64(estimated) * rate))
	}
	if upfront > estimated {
		return estimated
	}
	return upfront
}

// NewScheduledVisit builds a visit in the scheduled state. Item points must
// already be computed by the estimator.
func NewScheduledVisit(userID *uuid.UUID, email *string, facilityID uuid.UUID, items []Item, upfrontRate float64, now time.Time) (*Visit, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: items are required and must be a non-empty array", ErrValidation)
	}
	if facilityID == uuid.Nil {
		return nil, fmt.Errorf("%w: facilityId is required", ErrValidation)
	}

	var estimated int64
	for i, item := range items {
		if strings.TrimSpace(item.Category) == "" {
			return nil, fmt.Errorf("%w: items[%d] has no category", ErrValidation, i)
		}
		if item.EstimatedPoints < 0 {
			return nil, fmt.Errorf("%w: items[%d] has negative points", ErrValidation, i)
		}
		estimated += item.EstimatedPoints
	}

	manifest := make([]Item, len(items))
	copy(manifest, items)

	return &Visit{
		ID:              uuid.New(),
		UserID:          userID,
		Email:           email,
		FacilityID:      facilityID,
		Items:           manifest,
		EstimatedPoints: estimated,
		PendingPoints:   UpfrontPoints(estimated, upfrontRate),
		Status:          VisitStatusScheduled,
		ScheduledAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Settle moves a scheduled visit to the terminal status of action and returns
// the balance delta owed to the owning user. finalPoints is only read for
// ActionAccept. Settling a terminal visit fails with ErrAlreadyProcessed and
// leaves the visit untouched.
func (v *Visit) Settle(action SettlementAction, finalPoints int64, at time.Time) (BalanceDelta, error) {
	if v.Status.IsTerminal() {
		return BalanceDelta{}, fmt.Errorf("%w: visit %s already %s", ErrAlreadyProcessed, v.ReferenceNumber, v.Status)
	}
	if v.Status != VisitStatusScheduled {
		return BalanceDelta{}, fmt.Errorf("visit %s has unknown status %q", v.ReferenceNumber, v.Status)
	}

	delta := BalanceDelta{PendingPoints: -v.PendingPoints}
	switch action {
	case ActionAccept:
		if finalPoints < 0 {
			finalPoints = 0
		}
		v.ActualPoints = finalPoints
		delta.Points = finalPoints
	case ActionReject, ActionCancel:
	default:
		return BalanceDelta{}, fmt.Errorf("%w: unsupported action %q", ErrValidation, action)
	}

	completedAt := at
	v.Status = action.TargetStatus()
	v.CompletedAt = &completedAt
	v.UpdatedAt = at
	return delta, nil
}

// Settlement is the outcome of a confirm or cancel: the settled visit and, when
// the visit has an owner, the owner's balance after the delta was applied.
type Settlement struct {
	Visit   *Visit
	Delta   BalanceDelta
	Balance *Balance
}
