package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the rewards exchange.
const (
	RoutingKeyVisitScheduled        = "visit.scheduled"
	RoutingKeyVisitCompleted        = "visit.completed"
	RoutingKeyVisitRejected         = "visit.rejected"
	RoutingKeyVisitCancelled        = "visit.cancelled"
	RoutingKeyRewardsRedeemed       = "rewards.redeemed"
	RoutingKeyVisitConfirmRequested = "visit.confirm.requested"
)

// RoutingKeyForStatus maps a visit status to the event emitted on entering it.
func RoutingKeyForStatus(status VisitStatus) string {
	switch status {
	case VisitStatusCompleted:
		return RoutingKeyVisitCompleted
	case VisitStatusRejected:
		return RoutingKeyVisitRejected
	case VisitStatusCancelled:
		return RoutingKeyVisitCancelled
	default:
		return RoutingKeyVisitScheduled
	}
}

// OutboxEvent is written in the same database transaction as the state change
// it describes and published to the broker afterwards.
type OutboxEvent struct {
	RoutingKey string
	Payload    interface{}
}

// VisitEvent is the payload for visit lifecycle events.
type VisitEvent struct {
	VisitID         uuid.UUID   `json:"visit_id"`
	ReferenceNumber string      `json:"reference_number"`
	UserID          *uuid.UUID  `json:"user_id,omitempty"`
	FacilityID      uuid.UUID   `json:"facility_id"`
	Status          VisitStatus `json:"status"`
	EstimatedPoints int64       `json:"estimated_points"`
	PendingPoints   int64       `json:"pending_points"`
	ActualPoints    int64       `json:"actual_points"`
	UserPoints      *int64      `json:"user_points,omitempty"`
	UserLevel       *Level      `json:"user_level,omitempty"`
	OccurredAt      time.Time   `json:"occurred_at"`
}

// NewVisitEvent snapshots v (and the owner's balance, when known) into an
// outbox event keyed by the visit's current status.
func NewVisitEvent(v *Visit, balance *Balance, at time.Time) OutboxEvent {
	payload := VisitEvent{
		VisitID:         v.ID,
		ReferenceNumber: v.ReferenceNumber,
		UserID:          v.UserID,
		FacilityID:      v.FacilityID,
		Status:          v.Status,
		EstimatedPoints: v.EstimatedPoints,
		PendingPoints:   v.PendingPoints,
		ActualPoints:    v.ActualPoints,
		OccurredAt:      at.UTC(),
	}
	if balance != nil {
		points := balance.Points
		level := balance.Level
		payload.UserPoints = &points
		payload.UserLevel = &level
	}
	return OutboxEvent{RoutingKey: RoutingKeyForStatus(v.Status), Payload: payload}
}

// RedemptionEvent is the payload for rewards.redeemed.
type RedemptionEvent struct {
	RedemptionID uuid.UUID `json:"redemption_id"`
	UserID       uuid.UUID `json:"user_id"`
	RewardName   string    `json:"reward_name"`
	Cost         int64     `json:"cost"`
	BalanceAfter int64     `json:"balance_after"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// ConfirmationRequest is consumed from facility scanners that confirm visits
// asynchronously instead of calling the HTTP API.
type ConfirmationRequest struct {
	ReferenceNumber string `json:"reference_number"`
	Action          string `json:"action"`
	FacilityID      string `json:"facility_id"`
	ActualItems     []Item `json:"actual_items,omitempty"`
}
