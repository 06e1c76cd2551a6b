package domain

import (
	"time"

	"github.com/google/uuid"
)

// Level is the reward tier derived from spendable points.
type Level string

const (
	LevelBronze   Level = "Bronze"
	LevelSilver   Level = "Silver"
	LevelGold     Level = "Gold"
	LevelPlatinum Level = "Platinum"
)

type levelThreshold struct {
	min   int64
	level Level
}

// Ordered from highest to lowest.
var levelThresholds = []levelThreshold{
	{min: 5000, level: LevelPlatinum},
	{min: 2000, level: LevelGold},
	{min: 500, level: LevelSilver},
	{min: 0, level: LevelBronze},
}

// LevelForPoints is monotonic in points.
func LevelForPoints(points int64) Level {
	for _, t := range levelThresholds {
		if points >= t.min {
			return t.level
		}
	}
	return LevelBronze
}

// NextLevelProgress returns the percentage (0-100) travelled from the current
// level's threshold towards the next one.
func NextLevelProgress(points int64) float64 {
	if points <= 0 {
		return 0
	}
	for i, t := range levelThresholds {
		if points < t.min {
			continue
		}
		if i == 0 {
			return 100
		}
		next := levelThresholds[i-1].min
		return float64(points-t.min) / float64(next-t.min) * 100
	}
	return 0
}

// User is the owner of a points balance.
type User struct {
	ID            uuid.UUID `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	Points        int64     `json:"points"`
	PendingPoints int64     `json:"pendingPoints"`
	Level         Level     `json:"level"`
	JoinedAt      time.Time `json:"joinedAt"`
}

// Balance returns the user's balance snapshot.
func (u *User) Balance() Balance {
	return Balance{
		UserID:        u.ID,
		Points:        u.Points,
		PendingPoints: u.PendingPoints,
		Level:         u.Level,
	}
}

// BalanceDelta is a signed change to a user's balance fields.
type BalanceDelta struct {
	Points        int64 `json:"points"`
	PendingPoints int64 `json:"pendingPoints"`
}

// IsZero reports whether applying d would change nothing.
func (d BalanceDelta) IsZero() bool {
	return d.Points == 0 && d.PendingPoints == 0
}

// Balance is a user's spendable points, informational pending counter and level.
type Balance struct {
	UserID        uuid.UUID `json:"userId"`
	Points        int64     `json:"points"`
	PendingPoints int64     `json:"pendingPoints"`
	Level         Level     `json:"level"`
}

// Apply returns the balance after d. Neither field may go below zero and the
// level is recomputed from the resulting points.
func (b Balance) Apply(d BalanceDelta) Balance {
	b.Points = clampNonNegative(b.Points + d.Points)
	b.PendingPoints = clampNonNegative(b.PendingPoints + d.PendingPoints)
	b.Level = LevelForPoints(b.Points)
	return b
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// Redemption records points exchanged for a voucher.
type Redemption struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"userId"`
	RewardName  string    `json:"rewardName"`
	Cost        int64     `json:"cost"`
	VoucherCode string    `json:"voucherCode"`
	Balance     Balance   `json:"balance"`
	CreatedAt   time.Time `json:"createdAt"`
}

// UserStats summarises a user's completed visits.
type UserStats struct {
	TotalItems        int64                    `json:"totalItems"`
	TotalPoints       int64                    `json:"totalPoints"`
	PendingPoints     int64                    `json:"pendingPoints"`
	Level             Level                    `json:"level"`
	TotalCO2Reduction int64                    `json:"totalCO2Reduction"`
	ItemsByCategory   map[string]CategoryStats `json:"itemsByCategory"`
	TotalVisits       int                      `json:"totalVisits"`
}

// CategoryStats is the per-category breakdown inside UserStats.
type CategoryStats struct {
	Count int64   `json:"count"`
	CO2   float64 `json:"co2"`
}
