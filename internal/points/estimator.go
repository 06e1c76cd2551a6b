// Package points converts item manifests into point values. The estimator is
// pure: the same manifest always prices the same, and malformed fields are
// coerced rather than rejected. Server-side totals always come from here;
// totals submitted by clients are never trusted.
package points

import (
	"fmt"
	"math"

	"github.com/trashtotech/rewards-service/internal/domain"
)

// maxItemPoints bounds a single line so float64 arithmetic stays exact.
const maxItemPoints = 1 << 52

// Estimator prices items against an injected RateTable.
type Estimator struct {
	table RateTable
}

// NewEstimator validates table and returns an estimator bound to a private copy.
func NewEstimator(table RateTable) (*Estimator, error) {
	normalized := table.normalized()
	if err := normalized.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate table: %w", err)
	}
	return &Estimator{table: normalized}, nil
}

// MustNewEstimator is NewEstimator for tables known to be valid.
func MustNewEstimator(table RateTable) *Estimator {
	e, err := NewEstimator(table)
	if err != nil {
		panic(err)
	}
	return e
}

// Table returns a copy of the rate table in use.
func (e *Estimator) Table() RateTable {
	return e.table.clone()
}

// Estimate prices one item: base(category) x multiplier(condition) x quantity,
// rounded half-up. The result is never negative.
func (e *Estimator) Estimate(item domain.Item) int64 {
	base := e.baseRate(item.Category)
	mult := e.multiplier(item.Condition)
	qty := normalizeQuantity(item.Quantity)

	raw := float64(base) * mult * float64(qty)
	if math.IsNaN(raw) || raw <= 0 {
		return 0
	}
	if raw >= maxItemPoints {
		return maxItemPoints
	}
	return int64(math.Floor(raw + 0.5))
}

// EstimateAll is the sum of Estimate over items.
func (e *Estimator) EstimateAll(items []domain.Item) int64 {
	var total int64
	for _, item := range items {
		total += e.Estimate(item)
	}
	return total
}

// Price returns a normalised copy of items with EstimatedPoints filled in.
// Whatever EstimatedPoints the caller supplied is overwritten.
func (e *Estimator) Price(items []domain.Item) []domain.Item {
	priced := make([]domain.Item, 0, len(items))
	for _, item := range items {
		item.Category = NormalizeCategory(item.Category)
		if item.Category == "" {
			item.Category = e.table.FallbackCategory
		}
		item.Condition = normalizeCondition(item.Condition)
		if item.Condition == "" {
			item.Condition = e.table.DefaultCondition
		}
		item.Quantity = normalizeQuantity(item.Quantity)
		if math.IsNaN(item.Weight) || math.IsInf(item.Weight, 0) || item.Weight < 0 {
			item.Weight = 0
		}
		item.EstimatedPoints = e.Estimate(item)
		priced = append(priced, item)
	}
	return priced
}

// KnownCategory reports whether category has its own rate rather than the fallback.
func (e *Estimator) KnownCategory(category string) bool {
	_, ok := e.table.Categories[NormalizeCategory(category)]
	return ok
}

func (e *Estimator) baseRate(category string) int64 {
	if base, ok := e.table.Categories[NormalizeCategory(category)]; ok {
		return base
	}
	return e.table.Categories[e.table.FallbackCategory]
}

func (e *Estimator) multiplier(condition string) float64 {
	key := normalizeCondition(condition)
	if key == "" {
		key = e.table.DefaultCondition
	}
	if mult, ok := e.table.Conditions[key]; ok {
		return mult
	}
	return e.table.UnknownConditionMultiplier
}

func normalizeQuantity(qty int) int {
	if qty < 1 {
		return 1
	}
	return qty
}
