package points

import (
	"fmt"
	"math"
	"strings"

	"github.com/BurntSushi/toml"
)

// RateTable is the pricing configuration handed to the Estimator. It is a
// value: callers get their own copy and tests substitute fixtures freely.
type RateTable struct {
	// Categories maps a normalised category key to base points per unit.
	Categories map[string]int64 `toml:"categories"`
	// Conditions maps a condition to its multiplier.
	Conditions map[string]float64 `toml:"conditions"`
	// FallbackCategory prices categories missing from Categories.
	FallbackCategory string `toml:"fallback_category"`
	// DefaultCondition is assumed when an item carries no condition.
	DefaultCondition string `toml:"default_condition"`
	// UnknownConditionMultiplier applies to conditions missing from Conditions.
	UnknownConditionMultiplier float64 `toml:"unknown_condition_multiplier"`
}

// DefaultRateTable returns the product rate table.
func DefaultRateTable() RateTable {
	return RateTable{
		Categories: map[string]int64{
			// high value
			"laptop":     600,
			"smartphone": 250,
			"tablet":     300,
			"smartwatch": 150,
			"camera":     200,
			"drone":      400,
			// medium value
			"desktop":   500,
			"monitor":   200,
			"console":   250,
			"printer":   150,
			"scanner":   150,
			"projector": 200,
			"router":    100,
			"server":    800,
			// appliances
			"fridge":          800,
			"ac_unit":         900,
			"washing_machine": 600,
			"microwave":       300,
			"television":      250,
			// accessories
			"hdd_ssd":    80,
			"ram":        40,
			"gpu":        150,
			"power_bank": 100,
			"keyboard":   30,
			"mouse":      20,
			"headphones": 40,
			"charger":    15,
			"cable":      10,
			"battery":    10,

			"other": 20,
		},
		Conditions: map[string]float64{
			"good":     1.2,
			"moderate": 1.0,
			"poor":     0.8,
		},
		FallbackCategory:           "other",
		DefaultCondition:           "poor",
		UnknownConditionMultiplier: 1.0,
	}
}

// LoadRateTable decodes a TOML rate table. Keys are normalised the same way
// item fields are, so "Washing Machine" and "washing_machine" are equivalent.
//
//	fallback_category = "other"
//	default_condition = "poor"
//	unknown_condition_multiplier = 1.0
//
//	[categories]
//	laptop = 600
//	other = 20
//
//	[conditions]
//	good = 1.2
func LoadRateTable(path string) (RateTable, error) {
	var table RateTable
	meta, err := toml.DecodeFile(path, &table)
	if err != nil {
		return RateTable{}, fmt.Errorf("decode rate table %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return RateTable{}, fmt.Errorf("rate table %s has unknown keys: %v", path, undecoded)
	}
	if !meta.IsDefined("unknown_condition_multiplier") {
		table.UnknownConditionMultiplier = 1.0
	}
	table = table.normalized()
	if err := table.Validate(); err != nil {
		return RateTable{}, fmt.Errorf("rate table %s: %w", path, err)
	}
	return table, nil
}

// Validate checks that every rate is usable by the estimator.
func (t RateTable) Validate() error {
	if len(t.Categories) == 0 {
		return fmt.Errorf("no categories defined")
	}
	if _, ok := t.Categories[t.FallbackCategory]; !ok {
		return fmt.Errorf("fallback category %q has no rate", t.FallbackCategory)
	}
	for key, base := range t.Categories {
		if base < 0 {
			return fmt.Errorf("category %q has negative rate %d", key, base)
		}
	}
	for key, mult := range t.Conditions {
		if !usableMultiplier(mult) {
			return fmt.Errorf("condition %q has invalid multiplier %v", key, mult)
		}
	}
	if !usableMultiplier(t.UnknownConditionMultiplier) {
		return fmt.Errorf("invalid unknown condition multiplier %v", t.UnknownConditionMultiplier)
	}
	return nil
}

func usableMultiplier(m float64) bool {
	return !math.IsNaN(m) && !math.IsInf(m, 0) && m >= 0
}

func (t RateTable) normalized() RateTable {
	out := RateTable{
		Categories:                 make(map[string]int64, len(t.Categories)),
		Conditions:                 make(map[string]float64, len(t.Conditions)),
		FallbackCategory:           NormalizeCategory(t.FallbackCategory),
		DefaultCondition:           normalizeCondition(t.DefaultCondition),
		UnknownConditionMultiplier: t.UnknownConditionMultiplier,
	}
	for key, base := range t.Categories {
		out.Categories[NormalizeCategory(key)] = base
	}
	for key, mult := range t.Conditions {
		out.Conditions[normalizeCondition(key)] = mult
	}
	if out.FallbackCategory == "" {
		out.FallbackCategory = "other"
	}
	return out
}

func (t RateTable) clone() RateTable {
	return t.normalized()
}

// NormalizeCategory lower-cases a category and joins words with underscores:
// " Desktop  PC " becomes "desktop_pc".
func NormalizeCategory(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), "_")
}

func normalizeCondition(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
