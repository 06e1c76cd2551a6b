package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/trashtotech/rewards-service/internal/domain"
)

// Field aliases accepted from the mobile and web clients.
var (
	itemNameKeys      = []string{"name", "itemName", "item_name"}
	itemCategoryKeys  = []string{"category", "type"}
	itemConditionKeys = []string{"condition", "state"}
	itemWeightKeys    = []string{"weight", "wt"}
	itemQuantityKeys  = []string{"quantity"}
	facilityIDKeys    = []string{"facilityId", "facility_id", "facility"}
)

// requestFields is a decoded JSON object whose keys are looked up by alias.
type requestFields map[string]json.RawMessage

func decodeRequestFields(body []byte) (requestFields, error) {
	var fields requestFields
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: request body must be a JSON object", domain.ErrValidation)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: request body must be a JSON object", domain.ErrValidation)
	}
	return fields, nil
}

func (f requestFields) lookup(keys ...string) (json.RawMessage, bool) {
	for _, key := range keys {
		raw, ok := f[key]
		if !ok {
			continue
		}
		if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			continue
		}
		return raw, true
	}
	return nil, false
}

// str returns the first alias holding a string or a number, as text.
func (f requestFields) str(keys ...string) string {
	raw, ok := f.lookup(keys...)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// number accepts a JSON number or a numeric string. ok is false when no alias
// is present or the string is blank.
func (f requestFields) number(keys ...string) (value float64, ok bool, err error) {
	raw, present := f.lookup(keys...)
	if !present {
		return 0, false, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false, fmt.Errorf("%w: %s must be a number", domain.ErrValidation, keys[0])
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	n, err = strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false, fmt.Errorf("%w: %s must be a number", domain.ErrValidation, keys[0])
	}
	return n, true, nil
}

// decodeItems accepts an array of items, a single item object, or either of
// those encoded as a JSON string. Client-side point estimates are discarded.
func decodeItems(raw json.RawMessage) ([]domain.Item, error) {
	return decodeItemsValue(raw, true)
}

func decodeItemsValue(raw json.RawMessage, allowEncoded bool) ([]domain.Item, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	switch trimmed[0] {
	case '"':
		if !allowEncoded {
			break
		}
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return nil, fmt.Errorf("%w: items could not be parsed", domain.ErrValidation)
		}
		if strings.TrimSpace(encoded) == "" {
			return nil, nil
		}
		return decodeItemsValue(json.RawMessage(encoded), false)
	case '{':
		var fields requestFields
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, fmt.Errorf("%w: items could not be parsed", domain.ErrValidation)
		}
		item, err := normalizeItem(fields, 0)
		if err != nil {
			return nil, err
		}
		return []domain.Item{item}, nil
	case '[':
		var list []requestFields
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("%w: every item must be an object", domain.ErrValidation)
		}
		items := make([]domain.Item, 0, len(list))
		for i, fields := range list {
			item, err := normalizeItem(fields, i)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	}
	return nil, fmt.Errorf("%w: items must be an array of objects", domain.ErrValidation)
}

// normalizeItem only fails on structural problems. Numeric fields follow the
// estimator's coercion: an unusable quantity counts as 1 and an unusable
// weight as 0.
func normalizeItem(fields requestFields, index int) (domain.Item, error) {
	if fields == nil {
		return domain.Item{}, fmt.Errorf("%w: item %d must be an object", domain.ErrValidation, index)
	}
	item := domain.Item{
		Name:      fields.str(itemNameKeys...),
		Category:  strings.ToLower(fields.str(itemCategoryKeys...)),
		Condition: strings.ToLower(fields.str(itemConditionKeys...)),
		Quantity:  1,
	}

	if weight, ok, err := fields.number(itemWeightKeys...); err == nil && ok && weight > 0 {
		item.Weight = weight
	}

	if quantity, ok, err := fields.number(itemQuantityKeys...); err == nil && ok {
		quantity = math.Trunc(quantity)
		if quantity >= 1 && quantity <= math.MaxInt32 {
			item.Quantity = int(quantity)
		}
	}

	return item, nil
}
