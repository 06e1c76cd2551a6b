package domain

// Item conditions recognised by the default rate table.
const (
	ConditionGood     = "good"
	ConditionModerate = "moderate"
	ConditionPoor     = "poor"
)

// Item is one line of a visit manifest. It is immutable once the visit exists.
type Item struct {
	Name            string  `json:"name"`
	Category        string  `json:"category"`
	Condition       string  `json:"condition"`
	Weight          float64 `json:"weight"`   // kg
	Quantity        int     `json:"quantity"` // >= 1
	EstimatedPoints int64   `json:"estimatedPoints"`
}
