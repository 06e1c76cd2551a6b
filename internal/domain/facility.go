package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	FacilityStatusActive   = "active"
	FacilityStatusInactive = "inactive"
)

// Facility is reference data for a recycling drop-off point. Settlement reads
// it for validation only.
type Facility struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Email          *string   `json:"email,omitempty"`
	Address        string    `json:"address"`
	AcceptedItems  []string  `json:"acceptedItems"`
	OperatingHours string    `json:"operatingHours"`
	ContactInfo    string    `json:"contactInfo"`
	Rating         float64   `json:"rating"`
	Status         string    `json:"status"`
	Longitude      float64   `json:"longitude"`
	Latitude       float64   `json:"latitude"`
	CreatedAt      time.Time `json:"createdAt"`
}

// IsActive reports whether the facility currently accepts visits.
func (f *Facility) IsActive() bool {
	return f != nil && f.Status == FacilityStatusActive
}
