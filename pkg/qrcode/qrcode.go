// Package qrcode renders visit check-in payloads as PNG data URLs that a
// facility scanner can read back into a reference number.
package qrcode

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	goqrcode "github.com/skip2/go-qrcode"
)

const (
	PayloadType   = "recycle_visit"
	dataURLPrefix = "data:image/png;base64,"
	defaultSizePx = 256
	minimumSizePx = 64
	maximumSizePx = 1024
)

// Payload is the JSON document embedded in a visit QR code.
type Payload struct {
	Type            string `json:"type"`
	ReferenceNumber string `json:"referenceNumber"`
	FacilityID      string `json:"facilityId"`
}

// Encoder renders payloads at a fixed pixel size.
type Encoder struct {
	size int
}

func NewEncoder(size int) *Encoder {
	switch {
	case size <= 0:
		size = defaultSizePx
	case size < minimumSizePx:
		size = minimumSizePx
	case size > maximumSizePx:
		size = maximumSizePx
	}
	return &Encoder{size: size}
}

// VisitDataURL encodes the check-in payload for a visit.
func (e *Encoder) VisitDataURL(referenceNumber, facilityID string) (string, error) {
	if referenceNumber == "" {
		return "", errors.New("qrcode: reference number is required")
	}
	content, err := json.Marshal(Payload{
		Type:            PayloadType,
		ReferenceNumber: referenceNumber,
		FacilityID:      facilityID,
	})
	if err != nil {
		return "", err
	}

	png, err := goqrcode.Encode(string(content), goqrcode.Medium, e.size)
	if err != nil {
		return "", fmt.Errorf("qrcode: encode: %w", err)
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}

// DecodePayload parses the JSON a scanner read from a visit QR code.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("qrcode: invalid payload: %w", err)
	}
	if p.Type != PayloadType || p.ReferenceNumber == "" {
		return Payload{}, errors.New("qrcode: not a visit payload")
	}
	return p, nil
}
