package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/trashtotech/rewards-service/internal/domain"
)

const confirmationTimeout = 15 * time.Second

// ConfirmationConsumer applies confirmation requests published by facility
// scanners. Business outcomes are acknowledged; only failures worth retrying
// are handed back to the broker.
type ConfirmationConsumer struct {
	service *Service
}

func NewConfirmationConsumer(service *Service) *ConfirmationConsumer {
	return &ConfirmationConsumer{service: service}
}

// HandleMessage returns true to ack and false to requeue.
func (c *ConfirmationConsumer) HandleMessage(ctx context.Context, body []byte) bool {
	var request domain.ConfirmationRequest
	if err := json.Unmarshal(body, &request); err != nil {
		log.Printf("level=warn component=confirmation_consumer msg=\"invalid payload; dropping\" err=%v", err)
		return true
	}

	facilityID, err := uuid.Parse(strings.TrimSpace(request.FacilityID))
	if err != nil {
		log.Printf("level=warn component=confirmation_consumer msg=\"invalid facility id; dropping\" reference=%s facility_id=%q", request.ReferenceNumber, request.FacilityID)
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, confirmationTimeout)
	defer cancel()

	_, err = c.service.Confirm(ctx, ConfirmRequest{
		ReferenceNumber: request.ReferenceNumber,
		Action:          request.Action,
		ActualItems:     request.ActualItems,
		Actor:           Actor{FacilityID: &facilityID},
	})
	return c.ack(request, err)
}

func (c *ConfirmationConsumer) ack(request domain.ConfirmationRequest, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrAlreadyProcessed):
		log.Printf("level=info component=confirmation_consumer msg=\"duplicate confirmation acknowledged\" reference=%s", request.ReferenceNumber)
		return true
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrForbidden),
		errors.Is(err, domain.ErrUnauthorized):
		log.Printf("level=warn component=confirmation_consumer msg=\"confirmation rejected; dropping\" reference=%s err=%v", request.ReferenceNumber, err)
		return true
	default:
		log.Printf("level=error component=confirmation_consumer msg=\"confirmation failed; requeueing\" reference=%s err=%v", request.ReferenceNumber, err)
		return false
	}
}
