package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/trashtotech/rewards-service/internal/domain"
)

func confirmationBody(t *testing.T, reference, action string, facilityID uuid.UUID) []byte {
	t.Helper()
	body, err := json.Marshal(domain.ConfirmationRequest{ReferenceNumber: reference, Action: action, FacilityID: facilityID.String()})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestConfirmationConsumer_AcksBusinessOutcomes(t *testing.T) {
	repo := newMemoryRepo()
	userID := repo.addUser(0, 0)
	facilityID := repo.addFacility(domain.FacilityStatusActive)
	svc := newTestService(repo)
	visit := scheduleFor(t, svc, &userID, facilityID, laptopGood())
	consumer := NewConfirmationConsumer(svc)

	if !consumer.HandleMessage(context.Background(), confirmationBody(t, visit.ReferenceNumber, "accept", facilityID)) {
		t.Fatal("expected successful confirmation to be acked")
	}
	if got := repo.balance(userID); got.Points != 720 {
		t.Fatalf("expected points credited, got %+v", got)
	}

	cases := map[string][]byte{
		"duplicate":       confirmationBody(t, visit.ReferenceNumber, "accept", facilityID),
		"unknown visit":   confirmationBody(t, "TT-00000000", "accept", facilityID),
		"invalid action":  confirmationBody(t, visit.ReferenceNumber, "approve", facilityID),
		"wrong facility":  confirmationBody(t, visit.ReferenceNumber, "accept", uuid.New()),
		"malformed json":  []byte("{"),
		"bad facility id": []byte(`{"reference_number":"TT-00000000","action":"accept","facility_id":"nope"}`),
	}
	for name, body := range cases {
		if !consumer.HandleMessage(context.Background(), body) {
			t.Fatalf("%s: expected ack", name)
		}
	}
	if got := repo.balance(userID); got.Points != 720 {
		t.Fatalf("replayed confirmations changed the balance: %+v", got)
	}
}

func TestConfirmationConsumer_RequeuesTransactionFailure(t *testing.T) {
	repo := newMemoryRepo()
	userID := repo.addUser(0, 0)
	facilityID := repo.addFacility(domain.FacilityStatusActive)
	svc := newTestService(repo)
	visit := scheduleFor(t, svc, &userID, facilityID, laptopGood())
	consumer := NewConfirmationConsumer(svc)

	repo.failCommit = true
	if consumer.HandleMessage(context.Background(), confirmationBody(t, visit.ReferenceNumber, "accept", facilityID)) {
		t.Fatal("expected transaction failure to be requeued")
	}

	repo.failCommit = false
	if !consumer.HandleMessage(context.Background(), confirmationBody(t, visit.ReferenceNumber, "accept", facilityID)) {
		t.Fatal("expected redelivery to succeed")
	}
}
