package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trashtotech/rewards-service/internal/domain"
	"github.com/trashtotech/rewards-service/internal/store"
)

// memoryRepo is an in-memory store.Repository. Every atomic method holds the
// mutex for its whole duration and only publishes its writes once nothing
// can fail, mirroring a committed transaction.
type memoryRepo struct {
	mu sync.Mutex

	users       map[uuid.UUID]*domain.User
	facilities  map[uuid.UUID]*domain.Facility
	visits      map[string]*domain.Visit
	redemptions []domain.Redemption
	outbox      []store.OutboxMessage
	nextOutbox  int64
	published   map[int64]bool
	failedRetry map[int64]int

	failCommit      bool
	duplicateRefs   int
	failQRAttach    bool
	createAttempts  int
	settleCallCount int
}

var _ store.Repository = (*memoryRepo)(nil)

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		users:       make(map[uuid.UUID]*domain.User),
		facilities:  make(map[uuid.UUID]*domain.Facility),
		visits:      make(map[string]*domain.Visit),
		published:   make(map[int64]bool),
		failedRetry: make(map[int64]int),
	}
}

func (r *memoryRepo) addUser(points, pending int64) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.users[id] = &domain.User{
		ID:            id,
		Username:      "recycler",
		Email:         fmt.Sprintf("%s@example.com", id.String()[:8]),
		Points:        points,
		PendingPoints: pending,
		Level:         domain.LevelForPoints(points),
		JoinedAt:      time.Now(),
	}
	return id
}

func (r *memoryRepo) addFacility(status string) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.facilities[id] = &domain.Facility{
		ID:            id,
		Name:          "Green Drop " + id.String()[:4],
		AcceptedItems: []string{"laptop", "smartphone"},
		Status:        status,
		Rating:        4.5,
	}
	return id
}

func (r *memoryRepo) balance(userID uuid.UUID) domain.Balance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userID].Balance()
}

func (r *memoryRepo) visit(reference string) domain.Visit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *cloneVisit(r.visits[reference])
}

func (r *memoryRepo) routingKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.outbox))
	for _, msg := range r.outbox {
		keys = append(keys, msg.RoutingKey)
	}
	return keys
}

func cloneVisit(v *domain.Visit) *domain.Visit {
	if v == nil {
		return nil
	}
	c := *v
	c.Items = append([]domain.Item(nil), v.Items...)
	if v.CompletedAt != nil {
		t := *v.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (r *memoryRepo) enqueueLocked(event domain.OutboxEvent) {
	blob, _ := json.Marshal(event.Payload)
	r.nextOutbox++
	r.outbox = append(r.outbox, store.OutboxMessage{
		ID:         r.nextOutbox,
		Exchange:   "rewards.events",
		RoutingKey: event.RoutingKey,
		Payload:    blob,
	})
}

func (r *memoryRepo) FindFacilityByID(ctx context.Context, facilityID uuid.UUID) (*domain.Facility, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.facilities[facilityID]
	if !ok {
		return nil, store.ErrFacilityNotFound
	}
	c := *f
	return &c, nil
}

func (r *memoryRepo) ListActiveFacilities(ctx context.Context) ([]domain.Facility, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Facility, 0)
	for _, f := range r.facilities {
		if f.IsActive() {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memoryRepo) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (r *memoryRepo) RedeemPointsAtomic(ctx context.Context, redemption *domain.Redemption) (*domain.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[redemption.UserID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	if u.Points < redemption.Cost {
		return nil, store.ErrInsufficientPoints
	}
	for _, existing := range r.redemptions {
		if existing.VoucherCode == redemption.VoucherCode {
			return nil, store.ErrDuplicateVoucher
		}
	}
	if r.failCommit {
		return nil, fmt.Errorf("commit redemption: %w", domain.ErrTransactionFailure)
	}
	balance := u.Balance().Apply(domain.BalanceDelta{Points: -redemption.Cost})
	u.Points, u.PendingPoints, u.Level = balance.Points, balance.PendingPoints, balance.Level
	r.redemptions = append(r.redemptions, *redemption)
	r.enqueueLocked(domain.OutboxEvent{RoutingKey: domain.RoutingKeyRewardsRedeemed, Payload: domain.RedemptionEvent{RedemptionID: redemption.ID}})
	return &balance, nil
}

func (r *memoryRepo) ReconcilePendingPoints(ctx context.Context) ([]store.PendingDrift, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expected := make(map[uuid.UUID]int64)
	for _, v := range r.visits {
		if v.UserID != nil && v.Status == domain.VisitStatusScheduled {
			expected[*v.UserID] += v.PendingPoints
		}
	}
	drifts := make([]store.PendingDrift, 0)
	for id, u := range r.users {
		if u.PendingPoints != expected[id] {
			drifts = append(drifts, store.PendingDrift{UserID: id, Recorded: u.PendingPoints, Expected: expected[id]})
			u.PendingPoints = expected[id]
		}
	}
	return drifts, nil
}

func (r *memoryRepo) FindVisitByReference(ctx context.Context, referenceNumber string) (*domain.Visit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visits[referenceNumber]
	if !ok {
		return nil, store.ErrVisitNotFound
	}
	return cloneVisit(v), nil
}

func (r *memoryRepo) ListVisitsByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Visit, error) {
	return r.listVisits(userID, false, limit), nil
}

func (r *memoryRepo) ListCompletedVisitsByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Visit, error) {
	return r.listVisits(userID, true, 0), nil
}

func (r *memoryRepo) listVisits(userID uuid.UUID, completedOnly bool, limit int) []domain.Visit {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Visit, 0)
	for _, v := range r.visits {
		if v.UserID == nil || *v.UserID != userID {
			continue
		}
		if completedOnly && v.Status != domain.VisitStatusCompleted {
			continue
		}
		out = append(out, *cloneVisit(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *memoryRepo) AttachVisitQRCode(ctx context.Context, visitID uuid.UUID, dataURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failQRAttach {
		return fmt.Errorf("qr column unavailable")
	}
	for _, v := range r.visits {
		if v.ID == visitID {
			v.QRCodeDataURL = dataURL
			return nil
		}
	}
	return store.ErrVisitNotFound
}

func (r *memoryRepo) CreateVisitAtomic(ctx context.Context, visit *domain.Visit) (*domain.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createAttempts++
	if r.duplicateRefs > 0 {
		r.duplicateRefs--
		return nil, store.ErrDuplicateReference
	}
	if _, exists := r.visits[visit.ReferenceNumber]; exists {
		return nil, store.ErrDuplicateReference
	}

	var balance *domain.Balance
	if visit.UserID != nil {
		u, ok := r.users[*visit.UserID]
		if !ok {
			return nil, store.ErrUserNotFound
		}
		next := u.Balance().Apply(domain.BalanceDelta{PendingPoints: visit.PendingPoints})
		balance = &next
	}
	if r.failCommit {
		return nil, fmt.Errorf("commit schedule: %w", domain.ErrTransactionFailure)
	}

	r.visits[visit.ReferenceNumber] = cloneVisit(visit)
	if balance != nil {
		u := r.users[*visit.UserID]
		u.Points, u.PendingPoints, u.Level = balance.Points, balance.PendingPoints, balance.Level
	}
	r.enqueueLocked(domain.NewVisitEvent(visit, balance, visit.CreatedAt))
	return balance, nil
}

func (r *memoryRepo) SettleVisitAtomic(ctx context.Context, referenceNumber string, fn store.SettleFunc) (*domain.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settleCallCount++
	stored, ok := r.visits[referenceNumber]
	if !ok {
		return nil, store.ErrVisitNotFound
	}

	working := cloneVisit(stored)
	delta, err := fn(working)
	if err != nil {
		return nil, err
	}
	if stored.Status != domain.VisitStatusScheduled {
		return nil, store.ErrVisitSettled
	}

	settlement := &domain.Settlement{Visit: working, Delta: delta}
	if working.UserID != nil {
		if u, ok := r.users[*working.UserID]; ok {
			next := u.Balance().Apply(delta)
			settlement.Balance = &next
		}
	}
	if r.failCommit {
		return nil, fmt.Errorf("commit settlement: %w", domain.ErrTransactionFailure)
	}

	r.visits[referenceNumber] = cloneVisit(working)
	if settlement.Balance != nil {
		u := r.users[*working.UserID]
		u.Points, u.PendingPoints, u.Level = settlement.Balance.Points, settlement.Balance.PendingPoints, settlement.Balance.Level
	}
	r.enqueueLocked(domain.NewVisitEvent(working, settlement.Balance, working.UpdatedAt))
	return settlement, nil
}

func (r *memoryRepo) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.OutboxMessage, 0)
	for i := range r.outbox {
		msg := &r.outbox[i]
		if r.published[msg.ID] {
			continue
		}
		msg.Attempts++
		out = append(out, *msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepo) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published[id] = true
	return nil
}

func (r *memoryRepo) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedRetry[id] = retryAfterSeconds
	return nil
}
