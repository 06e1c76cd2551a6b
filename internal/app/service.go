/**
 * @description
 * This file contains the core business logic for the rewards service. The `Service`
 * struct is the settlement engine: it prices manifests, schedules visits with an
 * upfront pending credit and settles them exactly once.
 *
 * Key features:
 * - Points are always recomputed server side by the estimator.
 * - Schedule, confirm, cancel and redeem each commit through a single atomic
 *   repository call, so a failure never leaves a half-applied balance.
 * - Settling a visit that is already terminal fails with ErrAlreadyProcessed and
 *   changes nothing, which makes confirm safe to retry.
 *
 * @dependencies
 * - internal/domain, internal/store: For domain models and data access.
 * - internal/points: For the points estimator.
 * - internal/metrics: For Prometheus counters.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/trashtotech/rewards-service/internal/domain"
	"github.com/trashtotech/rewards-service/internal/metrics"
	"github.com/trashtotech/rewards-service/internal/points"
	"github.com/trashtotech/rewards-service/internal/store"
)

const (
	DefaultUpfrontRate          = 0.30
	DefaultHistoryLimit         = 50
	ReferencePrefix             = "TT-"
	maxReferenceAttempts        = 5
	maxVoucherAttempts          = 5
	co2KgPerItemKg              = 10
	scheduleRateLimitScope      = "visit_schedule"
	settlementConflictProcessed = "already_processed"
	settlementConflictTx        = "transaction_failure"
)

// RateLimiter counts hits for a subject within a rolling window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// QRCodeEncoder renders the check-in code attached to a scheduled visit.
type QRCodeEncoder interface {
	VisitDataURL(referenceNumber, facilityID string) (string, error)
}

// Config holds the tunables of the settlement engine.
type Config struct {
	UpfrontRate            float64
	HistoryLimit           int
	ScheduleLimitPerMinute int
}

// RateLimitError is returned when a caller exceeds the schedule limit.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %ds", e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error { return domain.ErrRateLimited }

// Actor is the verified identity confirming a visit.
type Actor struct {
	FacilityID *uuid.UUID
	Admin      bool
}

type ScheduleRequest struct {
	UserID     *uuid.UUID
	Email      string
	ClientIP   string
	FacilityID uuid.UUID
	Items      []domain.Item
}

type ScheduleResult struct {
	Visit   *domain.Visit
	Balance *domain.Balance
}

type ConfirmRequest struct {
	ReferenceNumber string
	Action          string
	ActualItems     []domain.Item
	Actor           Actor
}

type Estimate struct {
	Items           []domain.Item `json:"items"`
	EstimatedPoints int64         `json:"estimatedPoints"`
	PendingPoints   int64         `json:"pendingPoints"`
}

type Profile struct {
	User          *domain.User `json:"user"`
	LevelProgress float64      `json:"levelProgress"`
}

// Service provides the core business logic for visits and balances.
type Service struct {
	repo      store.Repository
	estimator *points.Estimator
	limiter   RateLimiter
	qr        QRCodeEncoder
	metrics   *metrics.RewardsMetrics
	cfg       Config

	now          func() time.Time
	newReference func() (string, error)
	newVoucher   func(rewardName string) (string, error)
}

// NewService creates a new settlement engine. limiter, qr and m may be nil.
func NewService(repo store.Repository, estimator *points.Estimator, limiter RateLimiter, qr QRCodeEncoder, m *metrics.RewardsMetrics, cfg Config) *Service {
	if math.IsNaN(cfg.UpfrontRate) || cfg.UpfrontRate < 0 {
		cfg.UpfrontRate = DefaultUpfrontRate
	}
	if cfg.UpfrontRate > 1 {
		cfg.UpfrontRate = 1
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Service{
		repo:         repo,
		estimator:    estimator,
		limiter:      limiter,
		qr:           qr,
		metrics:      m,
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
		newReference: NewReferenceNumber,
		newVoucher:   NewVoucherCode,
	}
}

// Estimate prices a manifest without persisting anything.
func (s *Service) Estimate(items []domain.Item) (*Estimate, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: items are required and must be a non-empty array", domain.ErrValidation)
	}
	priced := s.estimator.Price(items)
	var total int64
	for _, item := range priced {
		total += item.EstimatedPoints
	}
	return &Estimate{
		Items:           priced,
		EstimatedPoints: total,
		PendingPoints:   domain.UpfrontPoints(total, s.cfg.UpfrontRate),
	}, nil
}

// Schedule books a drop-off, crediting the upfront share of the estimate to
// the owner's pending balance in the same transaction as the visit insert.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*ScheduleResult, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: items are required and must be a non-empty array", domain.ErrValidation)
	}
	if req.FacilityID == uuid.Nil {
		return nil, fmt.Errorf("%w: facilityId is required", domain.ErrValidation)
	}

	if err := s.checkScheduleLimit(ctx, req); err != nil {
		return nil, err
	}

	facility, err := s.repo.FindFacilityByID(ctx, req.FacilityID)
	if err != nil {
		return nil, fmt.Errorf("failed to find facility: %w", err)
	}
	if !facility.IsActive() {
		return nil, fmt.Errorf("%w: facility %s is not accepting drop-offs", domain.ErrValidation, facility.ID)
	}

	var email *string
	if trimmed := strings.TrimSpace(req.Email); trimmed != "" {
		lowered := strings.ToLower(trimmed)
		email = &lowered
	}

	visit, err := domain.NewScheduledVisit(req.UserID, email, facility.ID, s.estimator.Price(req.Items), s.cfg.UpfrontRate, s.now())
	if err != nil {
		return nil, err
	}

	var balance *domain.Balance
	for attempt := 1; ; attempt++ {
		reference, err := s.newReference()
		if err != nil {
			return nil, fmt.Errorf("failed to generate reference number: %w", err)
		}
		visit.ReferenceNumber = reference

		balance, err = s.repo.CreateVisitAtomic(ctx, visit)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrDuplicateReference) && attempt < maxReferenceAttempts {
			log.Printf("level=warn component=settlement msg=\"reference collision; regenerating\" reference=%s attempt=%d", reference, attempt)
			continue
		}
		if errors.Is(err, store.ErrDuplicateReference) {
			return nil, fmt.Errorf("%w: could not allocate a unique reference number", domain.ErrTransactionFailure)
		}
		return nil, fmt.Errorf("failed to schedule visit: %w", err)
	}

	s.metrics.VisitScheduled(visit.UserID == nil, visit.PendingPoints)
	log.Printf("level=info component=settlement msg=\"visit scheduled\" reference=%s facility_id=%s estimated=%d pending=%d guest=%t",
		visit.ReferenceNumber, visit.FacilityID, visit.EstimatedPoints, visit.PendingPoints, visit.UserID == nil)

	s.attachQRCode(ctx, visit)
	return &ScheduleResult{Visit: visit, Balance: balance}, nil
}

// attachQRCode renders and stores the check-in code. The visit is already
// committed, so failures are logged and the visit is returned without a code.
func (s *Service) attachQRCode(ctx context.Context, visit *domain.Visit) {
	if s.qr == nil {
		return
	}
	dataURL, err := s.qr.VisitDataURL(visit.ReferenceNumber, visit.FacilityID.String())
	if err != nil {
		log.Printf("level=warn component=settlement msg=\"qr code render failed\" reference=%s err=%v", visit.ReferenceNumber, err)
		return
	}
	if err := s.repo.AttachVisitQRCode(ctx, visit.ID, dataURL); err != nil {
		log.Printf("level=warn component=settlement msg=\"qr code attach failed\" reference=%s err=%v", visit.ReferenceNumber, err)
		return
	}
	visit.QRCodeDataURL = dataURL
}

func (s *Service) checkScheduleLimit(ctx context.Context, req ScheduleRequest) error {
	if s.limiter == nil || s.cfg.ScheduleLimitPerMinute <= 0 {
		return nil
	}
	subject := strings.TrimSpace(req.ClientIP)
	if req.UserID != nil {
		subject = "user:" + req.UserID.String()
	} else if subject != "" {
		subject = "ip:" + subject
	}
	if subject == "" {
		return nil
	}

	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, scheduleRateLimitScope, subject, s.cfg.ScheduleLimitPerMinute, time.Minute)
	if err != nil {
		log.Printf("level=warn component=settlement msg=\"rate limiter unavailable; allowing request\" subject=%s err=%v", subject, err)
		return nil
	}
	if count > s.cfg.ScheduleLimitPerMinute {
		s.metrics.RateLimited(scheduleRateLimitScope)
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// Confirm settles a scheduled visit on behalf of a facility or an admin.
// Accepting awards the actual points (recomputed from ActualItems when given,
// otherwise the estimate) and releases the pending credit. Rejecting only
// releases the pending credit.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (*domain.Settlement, error) {
	if req.Actor.FacilityID == nil && !req.Actor.Admin {
		return nil, fmt.Errorf("%w: a facility or admin identity is required", domain.ErrUnauthorized)
	}
	reference := normalizeReference(req.ReferenceNumber)
	if reference == "" {
		return nil, fmt.Errorf("%w: referenceNumber is required", domain.ErrValidation)
	}
	action, err := domain.ParseConfirmAction(req.Action)
	if err != nil {
		return nil, err
	}

	var actualPoints *int64
	if len(req.ActualItems) > 0 {
		total := s.estimator.EstimateAll(s.estimator.Price(req.ActualItems))
		actualPoints = &total
	}

	settlement, err := s.settle(ctx, reference, func(visit *domain.Visit) (domain.BalanceDelta, error) {
		if !req.Actor.Admin && visit.FacilityID != *req.Actor.FacilityID {
			return domain.BalanceDelta{}, fmt.Errorf("%w: visit %s belongs to another facility", domain.ErrForbidden, visit.ReferenceNumber)
		}
		final := visit.EstimatedPoints
		if actualPoints != nil {
			final = *actualPoints
		}
		return visit.Settle(action, final, s.now())
	})
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

// Cancel lets the owning user withdraw a scheduled visit. The pending credit
// is released and no points are awarded.
func (s *Service) Cancel(ctx context.Context, userID uuid.UUID, referenceNumber string) (*domain.Settlement, error) {
	reference := normalizeReference(referenceNumber)
	if reference == "" {
		return nil, fmt.Errorf("%w: referenceNumber is required", domain.ErrValidation)
	}
	return s.settle(ctx, reference, func(visit *domain.Visit) (domain.BalanceDelta, error) {
		if visit.UserID == nil || *visit.UserID != userID {
			return domain.BalanceDelta{}, fmt.Errorf("%w: visit %s is not yours to cancel", domain.ErrForbidden, visit.ReferenceNumber)
		}
		return visit.Settle(domain.ActionCancel, 0, s.now())
	})
}

func (s *Service) settle(ctx context.Context, reference string, fn store.SettleFunc) (*domain.Settlement, error) {
	settlement, err := s.repo.SettleVisitAtomic(ctx, reference, fn)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadyProcessed):
			s.metrics.SettlementConflict(settlementConflictProcessed)
			log.Printf("level=info component=settlement msg=\"visit already settled\" reference=%s", reference)
		case errors.Is(err, domain.ErrTransactionFailure):
			s.metrics.SettlementConflict(settlementConflictTx)
			log.Printf("level=error component=settlement msg=\"settlement transaction failed\" reference=%s err=%v", reference, err)
		}
		return nil, err
	}

	visit := settlement.Visit
	s.metrics.VisitSettled(string(visit.Status), visit.ActualPoints, -settlement.Delta.PendingPoints)
	log.Printf("level=info component=settlement msg=\"visit settled\" reference=%s status=%s actual=%d pending_released=%d",
		visit.ReferenceNumber, visit.Status, visit.ActualPoints, -settlement.Delta.PendingPoints)
	return settlement, nil
}

// Details returns a visit by reference number.
func (s *Service) Details(ctx context.Context, referenceNumber string) (*domain.Visit, error) {
	reference := normalizeReference(referenceNumber)
	if reference == "" {
		return nil, fmt.Errorf("%w: referenceNumber is required", domain.ErrValidation)
	}
	return s.repo.FindVisitByReference(ctx, reference)
}

// History returns the user's most recent visits, newest first.
func (s *Service) History(ctx context.Context, userID uuid.UUID) ([]domain.Visit, error) {
	return s.repo.ListVisitsByUserID(ctx, userID, s.cfg.HistoryLimit)
}

// Me returns the user's balance with progress toward the next level.
func (s *Service) Me(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.Level = domain.LevelForPoints(user.Points)
	return &Profile{User: user, LevelProgress: domain.NextLevelProgress(user.Points)}, nil
}

// Stats summarises the user's completed visits.
func (s *Service) Stats(ctx context.Context, userID uuid.UUID) (*domain.UserStats, error) {
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	visits, err := s.repo.ListCompletedVisitsByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load completed visits: %w", err)
	}

	stats := &domain.UserStats{
		TotalPoints:     user.Points,
		PendingPoints:   user.PendingPoints,
		Level:           domain.LevelForPoints(user.Points),
		ItemsByCategory: make(map[string]domain.CategoryStats),
		TotalVisits:     len(visits),
	}
	var co2 float64
	for _, visit := range visits {
		for _, item := range visit.Items {
			quantity := int64(item.Quantity)
			if quantity < 1 {
				quantity = 1
			}
			category := item.Category
			if category == "" {
				category = "other"
			}
			itemCO2 := item.Weight * co2KgPerItemKg

			stats.TotalItems += quantity
			co2 += itemCO2
			entry := stats.ItemsByCategory[category]
			entry.Count += quantity
			entry.CO2 += itemCO2
			stats.ItemsByCategory[category] = entry
		}
	}
	stats.TotalCO2Reduction = int64(math.Round(co2))
	return stats, nil
}

// Redeem spends cost points on a reward and issues a voucher code. The debit
// never takes the balance below zero.
func (s *Service) Redeem(ctx context.Context, userID uuid.UUID, rewardName string, cost int64) (*domain.Redemption, error) {
	name := strings.TrimSpace(rewardName)
	if name == "" {
		return nil, fmt.Errorf("%w: reward name is required", domain.ErrValidation)
	}
	if cost <= 0 {
		return nil, fmt.Errorf("%w: cost must be a positive number of points", domain.ErrValidation)
	}

	redemption := &domain.Redemption{
		ID:         uuid.New(),
		UserID:     userID,
		RewardName: name,
		Cost:       cost,
		CreatedAt:  s.now(),
	}
	for attempt := 1; ; attempt++ {
		code, err := s.newVoucher(name)
		if err != nil {
			return nil, fmt.Errorf("failed to generate voucher code: %w", err)
		}
		redemption.VoucherCode = code

		balance, err := s.repo.RedeemPointsAtomic(ctx, redemption)
		if err == nil {
			redemption.Balance = *balance
			break
		}
		if errors.Is(err, store.ErrDuplicateVoucher) && attempt < maxVoucherAttempts {
			continue
		}
		if errors.Is(err, store.ErrDuplicateVoucher) {
			return nil, fmt.Errorf("%w: could not allocate a unique voucher code", domain.ErrTransactionFailure)
		}
		return nil, err
	}

	s.metrics.PointsRedeemed(cost)
	log.Printf("level=info component=settlement msg=\"reward redeemed\" user_id=%s reward=%q cost=%d balance=%d", userID, name, cost, redemption.Balance.Points)
	return redemption, nil
}

// ListFacilities returns the active facility directory.
func (s *Service) ListFacilities(ctx context.Context) ([]domain.Facility, error) {
	return s.repo.ListActiveFacilities(ctx)
}

// GetFacility returns one facility by id.
func (s *Service) GetFacility(ctx context.Context, facilityID uuid.UUID) (*domain.Facility, error) {
	return s.repo.FindFacilityByID(ctx, facilityID)
}

// ReconcilePendingPoints repairs pending balances that drifted from the sum of
// their users' scheduled visits and returns how many were corrected.
func (s *Service) ReconcilePendingPoints(ctx context.Context) (int, error) {
	drifts, err := s.repo.ReconcilePendingPoints(ctx)
	for _, drift := range drifts {
		log.Printf("level=warn component=reconcile msg=\"pending balance corrected\" user_id=%s recorded=%d expected=%d",
			drift.UserID, drift.Recorded, drift.Expected)
	}
	s.metrics.PendingCorrected(len(drifts))
	if err != nil {
		return len(drifts), fmt.Errorf("failed to reconcile pending points: %w", err)
	}
	return len(drifts), nil
}

// NewReferenceNumber returns "TT-" followed by eight upper-case hex digits.
func NewReferenceNumber() (string, error) {
	suffix, err := randomHex8()
	if err != nil {
		return "", err
	}
	return ReferencePrefix + suffix, nil
}

// NewVoucherCode returns the first three letters of the reward name,
// upper-cased, a dash and eight upper-case hex digits.
func NewVoucherCode(rewardName string) (string, error) {
	suffix, err := randomHex8()
	if err != nil {
		return "", err
	}
	prefix := make([]rune, 0, 3)
	for _, r := range rewardName {
		if len(prefix) == 3 {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			prefix = append(prefix, unicode.ToUpper(r))
		}
	}
	if len(prefix) == 0 {
		prefix = []rune("RWD")
	}
	return string(prefix) + "-" + suffix, nil
}

func randomHex8() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	// The first four bytes of a v4 UUID are fully random.
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8]), nil
}

func normalizeReference(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
