/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for the visit ledger, the balance store, the facility
 * directory and the event outbox.
 *
 * @notes
 * - Every operation that moves points runs in a single transaction together
 *   with its outbox row. A failure anywhere rolls back all of it.
 * - Balance updates are atomic increments on the user row. Settlement locks the
 *   visit row with FOR UPDATE before deciding anything.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trashtotech/rewards-service/internal/domain"
)

const (
	visitColumns = `id, reference_number, user_id, email, facility_id, items, estimated_points,
		pending_points, actual_points, status, qr_code_data_url, scheduled_at, completed_at,
		created_at, updated_at`

	facilityColumns = `id, name, email, address, accepted_items, operating_hours, contact_info,
		rating, status, longitude, latitude, created_at`

	visitReferenceConstraint = "visits_reference_number_key"
	voucherCodeConstraint    = "redemptions_voucher_code_key"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db       *pgxpool.Pool
	exchange string
}

// NewPostgresRepository creates a new instance of PostgresRepository. Outbox
// rows are addressed to exchange.
func NewPostgresRepository(db *pgxpool.Pool, exchange string) *PostgresRepository {
	return &PostgresRepository{db: db, exchange: strings.TrimSpace(exchange)}
}

// FindFacilityByID retrieves a facility regardless of its status.
func (r *PostgresRepository) FindFacilityByID(ctx context.Context, facilityID uuid.UUID) (*domain.Facility, error) {
	row := r.db.QueryRow(ctx, `SELECT `+facilityColumns+` FROM facilities WHERE id = $1`, facilityID)
	facility, err := scanFacility(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFacilityNotFound
		}
		return nil, err
	}
	return facility, nil
}

// ListActiveFacilities returns the facilities that accept drop-offs, best rated first.
func (r *PostgresRepository) ListActiveFacilities(ctx context.Context) ([]domain.Facility, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+facilityColumns+`
		FROM facilities
		WHERE status = 'active'
		ORDER BY rating DESC, name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	facilities := make([]domain.Facility, 0)
	for rows.Next() {
		facility, err := scanFacility(rows)
		if err != nil {
			return nil, err
		}
		facilities = append(facilities, *facility)
	}
	return facilities, rows.Err()
}

// FindUserByID retrieves a user's profile and balance.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var (
		user  domain.User
		level string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, username, email, points, pending_points, level, joined_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.Username, &user.Email, &user.Points, &user.PendingPoints, &level, &user.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	user.Level = domain.Level(level)
	return &user, nil
}

// FindVisitByReference retrieves a visit by its public reference number.
func (r *PostgresRepository) FindVisitByReference(ctx context.Context, referenceNumber string) (*domain.Visit, error) {
	row := r.db.QueryRow(ctx, `SELECT `+visitColumns+` FROM visits WHERE reference_number = $1`, referenceNumber)
	visit, err := scanVisit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVisitNotFound
		}
		return nil, err
	}
	return visit, nil
}

// ListVisitsByUserID returns a user's most recent visits, newest first.
func (r *PostgresRepository) ListVisitsByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Visit, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryVisits(ctx, `
		SELECT `+visitColumns+`
		FROM visits
		WHERE user_id = $1
		ORDER BY scheduled_at DESC
		LIMIT $2
	`, userID, limit)
}

// ListCompletedVisitsByUserID returns every completed visit a user owns.
func (r *PostgresRepository) ListCompletedVisitsByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Visit, error) {
	return r.queryVisits(ctx, `
		SELECT `+visitColumns+`
		FROM visits
		WHERE user_id = $1 AND status = 'completed'
		ORDER BY completed_at DESC
	`, userID)
}

func (r *PostgresRepository) queryVisits(ctx context.Context, query string, args ...interface{}) ([]domain.Visit, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	visits := make([]domain.Visit, 0)
	for rows.Next() {
		visit, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		visits = append(visits, *visit)
	}
	return visits, rows.Err()
}

// AttachVisitQRCode stores the rendered QR code. It never touches point fields.
func (r *PostgresRepository) AttachVisitQRCode(ctx context.Context, visitID uuid.UUID, dataURL string) error {
	tag, err := r.db.Exec(ctx, `UPDATE visits SET qr_code_data_url = $2 WHERE id = $1`, visitID, dataURL)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVisitNotFound
	}
	return nil
}

// CreateVisitAtomic inserts the visit, credits pending points and enqueues the
// scheduled event in one transaction.
func (r *PostgresRepository) CreateVisitAtomic(ctx context.Context, visit *domain.Visit) (*domain.Balance, error) {
	items, err := json.Marshal(visit.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode visit items: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, transactionFailure("begin schedule", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO visits (
			id, reference_number, user_id, email, facility_id, items, estimated_points,
			pending_points, actual_points, status, qr_code_data_url, scheduled_at,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, 0, 'scheduled', '', $9, $10, $11)
	`,
		visit.ID,
		visit.ReferenceNumber,
		visit.UserID,
		visit.Email,
		visit.FacilityID,
		string(items),
		visit.EstimatedPoints,
		visit.PendingPoints,
		visit.ScheduledAt,
		visit.CreatedAt,
		visit.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, visitReferenceConstraint) {
			return nil, ErrDuplicateReference
		}
		return nil, classifyTxError("insert visit", err)
	}

	var balance *domain.Balance
	if visit.UserID != nil {
		balance, err = applyBalanceDeltaTx(ctx, tx, *visit.UserID, domain.BalanceDelta{PendingPoints: visit.PendingPoints})
		if err != nil {
			return nil, err
		}
	}

	if err := enqueueEventTx(ctx, tx, r.exchange, domain.NewVisitEvent(visit, balance, visit.CreatedAt)); err != nil {
		return nil, classifyTxError("enqueue scheduled event", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, transactionFailure("commit schedule", err)
	}
	return balance, nil
}

// SettleVisitAtomic locks the visit, applies fn's decision and writes the visit,
// the balance delta and the settlement event in one transaction.
func (r *PostgresRepository) SettleVisitAtomic(ctx context.Context, referenceNumber string, fn SettleFunc) (*domain.Settlement, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, transactionFailure("begin settlement", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+visitColumns+` FROM visits WHERE reference_number = $1 FOR UPDATE`, referenceNumber)
	visit, err := scanVisit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVisitNotFound
		}
		return nil, classifyTxError("lock visit", err)
	}

	delta, err := fn(visit)
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE visits
		SET status = $2,
			actual_points = $3,
			completed_at = $4,
			updated_at = $5
		WHERE id = $1 AND status = 'scheduled'
	`, visit.ID, string(visit.Status), visit.ActualPoints, visit.CompletedAt, visit.UpdatedAt)
	if err != nil {
		return nil, classifyTxError("update visit", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrVisitSettled
	}

	settlement := &domain.Settlement{Visit: visit, Delta: delta}
	if visit.UserID != nil {
		balance, err := applyBalanceDeltaTx(ctx, tx, *visit.UserID, delta)
		switch {
		case errors.Is(err, ErrUserNotFound):
			log.Printf("level=warn component=store msg=\"visit owner missing during settlement\" reference=%s user_id=%s", visit.ReferenceNumber, visit.UserID)
		case err != nil:
			return nil, err
		default:
			settlement.Balance = balance
		}
	}

	if err := enqueueEventTx(ctx, tx, r.exchange, domain.NewVisitEvent(visit, settlement.Balance, visit.UpdatedAt)); err != nil {
		return nil, classifyTxError("enqueue settlement event", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, transactionFailure("commit settlement", err)
	}
	return settlement, nil
}

// RedeemPointsAtomic debits the reward cost, records the redemption and
// enqueues the redeemed event in one transaction.
func (r *PostgresRepository) RedeemPointsAtomic(ctx context.Context, redemption *domain.Redemption) (*domain.Balance, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, transactionFailure("begin redemption", err)
	}
	defer tx.Rollback(ctx)

	balance := domain.Balance{UserID: redemption.UserID}
	err = tx.QueryRow(ctx, `
		UPDATE users
		SET points = points - $2,
			updated_at = NOW()
		WHERE id = $1 AND points >= $2
		RETURNING points, pending_points
	`, redemption.UserID, redemption.Cost).Scan(&balance.Points, &balance.PendingPoints)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, classifyTxError("debit points", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, redemption.UserID).Scan(&exists); err != nil {
			return nil, classifyTxError("check user", err)
		}
		if !exists {
			return nil, ErrUserNotFound
		}
		return nil, ErrInsufficientPoints
	}
	balance.Level = domain.LevelForPoints(balance.Points)
	if err := syncLevelTx(ctx, tx, redemption.UserID, balance.Level); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO redemptions (id, user_id, reward_name, cost, voucher_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, redemption.ID, redemption.UserID, redemption.RewardName, redemption.Cost, redemption.VoucherCode, redemption.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, voucherCodeConstraint) {
			return nil, ErrDuplicateVoucher
		}
		return nil, classifyTxError("insert redemption", err)
	}

	event := domain.OutboxEvent{
		RoutingKey: domain.RoutingKeyRewardsRedeemed,
		Payload: domain.RedemptionEvent{
			RedemptionID: redemption.ID,
			UserID:       redemption.UserID,
			RewardName:   redemption.RewardName,
			Cost:         redemption.Cost,
			BalanceAfter: balance.Points,
			OccurredAt:   redemption.CreatedAt.UTC(),
		},
	}
	if err := enqueueEventTx(ctx, tx, r.exchange, event); err != nil {
		return nil, classifyTxError("enqueue redemption event", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, transactionFailure("commit redemption", err)
	}
	return &balance, nil
}

// ReconcilePendingPoints resets every user's pending balance to the sum of
// the upfront credit held by their scheduled visits. Each user is corrected
// in its own transaction while holding the user row lock, so it serialises
// with schedule and settlement writes for that user.
func (r *PostgresRepository) ReconcilePendingPoints(ctx context.Context) ([]PendingDrift, error) {
	rows, err := r.db.Query(ctx, `
		SELECT u.id
		FROM users u
		LEFT JOIN visits v ON v.user_id = u.id AND v.status = 'scheduled'
		GROUP BY u.id, u.pending_points
		HAVING u.pending_points <> COALESCE(SUM(v.pending_points), 0)
	`)
	if err != nil {
		return nil, err
	}
	candidates := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	drifts := make([]PendingDrift, 0, len(candidates))
	for _, userID := range candidates {
		drift, err := r.reconcileUser(ctx, userID)
		if err != nil {
			return drifts, fmt.Errorf("reconcile user %s: %w", userID, err)
		}
		if drift != nil {
			drifts = append(drifts, *drift)
		}
	}
	return drifts, nil
}

func (r *PostgresRepository) reconcileUser(ctx context.Context, userID uuid.UUID) (*PendingDrift, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, transactionFailure("begin reconcile", err)
	}
	defer tx.Rollback(ctx)

	var recorded int64
	err = tx.QueryRow(ctx, `SELECT pending_points FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&recorded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classifyTxError("lock user", err)
	}

	var expected int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(pending_points), 0)
		FROM visits
		WHERE user_id = $1 AND status = 'scheduled'
	`, userID).Scan(&expected)
	if err != nil {
		return nil, classifyTxError("sum pending", err)
	}
	if recorded == expected {
		return nil, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET pending_points = $2, updated_at = NOW() WHERE id = $1`, userID, expected); err != nil {
		return nil, classifyTxError("correct pending", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, transactionFailure("commit reconcile", err)
	}
	return &PendingDrift{UserID: userID, Recorded: recorded, Expected: expected}, nil
}

// ClaimOutboxMessages marks up to limit due rows as processing and returns them.
// Rows stuck in processing longer than staleAfterSeconds are reclaimed.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	rows, err := r.db.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

// applyBalanceDeltaTx adds delta to the user's balance, clamping both fields at
// zero, and keeps the stored level in step with the new points.
func applyBalanceDeltaTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, delta domain.BalanceDelta) (*domain.Balance, error) {
	balance := domain.Balance{UserID: userID}
	err := tx.QueryRow(ctx, `
		UPDATE users
		SET points = GREATEST(points + $2, 0),
			pending_points = GREATEST(pending_points + $3, 0),
			updated_at = NOW()
		WHERE id = $1
		RETURNING points, pending_points
	`, userID, delta.Points, delta.PendingPoints).Scan(&balance.Points, &balance.PendingPoints)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, classifyTxError("apply balance delta", err)
	}

	balance.Level = domain.LevelForPoints(balance.Points)
	if err := syncLevelTx(ctx, tx, userID, balance.Level); err != nil {
		return nil, err
	}
	return &balance, nil
}

func syncLevelTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, level domain.Level) error {
	if _, err := tx.Exec(ctx, `UPDATE users SET level = $2 WHERE id = $1 AND level <> $2`, userID, string(level)); err != nil {
		return classifyTxError("update level", err)
	}
	return nil
}

func enqueueEventTx(ctx context.Context, tx pgx.Tx, exchange string, event domain.OutboxEvent) error {
	blob, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, exchange, strings.TrimSpace(event.RoutingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

func scanVisit(row pgx.Row) (*domain.Visit, error) {
	var (
		visit  domain.Visit
		items  []byte
		status string
	)
	err := row.Scan(
		&visit.ID,
		&visit.ReferenceNumber,
		&visit.UserID,
		&visit.Email,
		&visit.FacilityID,
		&items,
		&visit.EstimatedPoints,
		&visit.PendingPoints,
		&visit.ActualPoints,
		&status,
		&visit.QRCodeDataURL,
		&visit.ScheduledAt,
		&visit.CompletedAt,
		&visit.CreatedAt,
		&visit.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	visit.Status = domain.VisitStatus(status)
	visit.Items = make([]domain.Item, 0)
	if len(items) > 0 {
		if err := json.Unmarshal(items, &visit.Items); err != nil {
			return nil, fmt.Errorf("failed to decode items of visit %s: %w", visit.ReferenceNumber, err)
		}
	}
	return &visit, nil
}

func scanFacility(row pgx.Row) (*domain.Facility, error) {
	var facility domain.Facility
	err := row.Scan(
		&facility.ID,
		&facility.Name,
		&facility.Email,
		&facility.Address,
		&facility.AcceptedItems,
		&facility.OperatingHours,
		&facility.ContactInfo,
		&facility.Rating,
		&facility.Status,
		&facility.Longitude,
		&facility.Latitude,
		&facility.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if facility.AcceptedItems == nil {
		facility.AcceptedItems = []string{}
	}
	return &facility, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// isRetryableTxError reports errors after which the whole transaction may be
// retried: serialization failures, deadlocks and failures to reach the server.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

func classifyTxError(op string, err error) error {
	if isRetryableTxError(err) {
		return transactionFailure(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func transactionFailure(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrTransactionFailure, err)
}
