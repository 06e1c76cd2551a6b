/**
 * @description
 * This file contains the HTTP handlers for the rewards-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the settlement engine.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain: For service logic, models, and the error taxonomy.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/trashtotech/rewards-service/internal/app"
	"github.com/trashtotech/rewards-service/internal/domain"
)

const maxRequestBodyBytes = 1 << 20

// RewardsHandlers holds the application service that handlers will use.
type RewardsHandlers struct {
	service *app.Service
}

// NewRewardsHandlers creates a new instance of RewardsHandlers.
func NewRewardsHandlers(service *app.Service) *RewardsHandlers {
	return &RewardsHandlers{service: service}
}

// visitView is the client-facing shape of a visit. Owner identifiers and the
// guest email stay server-side.
type visitView struct {
	ReferenceNumber string             `json:"referenceNumber"`
	FacilityID      string             `json:"facilityId"`
	Items           []domain.Item      `json:"items"`
	EstimatedPoints int64              `json:"estimatedPoints"`
	PendingPoints   int64              `json:"pendingPoints"`
	ActualPoints    int64              `json:"actualPoints"`
	Status          domain.VisitStatus `json:"status"`
	QRDataURL       string             `json:"qrDataUrl,omitempty"`
	ScheduledAt     time.Time          `json:"scheduledAt"`
	CompletedAt     *time.Time         `json:"completedAt,omitempty"`
}

func newVisitView(v *domain.Visit) visitView {
	return visitView{
		ReferenceNumber: v.ReferenceNumber,
		FacilityID:      v.FacilityID.String(),
		Items:           v.Items,
		EstimatedPoints: v.EstimatedPoints,
		PendingPoints:   v.PendingPoints,
		ActualPoints:    v.ActualPoints,
		Status:          v.Status,
		QRDataURL:       v.QRCodeDataURL,
		ScheduledAt:     v.ScheduledAt,
		CompletedAt:     v.CompletedAt,
	}
}

type scheduleResponse struct {
	ReferenceNumber string          `json:"referenceNumber"`
	EstimatedPoints int64           `json:"estimatedPoints"`
	PendingPoints   int64           `json:"pendingPoints"`
	QRDataURL       string          `json:"qrDataUrl,omitempty"`
	Visit           visitView       `json:"visit"`
	Balance         *domain.Balance `json:"balance,omitempty"`
}

type settlementResponse struct {
	Visit           visitView       `json:"visit"`
	AwardedPoints   int64           `json:"awardedPoints"`
	ReleasedPending int64           `json:"releasedPendingPoints"`
	Balance         *domain.Balance `json:"balance,omitempty"`
}

func newSettlementResponse(s *domain.Settlement) settlementResponse {
	return settlementResponse{
		Visit:           newVisitView(s.Visit),
		AwardedPoints:   s.Delta.Points,
		ReleasedPending: -s.Delta.PendingPoints,
		Balance:         s.Balance,
	}
}

// EstimateHandler previews the points for a manifest without persisting it.
func (h *RewardsHandlers) EstimateHandler(w http.ResponseWriter, r *http.Request) {
	fields, ok := h.readFields(w, r, "estimate")
	if !ok {
		return
	}
	items, err := itemsFromFields(fields)
	if err != nil {
		h.writeServiceError(w, "estimate", err)
		return
	}
	estimate, err := h.service.Estimate(items)
	if err != nil {
		h.writeServiceError(w, "estimate", err)
		return
	}
	h.writeJSON(w, http.StatusOK, estimate)
}

// ScheduleVisitHandler books a drop-off for an authenticated user or a guest.
func (h *RewardsHandlers) ScheduleVisitHandler(w http.ResponseWriter, r *http.Request) {
	fields, ok := h.readFields(w, r, "schedule_visit")
	if !ok {
		return
	}
	items, err := itemsFromFields(fields)
	if err != nil {
		h.writeServiceError(w, "schedule_visit", err)
		return
	}
	facilityID, err := parseUUIDField(fields.str(facilityIDKeys...), "facilityId")
	if err != nil {
		h.writeServiceError(w, "schedule_visit", err)
		return
	}

	req := app.ScheduleRequest{
		FacilityID: facilityID,
		Items:      items,
		ClientIP:   clientIP(r),
		Email:      fields.str("email"),
	}
	if identity, ok := GetIdentity(r.Context()); ok && identity.UserID != nil {
		req.UserID = identity.UserID
		req.Email = identity.Email
	}

	result, err := h.service.Schedule(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "schedule_visit", err)
		return
	}
	log.Printf("level=info component=api endpoint=schedule_visit outcome=created reference=%s guest=%t", result.Visit.ReferenceNumber, req.UserID == nil)

	h.writeJSON(w, http.StatusCreated, scheduleResponse{
		ReferenceNumber: result.Visit.ReferenceNumber,
		EstimatedPoints: result.Visit.EstimatedPoints,
		PendingPoints:   result.Visit.PendingPoints,
		QRDataURL:       result.Visit.QRCodeDataURL,
		Visit:           newVisitView(result.Visit),
		Balance:         result.Balance,
	})
}

// ConfirmVisitHandler accepts or rejects a scheduled visit at the facility.
func (h *RewardsHandlers) ConfirmVisitHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := GetIdentity(r.Context())
	if !ok {
		writeUnauthorized(w, "facility or admin token required")
		return
	}
	fields, ok := h.readFields(w, r, "confirm_visit")
	if !ok {
		return
	}

	var actualItems []domain.Item
	if raw, present := fields.lookup("actualItems", "actual_items"); present {
		decoded, err := decodeItems(raw)
		if err != nil {
			h.writeServiceError(w, "confirm_visit", err)
			return
		}
		actualItems = decoded
	}

	settlement, err := h.service.Confirm(r.Context(), app.ConfirmRequest{
		ReferenceNumber: fields.str("referenceNumber", "reference_number"),
		Action:          fields.str("action"),
		ActualItems:     actualItems,
		Actor:           app.Actor{FacilityID: identity.FacilityID, Admin: identity.Admin},
	})
	if err != nil {
		h.writeServiceError(w, "confirm_visit", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newSettlementResponse(settlement))
}

// CancelVisitHandler lets the owner withdraw a scheduled visit.
func (h *RewardsHandlers) CancelVisitHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	settlement, err := h.service.Cancel(r.Context(), userID, chi.URLParam(r, "referenceNumber"))
	if err != nil {
		h.writeServiceError(w, "cancel_visit", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newSettlementResponse(settlement))
}

// VisitDetailsHandler looks a visit up by reference number.
func (h *RewardsHandlers) VisitDetailsHandler(w http.ResponseWriter, r *http.Request) {
	visit, err := h.service.Details(r.Context(), chi.URLParam(r, "referenceNumber"))
	if err != nil {
		h.writeServiceError(w, "visit_details", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newVisitView(visit))
}

// VisitHistoryHandler lists the caller's visits, newest first.
func (h *RewardsHandlers) VisitHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	visits, err := h.service.History(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "visit_history", err)
		return
	}
	views := make([]visitView, 0, len(visits))
	for i := range visits {
		views = append(views, newVisitView(&visits[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"visits": views})
}

func (h *RewardsHandlers) MeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	profile, err := h.service.Me(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "me", err)
		return
	}
	h.writeJSON(w, http.StatusOK, profile)
}

func (h *RewardsHandlers) StatsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	stats, err := h.service.Stats(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "stats", err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// RedeemHandler exchanges points for a voucher.
func (h *RewardsHandlers) RedeemHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	fields, ok := h.readFields(w, r, "redeem")
	if !ok {
		return
	}
	cost, present, err := fields.number("cost", "points")
	if err != nil {
		h.writeServiceError(w, "redeem", err)
		return
	}
	if !present || cost != float64(int64(cost)) {
		h.writeServiceError(w, "redeem", fmt.Errorf("%w: cost must be a whole number of points", domain.ErrValidation))
		return
	}

	redemption, err := h.service.Redeem(r.Context(), userID, fields.str("rewardName", "name", "reward"), int64(cost))
	if err != nil {
		h.writeServiceError(w, "redeem", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, redemption)
}

func (h *RewardsHandlers) ListFacilitiesHandler(w http.ResponseWriter, r *http.Request) {
	facilities, err := h.service.ListFacilities(r.Context())
	if err != nil {
		h.writeServiceError(w, "list_facilities", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"facilities": facilities})
}

func (h *RewardsHandlers) GetFacilityHandler(w http.ResponseWriter, r *http.Request) {
	facilityID, err := parseUUIDField(chi.URLParam(r, "facilityID"), "facility id")
	if err != nil {
		h.writeServiceError(w, "get_facility", err)
		return
	}
	facility, err := h.service.GetFacility(r.Context(), facilityID)
	if err != nil {
		h.writeServiceError(w, "get_facility", err)
		return
	}
	h.writeJSON(w, http.StatusOK, facility)
}

func (h *RewardsHandlers) readFields(w http.ResponseWriter, r *http.Request, endpoint string) (requestFields, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=unreadable_body err=%v", endpoint, err)
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Request body could not be read")
		return nil, false
	}
	fields, err := decodeRequestFields(body)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_json", endpoint)
		h.writeServiceError(w, endpoint, err)
		return nil, false
	}
	return fields, true
}

func itemsFromFields(fields requestFields) ([]domain.Item, error) {
	raw, ok := fields.lookup("items")
	if !ok {
		return nil, fmt.Errorf("%w: items are required and must be a non-empty array", domain.ErrValidation)
	}
	return decodeItems(raw)
}

func parseUUIDField(raw, name string) (uuid.UUID, error) {
	if strings.TrimSpace(raw) == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", domain.ErrValidation, name)
	}
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s is not a valid id", domain.ErrValidation, name)
	}
	return id, nil
}

func requireUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	identity, ok := GetIdentity(r.Context())
	if !ok || identity.UserID == nil {
		writeUnauthorized(w, "user token required")
		return uuid.Nil, false
	}
	return *identity.UserID, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func (h *RewardsHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status, code, message := classifyError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=failed code=%s err=%v", endpoint, code, err)
	} else {
		log.Printf("level=warn component=api endpoint=%s outcome=reject code=%s err=%v", endpoint, code, err)
	}

	var limited *app.RateLimitError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
	}
	h.writeError(w, status, code, message)
}

func classifyError(err error) (status int, code string, message string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error()
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED", err.Error()
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Not allowed to act on this visit"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error()
	case errors.Is(err, domain.ErrAlreadyProcessed):
		return http.StatusConflict, "ALREADY_PROCESSED", "Visit has already been processed"
	case errors.Is(err, domain.ErrInsufficientPoints):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_POINTS", "Not enough points for this reward"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please wait and try again."
	case errors.Is(err, domain.ErrTransactionFailure):
		return http.StatusServiceUnavailable, "TRANSACTION_FAILURE", "Could not complete the operation. Please retry."
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error"
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *RewardsHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data)
}

// writeError is a helper for writing JSON error responses.
func (h *RewardsHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": message, "code": "UNAUTHORIZED"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
