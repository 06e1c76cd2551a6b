package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/trashtotech/rewards-service/internal/app"
	"github.com/trashtotech/rewards-service/internal/domain"
	"github.com/trashtotech/rewards-service/internal/points"
	"github.com/trashtotech/rewards-service/internal/store"
)

const testSecret = "test-secret"

type repoStub struct {
	store.Repository

	mu       sync.Mutex
	facility domain.Facility
	visits   map[string]*domain.Visit
	users    map[uuid.UUID]*domain.User
	created  []*domain.Visit
}

func newRepoStub() *repoStub {
	return &repoStub{
		facility: domain.Facility{ID: uuid.New(), Name: "Green Drop", Status: domain.FacilityStatusActive},
		visits:   make(map[string]*domain.Visit),
		users:    make(map[uuid.UUID]*domain.User),
	}
}

func (r *repoStub) FindFacilityByID(ctx context.Context, facilityID uuid.UUID) (*domain.Facility, error) {
	if facilityID != r.facility.ID {
		return nil, store.ErrFacilityNotFound
	}
	f := r.facility
	return &f, nil
}

func (r *repoStub) ListActiveFacilities(ctx context.Context) ([]domain.Facility, error) {
	return []domain.Facility{r.facility}, nil
}

func (r *repoStub) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (r *repoStub) FindVisitByReference(ctx context.Context, referenceNumber string) (*domain.Visit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visits[referenceNumber]
	if !ok {
		return nil, store.ErrVisitNotFound
	}
	c := *v
	return &c, nil
}

func (r *repoStub) CreateVisitAtomic(ctx context.Context, visit *domain.Visit) (*domain.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *visit
	r.visits[visit.ReferenceNumber] = &c
	r.created = append(r.created, &c)
	if visit.UserID == nil {
		return nil, nil
	}
	u, ok := r.users[*visit.UserID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	balance := u.Balance().Apply(domain.BalanceDelta{PendingPoints: visit.PendingPoints})
	u.PendingPoints = balance.PendingPoints
	return &balance, nil
}

func (r *repoStub) SettleVisitAtomic(ctx context.Context, referenceNumber string, fn store.SettleFunc) (*domain.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.visits[referenceNumber]
	if !ok {
		return nil, store.ErrVisitNotFound
	}
	working := *stored
	delta, err := fn(&working)
	if err != nil {
		return nil, err
	}
	r.visits[referenceNumber] = &working
	return &domain.Settlement{Visit: &working, Delta: delta}, nil
}

func (r *repoStub) RedeemPointsAtomic(ctx context.Context, redemption *domain.Redemption) (*domain.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[redemption.UserID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	if u.Points < redemption.Cost {
		return nil, store.ErrInsufficientPoints
	}
	u.Points -= redemption.Cost
	balance := u.Balance()
	return &balance, nil
}

func newTestRouter(repo *repoStub) http.Handler {
	service := app.NewService(repo, points.MustNewEstimator(points.DefaultRateTable()), nil, nil, nil, app.Config{UpfrontRate: 0.30})
	return RewardsRoutes(NewRewardsHandlers(service), NewAuthenticator(testSecret), nil, RouteOptions{})
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func doRequest(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(newRepoStub())
	if rec := doRequest(t, router, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodGet, "/metrics", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
}

func TestEstimateHandler_NormalizesAliasedItems(t *testing.T) {
	router := newTestRouter(newRepoStub())
	body := `{"items":"[{\"itemName\":\"Old laptop\",\"type\":\"Laptop\",\"state\":\"GOOD\",\"quantity\":\"2\",\"estimatedPoints\":99999}]"}`

	rec := doRequest(t, router, http.MethodPost, "/api/visit/estimate", "", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeBody(t, rec)
	if out["estimatedPoints"].(float64) != 1440 || out["pendingPoints"].(float64) != 432 {
		t.Fatalf("unexpected estimate: %v", out)
	}
}

func TestEstimateHandler_RejectsEmptyItems(t *testing.T) {
	router := newTestRouter(newRepoStub())
	for _, body := range []string{`{}`, `{"items":[]}`, `{"items":"  "}`, `[]`, `not json`} {
		rec := doRequest(t, router, http.MethodPost, "/api/visit/estimate", "", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rec.Code)
		}
		if code := decodeBody(t, rec)["code"]; code != "VALIDATION_ERROR" {
			t.Fatalf("body %s: unexpected code %v", body, code)
		}
	}
}

func TestScheduleHandler_GuestAndUser(t *testing.T) {
	repo := newRepoStub()
	userID := uuid.New()
	repo.users[userID] = &domain.User{ID: userID, Level: domain.LevelBronze}
	router := newTestRouter(repo)

	guestBody := fmt.Sprintf(`{"facility_id":%q,"email":"Guest@Example.com","items":{"name":"Phone","category":"smartphone","condition":"good"}}`, repo.facility.ID)
	rec := doRequest(t, router, http.MethodPost, "/api/visit/schedule", "", guestBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for guest, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(strings.ToLower(rec.Body.String()), "guest@example.com") {
		t.Fatal("guest email must not be echoed back")
	}
	if repo.created[0].UserID != nil || repo.created[0].Email == nil || *repo.created[0].Email != "guest@example.com" {
		t.Fatalf("unexpected guest visit: %+v", repo.created[0])
	}

	token := signToken(t, jwt.MapClaims{"userId": userID.String(), "email": "user@example.com"})
	userBody := fmt.Sprintf(`{"facilityId":%q,"items":[{"category":"laptop","condition":"good"}]}`, repo.facility.ID)
	rec = doRequest(t, router, http.MethodPost, "/api/visit/schedule", token, userBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for user, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeBody(t, rec)
	if out["pendingPoints"].(float64) != 216 {
		t.Fatalf("unexpected pending points: %v", out)
	}
	if !strings.HasPrefix(out["referenceNumber"].(string), "TT-") {
		t.Fatalf("unexpected reference: %v", out["referenceNumber"])
	}
	if balance := out["balance"].(map[string]interface{}); balance["pendingPoints"].(float64) != 216 {
		t.Fatalf("unexpected balance: %v", balance)
	}
	if created := repo.created[1]; created.UserID == nil || *created.UserID != userID {
		t.Fatalf("visit not owned by caller: %+v", created)
	}
}

func TestScheduleHandler_RateLimitKeysOnPeerAddress(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		wantSecond int
	}{
		{"untrusted headers share the peer bucket", false, http.StatusTooManyRequests},
		{"trusted proxy separates forwarded clients", true, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newRepoStub()
			service := app.NewService(repo, points.MustNewEstimator(points.DefaultRateTable()), app.NewLocalRateLimiter(), nil, nil,
				app.Config{UpfrontRate: 0.30, ScheduleLimitPerMinute: 1})
			router := RewardsRoutes(NewRewardsHandlers(service), NewAuthenticator(testSecret), nil, RouteOptions{TrustProxyHeaders: tt.trustProxy})
			body := fmt.Sprintf(`{"facilityId":%q,"items":[{"category":"laptop"}]}`, repo.facility.ID)

			schedule := func(forwardedFor string) int {
				req := httptest.NewRequest(http.MethodPost, "/api/visit/schedule", strings.NewReader(body))
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("X-Forwarded-For", forwardedFor)
				req.RemoteAddr = "203.0.113.7:51000"
				rec := httptest.NewRecorder()
				router.ServeHTTP(rec, req)
				return rec.Code
			}

			if code := schedule("198.51.100.1"); code != http.StatusCreated {
				t.Fatalf("expected first schedule to pass, got %d", code)
			}
			if code := schedule("198.51.100.2"); code != tt.wantSecond {
				t.Fatalf("expected %d for a rotated X-Forwarded-For, got %d", tt.wantSecond, code)
			}
		})
	}
}

func TestScheduleHandler_RejectsInvalidToken(t *testing.T) {
	repo := newRepoStub()
	router := newTestRouter(repo)
	body := fmt.Sprintf(`{"facilityId":%q,"items":[{"category":"laptop"}]}`, repo.facility.ID)

	rec := doRequest(t, router, http.MethodPost, "/api/visit/schedule", "not-a-jwt", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(repo.created) != 0 {
		t.Fatal("no visit should be created with an invalid token")
	}
}

func TestConfirmHandler(t *testing.T) {
	repo := newRepoStub()
	router := newTestRouter(repo)
	scheduleBody := fmt.Sprintf(`{"facilityId":%q,"items":[{"category":"laptop","condition":"good"}]}`, repo.facility.ID)
	rec := doRequest(t, router, http.MethodPost, "/api/visit/schedule", "", scheduleBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("schedule failed: %d %s", rec.Code, rec.Body.String())
	}
	reference := decodeBody(t, rec)["referenceNumber"].(string)
	confirmBody := fmt.Sprintf(`{"referenceNumber":%q,"action":"accept"}`, reference)

	userToken := signToken(t, jwt.MapClaims{"userId": uuid.NewString()})
	if rec := doRequest(t, router, http.MethodPost, "/api/visit/confirm", userToken, confirmBody); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a user token, got %d", rec.Code)
	}

	otherFacility := signToken(t, jwt.MapClaims{"type": "facility", "facilityId": uuid.NewString()})
	if rec := doRequest(t, router, http.MethodPost, "/api/visit/confirm", otherFacility, confirmBody); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another facility, got %d", rec.Code)
	}

	facilityToken := signToken(t, jwt.MapClaims{"type": "facility", "facilityId": repo.facility.ID.String()})
	rec = doRequest(t, router, http.MethodPost, "/api/visit/confirm", facilityToken, confirmBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeBody(t, rec)
	if out["awardedPoints"].(float64) != 720 || out["releasedPendingPoints"].(float64) != 216 {
		t.Fatalf("unexpected settlement: %v", out)
	}

	rec = doRequest(t, router, http.MethodPost, "/api/visit/confirm", facilityToken, confirmBody)
	if rec.Code != http.StatusConflict || decodeBody(t, rec)["code"] != "ALREADY_PROCESSED" {
		t.Fatalf("expected 409 ALREADY_PROCESSED, got %d %s", rec.Code, rec.Body.String())
	}

	adminToken := signToken(t, jwt.MapClaims{"role": "admin"})
	missing := `{"referenceNumber":"TT-DEADBEEF","action":"reject"}`
	if rec := doRequest(t, router, http.MethodPost, "/api/visit/confirm", adminToken, missing); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown reference, got %d", rec.Code)
	}
}

func TestConfirmHandler_CoercesMalformedActualItems(t *testing.T) {
	repo := newRepoStub()
	router := newTestRouter(repo)

	estimate := `{"items":[{"category":"laptop","condition":"good","weight":"heavy"}]}`
	if rec := doRequest(t, router, http.MethodPost, "/api/visit/estimate", "", estimate); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from estimate, got %d: %s", rec.Code, rec.Body.String())
	}

	scheduleBody := fmt.Sprintf(`{"facilityId":%q,"items":[{"category":"laptop","condition":"good","quantity":0}]}`, repo.facility.ID)
	rec := doRequest(t, router, http.MethodPost, "/api/visit/schedule", "", scheduleBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 from schedule, got %d: %s", rec.Code, rec.Body.String())
	}
	reference := decodeBody(t, rec)["referenceNumber"].(string)

	facilityToken := signToken(t, jwt.MapClaims{"type": "facility", "facilityId": repo.facility.ID.String()})
	confirmBody := fmt.Sprintf(`{"referenceNumber":%q,"action":"accept","actualItems":[{"category":"laptop","condition":"good","quantity":0,"weight":-2}]}`, reference)
	rec = doRequest(t, router, http.MethodPost, "/api/visit/confirm", facilityToken, confirmBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from confirm, got %d: %s", rec.Code, rec.Body.String())
	}
	if awarded := decodeBody(t, rec)["awardedPoints"].(float64); awarded != 720 {
		t.Fatalf("expected 720 awarded points, got %v", awarded)
	}
	if v := repo.visits[reference]; v.Status != domain.VisitStatusCompleted || v.ActualPoints != 720 || v.Items[0].Quantity != 1 {
		t.Fatalf("unexpected settled visit: %+v", v)
	}
}

func TestVisitDetailsHandler_ScrubsOwnerData(t *testing.T) {
	repo := newRepoStub()
	owner := uuid.New()
	email := "secret@example.com"
	repo.visits["TT-0A1B2C3D"] = &domain.Visit{
		ReferenceNumber: "TT-0A1B2C3D",
		UserID:          &owner,
		Email:           &email,
		FacilityID:      repo.facility.ID,
		Status:          domain.VisitStatusScheduled,
	}
	router := newTestRouter(repo)

	rec := doRequest(t, router, http.MethodGet, "/api/visit/details/tt-0a1b2c3d", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte(email)) || bytes.Contains(rec.Body.Bytes(), []byte(owner.String())) {
		t.Fatalf("details leaked owner data: %s", rec.Body.String())
	}
}

func TestRedeemHandler(t *testing.T) {
	repo := newRepoStub()
	userID := uuid.New()
	repo.users[userID] = &domain.User{ID: userID, Points: 500, Level: domain.LevelSilver}
	router := newTestRouter(repo)
	token := signToken(t, jwt.MapClaims{"sub": userID.String()})

	rec := doRequest(t, router, http.MethodPost, "/api/rewards/redeem", token, `{"rewardName":"Coffee","cost":"200"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if code := decodeBody(t, rec)["voucherCode"].(string); !strings.HasPrefix(code, "COF-") {
		t.Fatalf("unexpected voucher code %q", code)
	}

	rec = doRequest(t, router, http.MethodPost, "/api/rewards/redeem", token, `{"rewardName":"Bike","cost":1000}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	if rec := doRequest(t, router, http.MethodPost, "/api/rewards/redeem", "", `{"rewardName":"Bike","cost":1}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestFacilityHandlers(t *testing.T) {
	repo := newRepoStub()
	router := newTestRouter(repo)

	if rec := doRequest(t, router, http.MethodGet, "/api/facilities/"+repo.facility.ID.String(), "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodGet, "/api/facilities/not-a-uuid", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodGet, "/api/facilities/"+uuid.NewString(), "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("bad: %w", domain.ErrValidation), http.StatusBadRequest, "VALIDATION_ERROR"},
		{domain.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
		{domain.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
		{store.ErrVisitNotFound, http.StatusNotFound, "NOT_FOUND"},
		{store.ErrVisitSettled, http.StatusConflict, "ALREADY_PROCESSED"},
		{store.ErrInsufficientPoints, http.StatusUnprocessableEntity, "INSUFFICIENT_POINTS"},
		{&app.RateLimitError{RetryAfterSeconds: 7}, http.StatusTooManyRequests, "RATE_LIMITED"},
		{fmt.Errorf("commit: %w", domain.ErrTransactionFailure), http.StatusServiceUnavailable, "TRANSACTION_FAILURE"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		status, code, _ := classifyError(tt.err)
		if status != tt.status || code != tt.code {
			t.Fatalf("classifyError(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
		}
	}

	rec := httptest.NewRecorder()
	(&RewardsHandlers{}).writeServiceError(rec, "schedule_visit", &app.RateLimitError{RetryAfterSeconds: 7})
	if rec.Header().Get("Retry-After") != "7" {
		t.Fatalf("expected Retry-After header, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestDecodeItems(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		want         int
		wantQuantity int
		wantWeight   float64
		wantErr      bool
	}{
		{"array", `[{"category":"laptop"},{"item_name":"Cable","type":"cable","wt":"0.4"}]`, 2, 1, 0, false},
		{"single object", `{"category":"laptop","quantity":3}`, 1, 3, 0, false},
		{"encoded string", `"[{\"category\":\"laptop\"}]"`, 1, 1, 0, false},
		{"null", `null`, 0, 0, 0, false},
		{"double encoded", `"\"[]\""`, 0, 0, 0, true},
		{"fractional quantity", `[{"category":"laptop","quantity":2.7}]`, 1, 2, 0, false},
		{"fraction below one", `[{"category":"laptop","quantity":0.5}]`, 1, 1, 0, false},
		{"zero quantity", `[{"category":"laptop","quantity":0}]`, 1, 1, 0, false},
		{"negative quantity", `[{"category":"laptop","quantity":-4}]`, 1, 1, 0, false},
		{"text quantity", `[{"category":"laptop","quantity":"lots"}]`, 1, 1, 0, false},
		{"bad weight", `[{"category":"laptop","weight":"heavy"}]`, 1, 1, 0, false},
		{"negative weight", `[{"category":"laptop","weight":-1}]`, 1, 1, 0, false},
		{"object weight", `[{"category":"laptop","weight":{"kg":2}}]`, 1, 1, 0, false},
		{"scalar", `42`, 0, 0, 0, true},
		{"array of scalars", `[1,2]`, 0, 0, 0, true},
		{"null item", `[null]`, 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := decodeItems(json.RawMessage(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", items)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(items) != tt.want {
				t.Fatalf("expected %d items, got %d", tt.want, len(items))
			}
			if tt.want == 0 {
				return
			}
			if items[0].Quantity != tt.wantQuantity || items[0].Weight != tt.wantWeight {
				t.Fatalf("expected quantity %d weight %v, got %+v", tt.wantQuantity, tt.wantWeight, items[0])
			}
		})
	}

	items, _ := decodeItems(json.RawMessage(`[{"item_name":"Cable","type":"Cable","state":"Poor","wt":"0.4","quantity":"2","estimatedPoints":500}]`))
	got := items[0]
	if got.Name != "Cable" || got.Category != "cable" || got.Condition != "poor" || got.Weight != 0.4 || got.Quantity != 2 || got.EstimatedPoints != 0 {
		t.Fatalf("unexpected normalized item: %+v", got)
	}
}
