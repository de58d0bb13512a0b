package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/calanque-market/api/internal/domain"
	"github.com/calanque-market/api/internal/platform/auth"
	"github.com/calanque-market/api/internal/repositories"
	"github.com/calanque-market/api/internal/services"
)

type stubCheckoutService struct {
	createF func(ctx context.Context, req domain.CheckoutRequest) (domain.AggregatedCheckoutResult, error)
	lastReq domain.CheckoutRequest
}

func (s *stubCheckoutService) CreateCartSessions(ctx context.Context, req domain.CheckoutRequest) (domain.AggregatedCheckoutResult, error) {
	s.lastReq = req
	if s.createF != nil {
		return s.createF(ctx, req)
	}
	return domain.AggregatedCheckoutResult{}, nil
}

type stubRecordRepository struct {
	findF func(ctx context.Context, orderNumber string) (domain.AggregatedCheckoutResult, error)
	listF func(ctx context.Context, userID string, limit int) ([]domain.AggregatedCheckoutResult, error)
}

func (s *stubRecordRepository) SaveResult(context.Context, string, domain.Buyer, domain.AggregatedCheckoutResult) error {
	return nil
}

func (s *stubRecordRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (domain.AggregatedCheckoutResult, error) {
	if s.findF != nil {
		return s.findF(ctx, orderNumber)
	}
	return domain.AggregatedCheckoutResult{}, repositories.ErrRecordNotFound
}

func (s *stubRecordRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.AggregatedCheckoutResult, error) {
	if s.listF != nil {
		return s.listF(ctx, userID, limit)
	}
	return nil, nil
}

func newCheckoutRouter(svc services.CheckoutService) chi.Router {
	r := chi.NewRouter()
	NewCheckoutHandlers(svc, nil).Routes(r)
	return r
}

func newRecordsRouter(records repositories.CheckoutRecordRepository) chi.Router {
	r := chi.NewRouter()
	NewCheckoutHandlers(&stubCheckoutService{}, records).Routes(r)
	return r
}

func sampleResult() domain.AggregatedCheckoutResult {
	createdAt := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	sessions := []domain.CheckoutSessionRecord{
		{
			Merchant: "main",
			Store: domain.StoreInfo{
				Tag:         "main",
				Name:        "Maison Calanque",
				AccentColor: "#1f2937",
			},
			SessionID:   "cs_main",
			OrderNumber: "ORD-01HZXTEST-01",
			ItemCount:   2,
			Amount:      11390,
			Currency:    "eur",
			CheckoutURL: "https://pay.example/cs_main",
			CreatedAt:   createdAt,
		},
		{
			Merchant: "corner",
			Store: domain.StoreInfo{
				Tag:  "corner",
				Name: "The Corner",
			},
			SessionID:   "cs_corner",
			OrderNumber: "ORD-01HZXTEST-02",
			ItemCount:   1,
			Amount:      5500,
			Currency:    "eur",
			CheckoutURL: "https://pay.example/cs_corner",
			CreatedAt:   createdAt,
		},
	}
	return domain.AggregatedCheckoutResult{
		Status:            domain.CheckoutSucceeded,
		ParentOrderNumber: "ORD-01HZXTEST",
		SessionCount:      2,
		PrimarySession:    &sessions[0],
		AllSessions:       sessions,
		CreatedAt:         createdAt,
	}
}

func validRequestBody() string {
	return `{
		"cart_id": "cart-42",
		"items": [
			{"id": "sku-1", "merchant": "main", "name": "Linen Shirt", "unit_price": 4500, "quantity": 2},
			{"id": "sku-2", "merchant": "corner", "name": "Ceramic Mug", "unit_price": 1500, "quantity": 1, "variant": {"size": "M", "color_label": "Navy Blue"}}
		],
		"shipping_method": "standard",
		"buyer": {"email": "buyer@example.com"}
	}`
}

func TestCreateCartSessionsResponseShape(t *testing.T) {
	svc := &stubCheckoutService{
		createF: func(context.Context, domain.CheckoutRequest) (domain.AggregatedCheckoutResult, error) {
			return sampleResult(), nil
		},
	}
	router := newCheckoutRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/cart-sessions", strings.NewReader(validRequestBody()))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Status            string `json:"status"`
		ParentOrderNumber string `json:"parent_order_number"`
		SessionCount      int    `json:"session_count"`
		PrimarySession    *struct {
			StoreInfo struct {
				Tag  string `json:"tag"`
				Name string `json:"name"`
			} `json:"store_info"`
			OrderNumber string `json:"order_number"`
			URL         string `json:"url"`
		} `json:"primary_session"`
		AllSessions []struct {
			SessionID string `json:"session_id"`
			ItemCount int    `json:"item_count"`
		} `json:"all_sessions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if body.Status != "succeeded" {
		t.Fatalf("expected succeeded, got %s", body.Status)
	}
	if body.ParentOrderNumber != "ORD-01HZXTEST" || body.SessionCount != 2 {
		t.Fatalf("unexpected header fields %+v", body)
	}
	if body.PrimarySession == nil || body.PrimarySession.StoreInfo.Tag != "main" {
		t.Fatalf("unexpected primary session %+v", body.PrimarySession)
	}
	if body.PrimarySession.URL != "https://pay.example/cs_main" {
		t.Fatalf("unexpected primary url %s", body.PrimarySession.URL)
	}
	if len(body.AllSessions) != 2 || body.AllSessions[1].SessionID != "cs_corner" {
		t.Fatalf("unexpected sessions %+v", body.AllSessions)
	}

	if svc.lastReq.CartID != "cart-42" {
		t.Fatalf("unexpected cart id %s", svc.lastReq.CartID)
	}
	if len(svc.lastReq.Items) != 2 || svc.lastReq.Items[1].Variant.ColorLabel != "Navy Blue" {
		t.Fatalf("unexpected items %+v", svc.lastReq.Items)
	}
}

func TestCreateCartSessionsPartialFailureResponse(t *testing.T) {
	svc := &stubCheckoutService{
		createF: func(context.Context, domain.CheckoutRequest) (domain.AggregatedCheckoutResult, error) {
			result := sampleResult()
			result.Status = domain.CheckoutPartiallyFailed
			result.AllSessions = result.AllSessions[:1]
			result.SessionCount = 1
			result.Failures = []domain.PartitionFailure{{Merchant: "corner", Reason: "provider down"}}
			return result, nil
		},
	}
	router := newCheckoutRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/cart-sessions", strings.NewReader(validRequestBody()))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var body struct {
		Status          string   `json:"status"`
		FailedMerchants []string `json:"failed_merchants"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Status != "partially_failed" {
		t.Fatalf("expected partially_failed, got %s", body.Status)
	}
	if len(body.FailedMerchants) != 1 || body.FailedMerchants[0] != "corner" {
		t.Fatalf("unexpected failed merchants %v", body.FailedMerchants)
	}
}

func TestCreateCartSessionsIdentityOverridesBuyer(t *testing.T) {
	svc := &stubCheckoutService{}
	router := newCheckoutRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/cart-sessions", strings.NewReader(validRequestBody()))
	identity := &auth.Identity{UID: "user-7", Email: "verified@example.com"}
	req = req.WithContext(auth.WithIdentity(req.Context(), identity))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if svc.lastReq.Buyer.UserID != "user-7" {
		t.Fatalf("expected identity uid, got %q", svc.lastReq.Buyer.UserID)
	}
	if svc.lastReq.Buyer.Email != "verified@example.com" {
		t.Fatalf("expected identity email, got %q", svc.lastReq.Buyer.Email)
	}
}

func TestCreateCartSessionsErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"empty cart", services.ErrCartEmpty, http.StatusBadRequest, "cart_empty"},
		{"unknown merchant", services.ErrMerchantUnknown, http.StatusBadRequest, "unknown_merchant"},
		{"invalid input", services.ErrCheckoutInvalidInput, http.StatusBadRequest, "invalid_request"},
		{"discount too large", services.ErrDiscountExceedsSubtotal, http.StatusUnprocessableEntity, "discount_exceeds_subtotal"},
		{"in progress", services.ErrCheckoutInProgress, http.StatusConflict, "checkout_in_progress"},
		{"conflict", services.ErrCheckoutConflict, http.StatusConflict, "checkout_conflict"},
		{"all failed", services.ErrCheckoutFailed, http.StatusBadGateway, "sessions_failed"},
		{"unavailable", services.ErrCheckoutUnavailable, http.StatusServiceUnavailable, "checkout_unavailable"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubCheckoutService{
				createF: func(context.Context, domain.CheckoutRequest) (domain.AggregatedCheckoutResult, error) {
					return domain.AggregatedCheckoutResult{}, tc.err
				},
			}
			router := newCheckoutRouter(svc)

			req := httptest.NewRequest(http.MethodPost, "/cart-sessions", strings.NewReader(validRequestBody()))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
			var body struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if body.Error != tc.wantCode {
				t.Fatalf("expected code %s, got %s", tc.wantCode, body.Error)
			}
		})
	}
}

func TestGetCartSessionsByOrderNumber(t *testing.T) {
	records := &stubRecordRepository{
		findF: func(_ context.Context, orderNumber string) (domain.AggregatedCheckoutResult, error) {
			if orderNumber != "ORD-01HZXTEST" {
				return domain.AggregatedCheckoutResult{}, repositories.ErrRecordNotFound
			}
			return sampleResult(), nil
		},
	}
	router := newRecordsRouter(records)

	req := httptest.NewRequest(http.MethodGet, "/cart-sessions/ORD-01HZXTEST", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		ParentOrderNumber string `json:"parent_order_number"`
		SessionCount      int    `json:"session_count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.ParentOrderNumber != "ORD-01HZXTEST" || body.SessionCount != 2 {
		t.Fatalf("unexpected body %+v", body)
	}

	req = httptest.NewRequest(http.MethodGet, "/cart-sessions/ORD-MISSING", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown order, got %d", rr.Code)
	}
	var errBody struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if errBody.Error != "order_not_found" {
		t.Fatalf("expected order_not_found, got %s", errBody.Error)
	}
}

func TestListCartSessionsRequiresIdentity(t *testing.T) {
	router := newRecordsRouter(&stubRecordRepository{})

	req := httptest.NewRequest(http.MethodGet, "/cart-sessions", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 without identity, got %d", rr.Code)
	}
}

func TestListCartSessionsForAuthenticatedUser(t *testing.T) {
	var gotUser string
	var gotLimit int
	records := &stubRecordRepository{
		listF: func(_ context.Context, userID string, limit int) ([]domain.AggregatedCheckoutResult, error) {
			gotUser = userID
			gotLimit = limit
			return []domain.AggregatedCheckoutResult{sampleResult()}, nil
		},
	}
	router := newRecordsRouter(records)

	req := httptest.NewRequest(http.MethodGet, "/cart-sessions?limit=5", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-7"}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotUser != "user-7" || gotLimit != 5 {
		t.Fatalf("unexpected query %q limit %d", gotUser, gotLimit)
	}
	var body struct {
		Count   int `json:"count"`
		Results []struct {
			ParentOrderNumber string `json:"parent_order_number"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Count != 1 || len(body.Results) != 1 || body.Results[0].ParentOrderNumber != "ORD-01HZXTEST" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestListCartSessionsLimitValidation(t *testing.T) {
	var gotLimit int
	records := &stubRecordRepository{
		listF: func(_ context.Context, _ string, limit int) ([]domain.AggregatedCheckoutResult, error) {
			gotLimit = limit
			return nil, nil
		},
	}
	router := newRecordsRouter(records)
	identity := &auth.Identity{UID: "user-7"}

	req := httptest.NewRequest(http.MethodGet, "/cart-sessions?limit=bogus", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for bogus limit, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/cart-sessions?limit=500", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if gotLimit != maxCheckoutListLimit {
		t.Fatalf("expected limit clamped to %d, got %d", maxCheckoutListLimit, gotLimit)
	}
}

func TestGetCartSessionsWithoutRecordStore(t *testing.T) {
	router := newCheckoutRouter(&stubCheckoutService{})

	req := httptest.NewRequest(http.MethodGet, "/cart-sessions/ORD-01HZXTEST", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 without a record store, got %d", rr.Code)
	}
}

func TestCreateCartSessionsRejectsBadBodies(t *testing.T) {
	router := newCheckoutRouter(&stubCheckoutService{})

	req := httptest.NewRequest(http.MethodPost, "/cart-sessions", strings.NewReader("not json"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for invalid JSON, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/cart-sessions", strings.NewReader("  "))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for empty body, got %d", rr.Code)
	}

	huge := `{"cart_id": "` + strings.Repeat("x", maxCheckoutRequestBody) + `"}`
	req = httptest.NewRequest(http.MethodPost, "/cart-sessions", strings.NewReader(huge))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413 for oversized body, got %d", rr.Code)
	}
}
