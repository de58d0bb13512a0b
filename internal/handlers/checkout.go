package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/calanque-market/api/internal/domain"
	"github.com/calanque-market/api/internal/platform/auth"
	"github.com/calanque-market/api/internal/platform/httpx"
	"github.com/calanque-market/api/internal/repositories"
	"github.com/calanque-market/api/internal/services"
)

const maxCheckoutRequestBody = 64 * 1024

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

// CheckoutHandlers exposes the multi-merchant checkout endpoints: session
// creation plus read access to recorded checkout outcomes.
type CheckoutHandlers struct {
	checkout services.CheckoutService
	records  repositories.CheckoutRecordRepository
}

// NewCheckoutHandlers constructs the checkout handlers. The record repository
// may be nil when no persistence backend is configured; the lookup endpoints
// then answer with service unavailable.
func NewCheckoutHandlers(checkout services.CheckoutService, records repositories.CheckoutRecordRepository) *CheckoutHandlers {
	return &CheckoutHandlers{checkout: checkout, records: records}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/cart-sessions", h.createCartSessions)
	r.Get("/cart-sessions", h.listCartSessions)
	r.Get("/cart-sessions/{order_number}", h.getCartSessions)
}

type cartSessionsRequest struct {
	CartID          string            `json:"cart_id"`
	Items           []cartItemRequest `json:"items"`
	ShippingMethod  string            `json:"shipping_method"`
	Discount        *discountRequest  `json:"discount"`
	PrimaryMerchant string            `json:"primary_merchant"`
	Buyer           *buyerRequest     `json:"buyer"`
}

type cartItemRequest struct {
	ID        string              `json:"id"`
	Merchant  string              `json:"merchant"`
	Name      string              `json:"name"`
	UnitPrice int64               `json:"unit_price"`
	Quantity  int                 `json:"quantity"`
	Variant   *itemVariantRequest `json:"variant"`
	ImageURL  string              `json:"image_url"`
}

type itemVariantRequest struct {
	Size       string `json:"size"`
	Color      string `json:"color"`
	ColorLabel string `json:"color_label"`
}

type discountRequest struct {
	Code   string `json:"code"`
	Amount int64  `json:"amount"`
}

type buyerRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type cartSessionsResponse struct {
	Status            string            `json:"status"`
	ParentOrderNumber string            `json:"parent_order_number"`
	SessionCount      int               `json:"session_count"`
	PrimarySession    *sessionResponse  `json:"primary_session,omitempty"`
	AllSessions       []sessionResponse `json:"all_sessions"`
	FailedMerchants   []string          `json:"failed_merchants,omitempty"`
	CreatedAt         string            `json:"created_at"`
}

type sessionResponse struct {
	StoreInfo   storeInfoResponse `json:"store_info"`
	SessionID   string            `json:"session_id"`
	OrderNumber string            `json:"order_number"`
	URL         string            `json:"url"`
	ItemCount   int               `json:"item_count"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
}

type storeInfoResponse struct {
	Tag         string `json:"tag"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	AccentColor string `json:"accent_color,omitempty"`
}

func (h *CheckoutHandlers) createCartSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req cartSessionsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	command := toCheckoutRequest(req)

	// A verified identity always wins over buyer fields supplied in the body.
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		if uid := strings.TrimSpace(identity.UID); uid != "" {
			command.Buyer.UserID = uid
		}
		if email := strings.TrimSpace(identity.Email); email != "" {
			command.Buyer.Email = email
		} else if record, err := identity.User(ctx); err == nil && record != nil && record.Email != "" {
			command.Buyer.Email = record.Email
		}
	}

	result, err := h.checkout.CreateCartSessions(ctx, command)
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toCartSessionsResponse(result))
}

const (
	defaultCheckoutListLimit = 20
	maxCheckoutListLimit     = 50
)

type cartSessionListResponse struct {
	Results []cartSessionsResponse `json:"results"`
	Count   int                    `json:"count"`
}

func (h *CheckoutHandlers) getCartSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.records == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout records unavailable", http.StatusServiceUnavailable))
		return
	}

	orderNumber := strings.TrimSpace(chi.URLParam(r, "order_number"))
	result, err := h.records.FindByOrderNumber(ctx, orderNumber)
	if err != nil {
		if errors.Is(err, repositories.ErrRecordNotFound) {
			httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "no checkout recorded under this order number", http.StatusNotFound))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, toCartSessionsResponse(result))
}

func (h *CheckoutHandlers) listCartSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.records == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout records unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("authentication_required", "sign in to list checkouts", http.StatusUnauthorized))
		return
	}

	limit := defaultCheckoutListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = parsed
	}
	if limit > maxCheckoutListLimit {
		limit = maxCheckoutListLimit
	}

	results, err := h.records.ListByUser(ctx, strings.TrimSpace(identity.UID), limit)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
		return
	}

	resp := cartSessionListResponse{Results: make([]cartSessionsResponse, 0, len(results))}
	for _, result := range results {
		resp.Results = append(resp.Results, toCartSessionsResponse(result))
	}
	resp.Count = len(resp.Results)

	writeJSONResponse(w, http.StatusOK, resp)
}

func toCheckoutRequest(req cartSessionsRequest) domain.CheckoutRequest {
	command := domain.CheckoutRequest{
		CartID:          strings.TrimSpace(req.CartID),
		ShippingMethod:  strings.TrimSpace(req.ShippingMethod),
		PrimaryMerchant: domain.MerchantTag(strings.ToLower(strings.TrimSpace(req.PrimaryMerchant))),
	}
	for _, item := range req.Items {
		line := domain.CartLineItem{
			ID:        strings.TrimSpace(item.ID),
			Merchant:  domain.MerchantTag(strings.ToLower(strings.TrimSpace(item.Merchant))),
			Name:      strings.TrimSpace(item.Name),
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			ImageURL:  strings.TrimSpace(item.ImageURL),
		}
		if item.Variant != nil {
			line.Variant = domain.ItemVariant{
				Size:       strings.TrimSpace(item.Variant.Size),
				Color:      strings.TrimSpace(item.Variant.Color),
				ColorLabel: strings.TrimSpace(item.Variant.ColorLabel),
			}
		}
		command.Items = append(command.Items, line)
	}
	if req.Discount != nil {
		command.Discount = &domain.Discount{
			Code:   strings.TrimSpace(req.Discount.Code),
			Amount: req.Discount.Amount,
		}
	}
	if req.Buyer != nil {
		command.Buyer = domain.Buyer{
			UserID: strings.TrimSpace(req.Buyer.UserID),
			Email:  strings.TrimSpace(req.Buyer.Email),
		}
	}
	return command
}

func toCartSessionsResponse(result domain.AggregatedCheckoutResult) cartSessionsResponse {
	resp := cartSessionsResponse{
		Status:            string(result.Status),
		ParentOrderNumber: result.ParentOrderNumber,
		SessionCount:      result.SessionCount,
		AllSessions:       make([]sessionResponse, 0, len(result.AllSessions)),
		CreatedAt:         formatTime(result.CreatedAt),
	}
	for _, session := range result.AllSessions {
		resp.AllSessions = append(resp.AllSessions, toSessionResponse(session))
	}
	if result.PrimarySession != nil {
		primary := toSessionResponse(*result.PrimarySession)
		resp.PrimarySession = &primary
	}
	for _, merchant := range result.FailedMerchants() {
		resp.FailedMerchants = append(resp.FailedMerchants, string(merchant))
	}
	return resp
}

func toSessionResponse(session domain.CheckoutSessionRecord) sessionResponse {
	return sessionResponse{
		StoreInfo: storeInfoResponse{
			Tag:         string(session.Store.Tag),
			Name:        session.Store.Name,
			DisplayName: session.Store.DisplayName,
			AccentColor: session.Store.AccentColor,
		},
		SessionID:   session.SessionID,
		OrderNumber: session.OrderNumber,
		URL:         session.CheckoutURL,
		ItemCount:   session.ItemCount,
		Amount:      session.Amount,
		Currency:    session.Currency,
	}
}

func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart has no items", http.StatusBadRequest))
	case errors.Is(err, services.ErrCartInvalidItem):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_cart_item", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrMerchantUnknown):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_merchant", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrDiscountExceedsSubtotal):
		httpx.WriteError(ctx, w, httpx.NewError("discount_exceeds_subtotal", "discount exceeds cart subtotal", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutInProgress):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_in_progress", "another checkout for this cart is in progress", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutConflict):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_conflict", "cart contents changed; start a new checkout", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutFailed):
		httpx.WriteError(ctx, w, httpx.NewError("sessions_failed", "no checkout session could be created", http.StatusBadGateway))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = maxCheckoutRequestBody
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
