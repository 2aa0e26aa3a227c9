package posting

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/keystone-retail/keystone/internal/costing"
	"github.com/keystone-retail/keystone/internal/ledger"
	"github.com/keystone-retail/keystone/internal/platform/db"
	"github.com/keystone-retail/keystone/internal/platform/httpx"
	"github.com/keystone-retail/keystone/internal/sequence"
	"github.com/keystone-retail/keystone/internal/shared"
)

// Handler wires HTTP endpoints for posting documents.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the posting handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers posting routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/sales", h.handlePostSale)
	r.Post("/purchases", h.handlePostPurchase)
	r.Post("/payments", h.handlePostPayment)
	r.Post("/adjustments", h.handlePostAdjustment)
	r.Get("/documents", h.handleListDocuments)
	r.Get("/documents/{id}", h.handleGetDocument)
	r.Post("/documents/{id}/reverse", h.handleReverse)
}

type saleLineRequest struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	Qty       string `json:"qty" validate:"required"`
	UnitPrice string `json:"unit_price" validate:"required"`
}

type saleRequest struct {
	Lines    []saleLineRequest `json:"lines" validate:"required,min=1,dive"`
	Discount string            `json:"discount"`
	Tax      string            `json:"tax"`
	Paid     string            `json:"paid"`
	PartyRef string            `json:"party_ref"`
	Notes    string            `json:"notes"`
}

func (h *Handler) handlePostSale(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := SaleInput{
		PartyRef:       req.PartyRef,
		Notes:          req.Notes,
		IdempotencyKey: idempotencyKey(r),
		ActorID:        actorID(r),
	}
	var err error
	if in.Discount, err = parseAmount(req.Discount); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "discount: "+err.Error())
		return
	}
	if in.Tax, err = parseAmount(req.Tax); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tax: "+err.Error())
		return
	}
	if in.Paid, err = parseAmount(req.Paid); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "paid: "+err.Error())
		return
	}
	for _, line := range req.Lines {
		qty, err := decimal.NewFromString(line.Qty)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "qty: "+err.Error())
			return
		}
		price, err := decimal.NewFromString(line.UnitPrice)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unit_price: "+err.Error())
			return
		}
		in.Lines = append(in.Lines, SaleLine{ProductID: line.ProductID, Qty: qty, UnitPrice: price})
	}

	doc, err := h.service.PostSale(r.Context(), in)
	if err != nil {
		h.respondError(w, "post sale", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, documentResponseFrom(doc))
}

type purchaseLineRequest struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	Qty       string `json:"qty" validate:"required"`
	UnitCost  string `json:"unit_cost" validate:"required"`
}

type purchaseRequest struct {
	Lines    []purchaseLineRequest `json:"lines" validate:"required,min=1,dive"`
	Tax      string                `json:"tax"`
	Paid     string                `json:"paid"`
	PartyRef string                `json:"party_ref"`
	Notes    string                `json:"notes"`
}

func (h *Handler) handlePostPurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := PurchaseInput{
		PartyRef:       req.PartyRef,
		Notes:          req.Notes,
		IdempotencyKey: idempotencyKey(r),
		ActorID:        actorID(r),
	}
	var err error
	if in.Tax, err = parseAmount(req.Tax); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tax: "+err.Error())
		return
	}
	if in.Paid, err = parseAmount(req.Paid); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "paid: "+err.Error())
		return
	}
	for _, line := range req.Lines {
		qty, err := decimal.NewFromString(line.Qty)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "qty: "+err.Error())
			return
		}
		cost, err := decimal.NewFromString(line.UnitCost)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unit_cost: "+err.Error())
			return
		}
		in.Lines = append(in.Lines, PurchaseLine{ProductID: line.ProductID, Qty: qty, UnitCost: cost})
	}

	doc, err := h.service.PostPurchase(r.Context(), in)
	if err != nil {
		h.respondError(w, "post purchase", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, documentResponseFrom(doc))
}

type paymentRequest struct {
	Direction string `json:"direction" validate:"required,oneof=RECEIPT PAYMENT"`
	Amount    string `json:"amount" validate:"required"`
	PartyRef  string `json:"party_ref"`
	Notes     string `json:"notes"`
}

func (h *Handler) handlePostPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount: "+err.Error())
		return
	}
	doc, err := h.service.PostPayment(r.Context(), PaymentInput{
		Direction:      PaymentDirection(req.Direction),
		Amount:         amount,
		PartyRef:       req.PartyRef,
		Notes:          req.Notes,
		IdempotencyKey: idempotencyKey(r),
		ActorID:        actorID(r),
	})
	if err != nil {
		h.respondError(w, "post payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, documentResponseFrom(doc))
}

type adjustmentRequest struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	DeltaQty  string `json:"delta_qty" validate:"required"`
	Reason    string `json:"reason" validate:"required"`
	Notes     string `json:"notes"`
}

func (h *Handler) handlePostAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	delta, err := decimal.NewFromString(req.DeltaQty)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "delta_qty: "+err.Error())
		return
	}
	doc, err := h.service.PostAdjustment(r.Context(), AdjustmentInput{
		ProductID:      req.ProductID,
		DeltaQty:       delta,
		Reason:         req.Reason,
		Notes:          req.Notes,
		IdempotencyKey: idempotencyKey(r),
		ActorID:        actorID(r),
	})
	if err != nil {
		h.respondError(w, "post adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, documentResponseFrom(doc))
}

type reverseRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) handleReverse(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid document id")
		return
	}
	var req reverseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	doc, err := h.service.ReverseDocument(r.Context(), ReverseInput{
		DocumentID:     id,
		Reason:         req.Reason,
		IdempotencyKey: idempotencyKey(r),
		ActorID:        actorID(r),
	})
	if err != nil {
		h.respondError(w, "reverse document", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, documentResponseFrom(doc))
}

func (h *Handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid document id")
		return
	}
	doc, err := h.service.GetDocument(r.Context(), id)
	if err != nil {
		h.respondError(w, "get document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, documentResponseFrom(doc))
}

func (h *Handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	docs, err := h.service.ListDocuments(r.Context(), limit)
	if err != nil {
		h.respondError(w, "list documents", err)
		return
	}
	out := make([]documentResponse, 0, len(docs))
	for _, doc := range docs {
		out = append(out, documentResponseFrom(doc))
	}
	httpx.JSON(w, http.StatusOK, out)
}

type documentResponse struct {
	ID         int64  `json:"id"`
	Number     string `json:"number"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	PartyRef   string `json:"party_ref,omitempty"`
	Subtotal   string `json:"subtotal"`
	Discount   string `json:"discount"`
	Tax        string `json:"tax"`
	Total      string `json:"total"`
	Paid       string `json:"paid"`
	Due        string `json:"due"`
	JournalID  *int64 `json:"journal_id,omitempty"`
	ReversalOf *int64 `json:"reversal_of,omitempty"`
	Notes      string `json:"notes,omitempty"`
	PostedAt   string `json:"posted_at"`
}

func documentResponseFrom(doc Document) documentResponse {
	return documentResponse{
		ID:         doc.ID,
		Number:     doc.Number,
		Kind:       string(doc.Kind),
		Status:     string(doc.Status),
		PartyRef:   doc.PartyRef,
		Subtotal:   doc.Subtotal.StringFixed(2),
		Discount:   doc.Discount.StringFixed(2),
		Tax:        doc.Tax.StringFixed(2),
		Total:      doc.Total.StringFixed(2),
		Paid:       doc.Paid.StringFixed(2),
		Due:        doc.Due.StringFixed(2),
		JournalID:  doc.JournalID,
		ReversalOf: doc.ReversalOf,
		Notes:      doc.Notes,
		PostedAt:   doc.PostedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrDocumentNotFound),
		errors.Is(err, costing.ErrProductNotFound),
		errors.Is(err, ledger.ErrJournalNotFound),
		errors.Is(err, sequence.ErrSeriesNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, costing.ErrInsufficientStock),
		errors.Is(err, costing.ErrLayerOverflow),
		errors.Is(err, ErrAlreadyReversed),
		errors.Is(err, ErrNotReversible),
		errors.Is(err, ledger.ErrAlreadyReversed),
		errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, db.ErrTxConflict):
		httpx.Problem(w, http.StatusServiceUnavailable, "Temporarily Unavailable", err.Error())
	case errors.Is(err, ErrNoLines),
		errors.Is(err, ErrNoEffect),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrOverpaid),
		errors.Is(err, ErrExcessDiscount),
		errors.Is(err, ErrInvalidDirection),
		errors.Is(err, ErrMappingNotFound),
		errors.Is(err, costing.ErrInvalidQuantity),
		errors.Is(err, costing.ErrInvalidUnitCost),
		errors.Is(err, costing.ErrInactiveProduct),
		errors.Is(err, ledger.ErrUnbalanced),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrTooFewEntries),
		errors.Is(err, ledger.ErrUnknownAccount),
		errors.Is(err, ledger.ErrInactiveAccount):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	default:
		h.logger.Error(op+" failed", "error", err)
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, nil
	}
	return decimal.NewFromString(s)
}

func idempotencyKey(r *http.Request) string {
	return r.Header.Get("Idempotency-Key")
}

func actorID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(r.Header.Get("X-Actor-ID"), 10, 64)
	return id
}
