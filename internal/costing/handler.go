package costing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keystone-retail/keystone/internal/platform/httpx"
)

// Handler exposes read endpoints over stock layers and the consumption
// trail. Stock mutations go through the posting endpoints so the ledger
// stays in step; there is no raw receive/consume route.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the costing handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers costing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/products/{code}", h.handleGetProduct)
	r.Get("/products/{code}/layers", h.handleListLayers)
	r.Get("/products/{code}/consumptions", h.handleListConsumptions)
}

func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.service.GetProductByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.respondError(w, "get product", err)
		return
	}
	httpx.JSON(w, http.StatusOK, productResponseFrom(product))
}

func (h *Handler) handleListLayers(w http.ResponseWriter, r *http.Request) {
	product, err := h.service.GetProductByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.respondError(w, "get product", err)
		return
	}
	layers, err := h.service.ListLayers(r.Context(), product.ID)
	if err != nil {
		h.respondError(w, "list layers", err)
		return
	}
	out := make([]layerResponse, 0, len(layers))
	for _, layer := range layers {
		out = append(out, layerResponse{
			ID:           layer.ID,
			Quantity:     layer.Quantity.String(),
			UnitCost:     layer.UnitCost.StringFixed(2),
			RemainingQty: layer.RemainingQty.String(),
			SourceType:   layer.SourceType,
			SourceID:     layer.SourceID.String(),
			ReceivedAt:   layer.ReceivedAt.UTC().Format(time.RFC3339),
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleListConsumptions(w http.ResponseWriter, r *http.Request) {
	product, err := h.service.GetProductByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.respondError(w, "get product", err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.service.ListConsumptions(r.Context(), product.ID, limit)
	if err != nil {
		h.respondError(w, "list consumptions", err)
		return
	}
	out := make([]consumptionResponse, 0, len(records))
	for _, record := range records {
		out = append(out, consumptionResponse{
			ID:         record.ID,
			LayerID:    record.LayerID,
			Quantity:   record.Quantity.String(),
			UnitCost:   record.UnitCost.StringFixed(2),
			SourceType: record.SourceType,
			SourceID:   record.SourceID.String(),
			ConsumedAt: record.ConsumedAt.UTC().Format(time.RFC3339),
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

type productResponse struct {
	ID     int64  `json:"id"`
	Code   string `json:"code"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	OnHand string `json:"on_hand"`
}

func productResponseFrom(p Product) productResponse {
	return productResponse{
		ID:     p.ID,
		Code:   p.Code,
		Name:   p.Name,
		Active: p.Active,
		OnHand: p.OnHand.String(),
	}
}

type layerResponse struct {
	ID           int64  `json:"id"`
	Quantity     string `json:"quantity"`
	UnitCost     string `json:"unit_cost"`
	RemainingQty string `json:"remaining_qty"`
	SourceType   string `json:"source_type"`
	SourceID     string `json:"source_id"`
	ReceivedAt   string `json:"received_at"`
}

type consumptionResponse struct {
	ID         int64  `json:"id"`
	LayerID    int64  `json:"layer_id"`
	Quantity   string `json:"quantity"`
	UnitCost   string `json:"unit_cost"`
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	ConsumedAt string `json:"consumed_at"`
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrLayerNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error(op+" failed", "error", err)
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
