package handler

import (
	"log/slog"
	"net/http"

	"consignment-sync-server/internal/domain"
	"consignment-sync-server/internal/service"
	"consignment-sync-server/pkg/response"

	"github.com/gorilla/mux"
)

type InventoryHandler struct {
	products *service.ProductService
	logger   *slog.Logger
}

func NewInventoryHandler(products *service.ProductService, logger *slog.Logger) *InventoryHandler {
	return &InventoryHandler{products: products, logger: logger}
}

type setQuantityRequest struct {
	Quantity *int64 `json:"quantity" validate:"required,gte=0"`
}

type adjustQuantityRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason" validate:"max=200"`
}

type recordSaleRequest struct {
	Quantity int64 `json:"quantity" validate:"gte=1"`
}

func (h *InventoryHandler) SetQuantity(w http.ResponseWriter, r *http.Request) {
	var req setQuantityRequest
	if !h.bind(w, r, &req) {
		return
	}

	product, err := h.products.SetQuantity(r.Context(), mux.Vars(r)["id"], *req.Quantity)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	response.Success(w, product)
}

func (h *InventoryHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustQuantityRequest
	if !h.bind(w, r, &req) {
		return
	}

	product, err := h.products.AdjustQuantity(r.Context(), mux.Vars(r)["id"], req.Delta, req.Reason)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	response.Success(w, product)
}

func (h *InventoryHandler) RecordSale(w http.ResponseWriter, r *http.Request) {
	var req recordSaleRequest
	if !h.bind(w, r, &req) {
		return
	}

	product, err := h.products.RecordSale(r.Context(), mux.Vars(r)["id"], req.Quantity)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	response.Success(w, product)
}

func (h *InventoryHandler) bind(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := decodeJSON(r, v); err != nil {
		writeError(w, r, h.logger, err)
		return false
	}
	if err := domain.ValidateStruct(v); err != nil {
		writeError(w, r, h.logger, err)
		return false
	}
	return true
}
