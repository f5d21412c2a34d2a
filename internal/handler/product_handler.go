package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"consignment-sync-server/internal/domain"
	"consignment-sync-server/internal/service"
	"consignment-sync-server/pkg/response"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

const maxImageBytes = 15 << 20

type ProductHandler struct {
	products *service.ProductService
	sync     *service.SyncService
	logger   *slog.Logger
}

func NewProductHandler(products *service.ProductService, sync *service.SyncService, logger *slog.Logger) *ProductHandler {
	return &ProductHandler{
		products: products,
		sync:     sync,
		logger:   logger,
	}
}

type createProductRequest struct {
	ArtistID             string               `json:"artist_id"`
	CategoryID           *string              `json:"category_id"`
	CustomCommissionRate *float64             `json:"custom_commission_rate"`
	Status               domain.ProductStatus `json:"status"`
	SecondaryListingID   *string              `json:"secondary_listing_id"`
	Name                 string               `json:"name"`
	Description          *string              `json:"description"`
	PriceCents           *int64               `json:"price_cents"`
	Price                *decimal.Decimal     `json:"price"`
	Quantity             *int64               `json:"quantity"`
	SKU                  string               `json:"sku"`
}

type updateCatalogRequest struct {
	ExpectedVersion *int64           `json:"expected_version"`
	Name            *string          `json:"name"`
	Description     *string          `json:"description"`
	PriceCents      *int64           `json:"price_cents"`
	Price           *decimal.Decimal `json:"price"`
	SKU             *string          `json:"sku"`
}

func (h *ProductHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	cents, err := centsFrom(req.PriceCents, req.Price)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if cents == nil {
		response.BadRequest(w, "price_cents or price is required")
		return
	}
	status := req.Status
	if status == "" {
		status = domain.ProductStatusDraft
	}

	product, err := h.products.Create(r.Context(), service.CreateProductInput{
		Local: domain.LocalFields{
			ArtistID:             req.ArtistID,
			CategoryID:           req.CategoryID,
			CustomCommissionRate: req.CustomCommissionRate,
			Status:               status,
			SecondaryListingID:   req.SecondaryListingID,
		},
		Name:           req.Name,
		Description:    req.Description,
		PriceCents:     *cents,
		Quantity:       req.Quantity,
		SKU:            req.SKU,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.Created(w, product)
}

func (h *ProductHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ProductFilter{
		ArtistID: q.Get("artist_id"),
		Status:   domain.ProductStatus(q.Get("status")),
	}

	products, err := h.products.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.Success(w, products)
}

// Get returns the stored product. With ?fresh=true a stale cache is
// refreshed from the catalog first.
func (h *ProductHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var (
		product *domain.Product
		err     error
	)
	if fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh")); fresh {
		product, err = h.sync.EnsureFresh(r.Context(), id)
	} else {
		product, err = h.products.Get(r.Context(), id)
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.Success(w, product)
}

// UpdateLocal patches local-owned fields. Any external-owned key in the body
// rejects the whole request.
func (h *ProductHandler) UpdateLocal(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	if err := domain.RejectExternalOwnedFields(keys); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var patch domain.LocalFieldsPatch
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		response.BadRequest(w, "Invalid request payload: "+err.Error())
		return
	}

	product, err := h.products.UpdateLocal(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.Success(w, product)
}

func (h *ProductHandler) UpdateCatalog(w http.ResponseWriter, r *http.Request) {
	var req updateCatalogRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	cents, err := centsFrom(req.PriceCents, req.Price)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	product, err := h.products.UpdateCatalog(r.Context(), mux.Vars(r)["id"], service.CatalogUpdateInput{
		ExpectedVersion: req.ExpectedVersion,
		Name:            req.Name,
		Description:     req.Description,
		PriceCents:      cents,
		SKU:             req.SKU,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.Success(w, product)
}

// UploadImage takes a multipart form with an "image" file and an optional
// "is_primary" flag.
func (h *ProductHandler) UploadImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes)
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		response.BadRequest(w, "Invalid multipart form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		response.BadRequest(w, "image file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		response.BadRequest(w, "Failed to read image")
		return
	}
	isPrimary, _ := strconv.ParseBool(r.FormValue("is_primary"))

	product, err := h.products.UploadImage(r.Context(), mux.Vars(r)["id"], data, header.Filename, isPrimary)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.Success(w, product)
}

func (h *ProductHandler) Discontinue(w http.ResponseWriter, r *http.Request) {
	product, err := h.products.Discontinue(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.Success(w, product)
}

func (h *ProductHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.products.DeleteDraft(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.NoContent(w)
}

func (h *ProductHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	result, err := h.sync.RefreshProduct(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.Success(w, result)
}

// centsFrom accepts either integer cents or a decimal amount in major units.
func centsFrom(cents *int64, amount *decimal.Decimal) (*int64, error) {
	if cents != nil && amount != nil {
		return nil, &domain.ValidationError{Field: "price", Reason: "send price_cents or price, not both"}
	}
	if amount == nil {
		return cents, nil
	}
	shifted := amount.Shift(2)
	if !shifted.IsInteger() {
		return nil, &domain.ValidationError{Field: "price", Reason: "more than two decimal places"}
	}
	v := shifted.IntPart()
	return &v, nil
}
