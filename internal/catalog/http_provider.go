package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"consignment-sync-server/internal/domain"
	"consignment-sync-server/internal/metrics"

	"golang.org/x/time/rate"
)

type HTTPProviderConfig struct {
	BaseURL           string
	AccessToken       string
	APIVersion        string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// HTTPProvider talks to a Square-style catalog REST API. Every call waits on
// the rate limiter and runs under the configured timeout.
type HTTPProvider struct {
	baseURL     string
	accessToken string
	apiVersion  string
	timeout     time.Duration
	client      *http.Client
	limiter     *rate.Limiter
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func NewHTTPProvider(cfg HTTPProviderConfig, m *metrics.Metrics, logger *slog.Logger) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &HTTPProvider{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		accessToken: cfg.AccessToken,
		apiVersion:  cfg.APIVersion,
		timeout:     cfg.Timeout,
		client:      &http.Client{},
		limiter:     rate.NewLimiter(limit, cfg.Burst),
		metrics:     m,
		logger:      logger,
	}
}

type errorEnvelope struct {
	Errors []domain.ProviderErrorDetail `json:"errors"`
}

func (p *HTTPProvider) UpsertObject(ctx context.Context, idempotencyKey string, object CatalogObject) (*CatalogObject, error) {
	payload := map[string]interface{}{
		"idempotency_key": idempotencyKey,
		"object":          object,
	}
	var out struct {
		CatalogObject *CatalogObject `json:"catalog_object"`
	}
	if _, err := p.doJSON(ctx, "upsert_object", http.MethodPost, "/v2/catalog/object", payload, &out); err != nil {
		return nil, err
	}
	return out.CatalogObject, nil
}

func (p *HTTPProvider) RetrieveObject(ctx context.Context, objectID string) (*CatalogObject, error) {
	var out struct {
		Object *CatalogObject `json:"object"`
	}
	path := "/v2/catalog/object/" + url.PathEscape(objectID)
	status, err := p.doJSON(ctx, "retrieve_object", http.MethodGet, path, nil, &out)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if out.Object != nil && out.Object.IsDeleted {
		return nil, nil
	}
	return out.Object, nil
}

func (p *HTTPProvider) DeleteObject(ctx context.Context, objectID string) error {
	path := "/v2/catalog/object/" + url.PathEscape(objectID)
	_, err := p.doJSON(ctx, "delete_object", http.MethodDelete, path, nil, nil)
	return err
}

func (p *HTTPProvider) CreateImage(ctx context.Context, idempotencyKey string, upload ImageUpload) (*CatalogObject, error) {
	request := map[string]interface{}{
		"idempotency_key": idempotencyKey,
		"object_id":       upload.ObjectID,
		"is_primary":      upload.IsPrimary,
		"image": CatalogObject{
			Type:      ObjectTypeImage,
			ID:        "#image",
			ImageData: &ImageData{Name: upload.Filename},
		},
	}
	requestJSON, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	reqHeader := make(textproto.MIMEHeader)
	reqHeader.Set("Content-Disposition", `form-data; name="request"`)
	reqHeader.Set("Content-Type", "application/json")
	part, err := mw.CreatePart(reqHeader)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(requestJSON); err != nil {
		return nil, err
	}

	filePart, err := mw.CreateFormFile("image_file", upload.Filename)
	if err != nil {
		return nil, err
	}
	if _, err := filePart.Write(upload.Data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out struct {
		Image *CatalogObject `json:"image"`
	}
	if _, err := p.do(ctx, "create_image", http.MethodPost, "/v2/catalog/images", &body, mw.FormDataContentType(), &out); err != nil {
		return nil, err
	}
	return out.Image, nil
}

func (p *HTTPProvider) BatchChangeInventory(ctx context.Context, idempotencyKey string, changes []InventoryChange) error {
	payload := map[string]interface{}{
		"idempotency_key":         idempotencyKey,
		"changes":                 changes,
		"ignore_unchanged_counts": true,
	}
	_, err := p.doJSON(ctx, "batch_change_inventory", http.MethodPost, "/v2/inventory/changes/batch-create", payload, nil)
	return err
}

func (p *HTTPProvider) BatchRetrieveCounts(ctx context.Context, objectIDs, locationIDs []string, states []InventoryState) ([]InventoryCount, error) {
	var counts []InventoryCount
	cursor := ""
	for {
		payload := map[string]interface{}{
			"catalog_object_ids": objectIDs,
			"location_ids":       locationIDs,
		}
		if len(states) > 0 {
			payload["states"] = states
		}
		if cursor != "" {
			payload["cursor"] = cursor
		}

		var out struct {
			Counts []InventoryCount `json:"counts"`
			Cursor string           `json:"cursor"`
		}
		if _, err := p.doJSON(ctx, "batch_retrieve_counts", http.MethodPost, "/v2/inventory/counts/batch-retrieve", payload, &out); err != nil {
			return nil, err
		}
		counts = append(counts, out.Counts...)
		if out.Cursor == "" {
			return counts, nil
		}
		cursor = out.Cursor
	}
}

func (p *HTTPProvider) ListLocations(ctx context.Context) ([]Location, error) {
	var out struct {
		Locations []Location `json:"locations"`
	}
	if _, err := p.doJSON(ctx, "list_locations", http.MethodGet, "/v2/locations", nil, &out); err != nil {
		return nil, err
	}
	return out.Locations, nil
}

func (p *HTTPProvider) doJSON(ctx context.Context, op, method, path string, payload, out interface{}) (int, error) {
	var body io.Reader
	contentType := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return p.do(ctx, op, method, path, body, contentType, out)
}

func (p *HTTPProvider) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, out interface{}) (status int, err error) {
	started := time.Now()
	defer func() {
		p.metrics.ObserveProviderCall(op, started, err)
	}()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%s: rate limiter: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.accessToken)
	req.Header.Set("Accept", "application/json")
	if p.apiVersion != "" {
		req.Header.Set("Square-Version", p.apiVersion)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s: read response: %w", op, err)
	}

	var envelope errorEnvelope
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &envelope)
	}

	if resp.StatusCode >= 300 || len(envelope.Errors) > 0 {
		p.logger.Debug("provider rejected request",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
			slog.Int("errors", len(envelope.Errors)),
		)
		return resp.StatusCode, &domain.ExternalAPIError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Details:    envelope.Errors,
		}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, &domain.InvariantViolation{Op: op, Reason: "undecodable response body: " + err.Error()}
		}
	}
	return resp.StatusCode, nil
}
