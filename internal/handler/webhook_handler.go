package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"consignment-sync-server/internal/catalog"
	"consignment-sync-server/internal/domain"
	"consignment-sync-server/internal/service"
	"consignment-sync-server/pkg/response"
)

const (
	SignatureHeader = "X-Square-Hmacsha256-Signature"

	eventInventoryCountUpdated = "inventory.count.updated"
)

type WebhookHandler struct {
	sync            *service.SyncService
	signatureKey    string
	notificationURL string
	logger          *slog.Logger
}

func NewWebhookHandler(sync *service.SyncService, signatureKey, notificationURL string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		sync:            sync,
		signatureKey:    signatureKey,
		notificationURL: notificationURL,
		logger:          logger,
	}
}

type webhookEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	Data    struct {
		Object struct {
			InventoryCounts []catalog.InventoryCount `json:"inventory_counts"`
		} `json:"object"`
	} `json:"data"`
}

// Catalog receives catalog notifications. Inventory count updates are fed to
// the sync service; every other event type is acknowledged and dropped.
// Without a signature key nothing is accepted.
func (h *WebhookHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	if h.signatureKey == "" {
		writeError(w, r, h.logger, &domain.ConfigurationError{Reason: "webhook signature key is not configured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		response.BadRequest(w, "Failed to read body")
		return
	}

	if !VerifySignature(h.signatureKey, h.notificationURL, body, r.Header.Get(SignatureHeader)) {
		h.logger.Warn("webhook signature rejected", slog.String("remote_addr", r.RemoteAddr))
		response.Unauthorized(w, "Invalid signature")
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		response.BadRequest(w, "Invalid event payload")
		return
	}

	if event.Type != eventInventoryCountUpdated {
		h.logger.Debug("webhook event ignored", slog.String("type", event.Type), slog.String("event_id", event.EventID))
		response.Success(w, map[string]interface{}{"applied": 0, "conflicts": 0})
		return
	}

	applied, conflicts := 0, 0
	for _, raw := range event.Data.Object.InventoryCounts {
		if raw.State != catalog.StateInStock {
			continue
		}
		count, err := catalog.ParseCount(raw)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}

		found, err := h.sync.ApplyInventoryEvent(r.Context(), service.InventoryEvent{
			VariationID: count.VariationID,
			LocationID:  count.LocationID,
			Quantity:    count.Quantity,
		})
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		applied++
		conflicts += len(found)
	}

	h.logger.Info("inventory webhook applied",
		slog.String("event_id", event.EventID),
		slog.Int("counts", applied),
		slog.Int("conflicts", conflicts),
	)
	response.Success(w, map[string]interface{}{"applied": applied, "conflicts": conflicts})
}

// VerifySignature checks a base64 HMAC-SHA256 of the notification URL
// followed by the raw body.
func VerifySignature(key, notificationURL string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	expected := Sign(key, notificationURL, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func Sign(key, notificationURL string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(notificationURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
