package handler

import (
	"net/http"

	"consignment-sync-server/internal/middleware"

	"github.com/gorilla/mux"
)

type Handlers struct {
	Products  *ProductHandler
	Inventory *InventoryHandler
	Conflicts *ConflictHandler
	Sync      *SyncHandler
	Webhooks  *WebhookHandler
	WebSocket *WebSocketHandler
	Metrics   http.Handler
}

// RegisterRoutes mounts the public routes and the operator API on r.
// Operator routes require a bearer token signed with jwtSecret.
func RegisterRoutes(r *mux.Router, h Handlers, jwtSecret string) {
	r.HandleFunc("/health", Health).Methods("GET")
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics).Methods("GET")
	}
	if h.Webhooks != nil {
		r.HandleFunc("/webhooks/catalog", h.Webhooks.Catalog).Methods("POST")
	}
	if h.WebSocket != nil {
		r.HandleFunc("/ws", h.WebSocket.HandleConnection)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AuthMiddleware(jwtSecret))

	api.HandleFunc("/products", h.Products.Create).Methods("POST", "OPTIONS")
	api.HandleFunc("/products", h.Products.List).Methods("GET", "OPTIONS")
	api.HandleFunc("/products/{id}", h.Products.Get).Methods("GET", "OPTIONS")
	api.HandleFunc("/products/{id}", h.Products.UpdateLocal).Methods("PATCH", "OPTIONS")
	api.HandleFunc("/products/{id}", h.Products.Delete).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/products/{id}/catalog", h.Products.UpdateCatalog).Methods("PUT", "OPTIONS")
	api.HandleFunc("/products/{id}/image", h.Products.UploadImage).Methods("POST", "OPTIONS")
	api.HandleFunc("/products/{id}/discontinue", h.Products.Discontinue).Methods("POST", "OPTIONS")
	api.HandleFunc("/products/{id}/refresh", h.Products.Refresh).Methods("POST", "OPTIONS")

	api.HandleFunc("/products/{id}/inventory", h.Inventory.SetQuantity).Methods("PUT", "OPTIONS")
	api.HandleFunc("/products/{id}/inventory/adjust", h.Inventory.Adjust).Methods("POST", "OPTIONS")
	api.HandleFunc("/products/{id}/sales", h.Inventory.RecordSale).Methods("POST", "OPTIONS")

	api.HandleFunc("/conflicts", h.Conflicts.List).Methods("GET", "OPTIONS")
	api.HandleFunc("/conflicts/summary", h.Conflicts.Summary).Methods("GET", "OPTIONS")
	api.HandleFunc("/conflicts/{id}", h.Conflicts.Get).Methods("GET", "OPTIONS")
	api.HandleFunc("/conflicts/{id}/resolve", h.Conflicts.Resolve).Methods("POST", "OPTIONS")
	api.HandleFunc("/conflicts/{id}/ignore", h.Conflicts.Ignore).Methods("POST", "OPTIONS")

	api.HandleFunc("/sync/refresh-stale", h.Sync.RefreshStale).Methods("POST", "OPTIONS")
}

func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"consignment-sync-server"}`))
}
