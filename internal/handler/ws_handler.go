package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"consignment-sync-server/internal/service"
	"consignment-sync-server/internal/websocket"
	"consignment-sync-server/pkg/jwt"
	"consignment-sync-server/pkg/response"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

type WebSocketHandler struct {
	manager   *websocket.Manager
	jwtSecret string
	upgrader  ws.Upgrader
	logger    *slog.Logger
}

func NewWebSocketHandler(manager *websocket.Manager, jwtSecret string, readBuffer, writeBuffer int, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager:   manager,
		jwtSecret: jwtSecret,
		upgrader: ws.Upgrader{
			ReadBufferSize:  readBuffer,
			WriteBufferSize: writeBuffer,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// HandleConnection upgrades an operator's dashboard connection. Browsers
// cannot set headers on a websocket handshake, so the token may also come in
// the query string.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		if len(token) > 7 && strings.EqualFold(token[:7], "Bearer ") {
			token = token[7:]
		}
	}
	if token == "" {
		response.Unauthorized(w, "Missing authorization token")
		return
	}

	claims, err := jwt.ValidateToken(token, h.jwtSecret)
	if err != nil {
		h.logger.Debug("dashboard token rejected", slog.String("error", err.Error()))
		response.Unauthorized(w, "Invalid or expired token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := websocket.NewClient(uuid.New().String(), claims.OperatorID, conn, h.manager)
	if !h.manager.Join(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// DashboardMessageHandler answers requests sent by dashboard clients.
type DashboardMessageHandler struct {
	manager   *websocket.Manager
	conflicts *service.ConflictService
}

func NewDashboardMessageHandler(manager *websocket.Manager, conflicts *service.ConflictService) *DashboardMessageHandler {
	return &DashboardMessageHandler{
		manager:   manager,
		conflicts: conflicts,
	}
}

func (h *DashboardMessageHandler) HandleWebSocketMessage(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	switch msg.Type {
	case websocket.TypeSummaryRequest:
		summary, err := h.conflicts.GetSummary(ctx)
		if err != nil {
			h.reply(client, websocket.TypeError, websocket.ErrorPayload{Code: response.CodeInternal, Message: "summary unavailable"})
			return err
		}
		return h.reply(client, websocket.TypeConflictSummary, summary)

	case websocket.TypePing:
		return h.reply(client, websocket.TypePong, nil)

	default:
		return h.reply(client, websocket.TypeError, websocket.ErrorPayload{Code: "unknown_type", Message: "unknown message type " + string(msg.Type)})
	}
}

func (h *DashboardMessageHandler) reply(client *websocket.Client, msgType websocket.MessageType, payload interface{}) error {
	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return h.manager.SendToClient(client.ID, msg)
}
