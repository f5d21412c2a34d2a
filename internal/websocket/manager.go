package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"consignment-sync-server/internal/domain"
)

type ClientMessage struct {
	Client  *Client
	Message []byte
}

// Manager is the dashboard hub. Every connected operator session receives
// the conflict summary whenever it changes.
type Manager struct {
	clients            map[string]*Client
	operatorIndex      map[string]map[string]bool
	clientsMutex       sync.RWMutex
	Register           chan *Client
	Unregister         chan *Client
	HandleMessage      chan *ClientMessage
	maxConnPerOperator int
	writeWait          time.Duration
	pongWait           time.Duration
	pingPeriod         time.Duration
	messageHandler     MessageHandler
	done               chan struct{}
	logger             *slog.Logger
}

type MessageHandler interface {
	HandleWebSocketMessage(ctx context.Context, client *Client, msg *Message) error
}

func NewManager(maxConnPerOperator int, writeWait, pongWait, pingPeriod time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		clients:            make(map[string]*Client),
		operatorIndex:      make(map[string]map[string]bool),
		Register:           make(chan *Client),
		Unregister:         make(chan *Client),
		HandleMessage:      make(chan *ClientMessage),
		maxConnPerOperator: maxConnPerOperator,
		writeWait:          writeWait,
		pongWait:           pongWait,
		pingPeriod:         pingPeriod,
		done:               make(chan struct{}),
		logger:             logger,
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

// Run serves registrations and inbound messages until ctx is done, then
// closes every connection.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)

		case clientMsg := <-m.HandleMessage:
			m.processMessage(ctx, clientMsg)

		case <-ctx.Done():
			close(m.done)
			m.closeAll()
			return
		}
	}
}

// Join hands a new connection to the hub. It reports false once the hub
// has stopped.
func (m *Manager) Join(client *Client) bool {
	select {
	case m.Register <- client:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) leave(client *Client) {
	select {
	case m.Unregister <- client:
	case <-m.done:
	}
}

func (m *Manager) dispatch(msg *ClientMessage) bool {
	select {
	case m.HandleMessage <- msg:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if m.operatorIndex[client.OperatorID] == nil {
		m.operatorIndex[client.OperatorID] = make(map[string]bool)
	}

	if m.maxConnPerOperator > 0 && len(m.operatorIndex[client.OperatorID]) >= m.maxConnPerOperator {
		m.logger.Warn("max dashboard connections reached", slog.String("operator_id", client.OperatorID))
		close(client.Send)
		return
	}

	m.clients[client.ID] = client
	m.operatorIndex[client.OperatorID][client.ID] = true

	m.logger.Info("dashboard client registered",
		slog.String("client_id", client.ID),
		slog.String("operator_id", client.OperatorID),
	)
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()
	m.removeLocked(client)
}

func (m *Manager) removeLocked(client *Client) {
	if _, ok := m.clients[client.ID]; !ok {
		return
	}
	delete(m.clients, client.ID)
	delete(m.operatorIndex[client.OperatorID], client.ID)
	if len(m.operatorIndex[client.OperatorID]) == 0 {
		delete(m.operatorIndex, client.OperatorID)
	}
	close(client.Send)
	m.logger.Info("dashboard client unregistered", slog.String("client_id", client.ID))
}

func (m *Manager) closeAll() {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()
	for _, client := range m.clients {
		m.removeLocked(client)
	}
}

func (m *Manager) processMessage(ctx context.Context, clientMsg *ClientMessage) {
	var msg Message
	if err := json.Unmarshal(clientMsg.Message, &msg); err != nil {
		m.logger.Debug("unreadable dashboard message", slog.String("error", err.Error()))
		return
	}

	if m.messageHandler != nil {
		if err := m.messageHandler.HandleWebSocketMessage(ctx, clientMsg.Client, &msg); err != nil {
			m.logger.Warn("dashboard message failed",
				slog.String("type", string(msg.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Broadcast sends message to every connected client. A client whose buffer
// is full is dropped.
func (m *Manager) Broadcast(message *Message) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	var slow []*Client
	m.clientsMutex.RLock()
	for _, client := range m.clients {
		select {
		case client.Send <- messageBytes:
		default:
			slow = append(slow, client)
		}
	}
	m.clientsMutex.RUnlock()

	for _, client := range slow {
		m.logger.Warn("dashboard client send buffer full, closing connection", slog.String("client_id", client.ID))
		m.unregisterClient(client)
	}
	return nil
}

// BroadcastConflictSummary pushes a fresh summary to every dashboard.
func (m *Manager) BroadcastConflictSummary(summary *domain.ConflictSummary) {
	message, err := NewMessage(TypeConflictSummary, summary)
	if err != nil {
		m.logger.Error("failed to encode conflict summary", slog.String("error", err.Error()))
		return
	}
	if err := m.Broadcast(message); err != nil {
		m.logger.Error("failed to broadcast conflict summary", slog.String("error", err.Error()))
	}
}

func (m *Manager) SendToClient(clientID string, message *Message) error {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	client, exists := m.clients[clientID]
	if !exists {
		return nil
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case client.Send <- messageBytes:
	default:
		m.logger.Warn("dashboard client send buffer full", slog.String("client_id", clientID))
	}
	return nil
}

func (m *Manager) OperatorConnections(operatorID string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.operatorIndex[operatorID])
}

func (m *Manager) ClientCount() int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.clients)
}
