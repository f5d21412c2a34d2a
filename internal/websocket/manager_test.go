package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"consignment-sync-server/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(maxConn int) *Manager {
	return NewManager(maxConn, time.Second, time.Minute, 30*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestClient(m *Manager, id, operator string) *Client {
	return NewClient(id, operator, nil, m)
}

func TestManager_BroadcastConflictSummary(t *testing.T) {
	m := newTestManager(3)
	a := newTestClient(m, "c1", "op-1")
	b := newTestClient(m, "c2", "op-2")
	m.registerClient(a)
	m.registerClient(b)

	summary := domain.NewConflictSummary()
	summary.Pending = 2
	summary.PendingByType[domain.ConflictPriceMismatch] = 2
	m.BroadcastConflictSummary(summary)

	for _, c := range []*Client{a, b} {
		select {
		case raw := <-c.Send:
			var msg Message
			require.NoError(t, json.Unmarshal(raw, &msg))
			assert.Equal(t, TypeConflictSummary, msg.Type)

			var got domain.ConflictSummary
			require.NoError(t, msg.UnmarshalPayload(&got))
			assert.Equal(t, 2, got.Pending)
			assert.Equal(t, 2, got.PendingByType[domain.ConflictPriceMismatch])
			assert.Equal(t, 0, got.PendingBySystem[domain.SystemMarketplace])
		default:
			t.Fatalf("client %s received nothing", c.ID)
		}
	}
}

func TestManager_MaxConnectionsPerOperator(t *testing.T) {
	m := newTestManager(1)
	first := newTestClient(m, "c1", "op-1")
	second := newTestClient(m, "c2", "op-1")

	m.registerClient(first)
	m.registerClient(second)

	assert.Equal(t, 1, m.OperatorConnections("op-1"))
	_, open := <-second.Send
	assert.False(t, open)
}

func TestManager_SlowClientDropped(t *testing.T) {
	m := newTestManager(0)
	slow := newTestClient(m, "c1", "op-1")
	m.registerClient(slow)

	for i := 0; i < cap(slow.Send); i++ {
		slow.Send <- []byte("{}")
	}
	msg, err := NewMessage(TypePong, nil)
	require.NoError(t, err)
	require.NoError(t, m.Broadcast(msg))

	assert.Zero(t, m.ClientCount())
	assert.Zero(t, m.OperatorConnections("op-1"))
}

func TestManager_UnregisterTwiceIsSafe(t *testing.T) {
	m := newTestManager(0)
	c := newTestClient(m, "c1", "op-1")
	m.registerClient(c)

	m.unregisterClient(c)
	assert.NotPanics(t, func() { m.unregisterClient(c) })
	assert.Zero(t, m.ClientCount())
}

type echoHandler struct {
	got chan MessageType
}

func (h *echoHandler) HandleWebSocketMessage(ctx context.Context, client *Client, msg *Message) error {
	h.got <- msg.Type
	return nil
}

func TestManager_RunDispatchesAndShutsDown(t *testing.T) {
	m := newTestManager(0)
	handler := &echoHandler{got: make(chan MessageType, 1)}
	m.SetMessageHandler(handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	c := newTestClient(m, "c1", "op-1")
	m.Register <- c
	m.HandleMessage <- &ClientMessage{Client: c, Message: []byte(`{"type":"summary_request"}`)}

	select {
	case typ := <-handler.got:
		assert.Equal(t, TypeSummaryRequest, typ)
	case <-time.After(time.Second):
		t.Fatal("message was not dispatched")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	_, open := <-c.Send
	assert.False(t, open)
	assert.False(t, m.Join(newTestClient(m, "c2", "op-1")))
}
