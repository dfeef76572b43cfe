package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/events"
	"github.com/ariana-dot-dev/ariana/internal/events/bus"
	ws "github.com/ariana-dot-dev/ariana/pkg/websocket"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("create logger: %v", err)
	}
	return log
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return NewHub(ws.NewDispatcher(), testLogger(t))
}

// addClient wires a client straight into the hub maps, bypassing the Run
// loop so tests stay synchronous.
func addClient(h *Hub, id string) *Client {
	c := NewClient(id, nil, h, h.logger)
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	return c
}

func receive(t *testing.T, c *Client) *ws.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return &msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestBroadcastToAgentOnlyReachesSubscribers(t *testing.T) {
	h := newTestHub(t)
	subscribed := addClient(h, "c1")
	other := addClient(h, "c2")
	h.SubscribeToAgent(subscribed, "agent-1")

	msg, _ := ws.NewNotification(ws.ActionAgentStateChanged, map[string]interface{}{"agent_id": "agent-1"})
	h.BroadcastToAgent("agent-1", msg)

	got := receive(t, subscribed)
	if got.Action != ws.ActionAgentStateChanged {
		t.Errorf("action = %s", got.Action)
	}
	select {
	case <-other.send:
		t.Error("unsubscribed client received agent-scoped message")
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newTestHub(t)
	c := addClient(h, "c1")
	h.SubscribeToAgent(c, "agent-1")
	h.UnsubscribeFromAgent(c, "agent-1")

	msg, _ := ws.NewNotification(ws.ActionAgentStateChanged, map[string]interface{}{"agent_id": "agent-1"})
	h.BroadcastToAgent("agent-1", msg)

	select {
	case <-c.send:
		t.Error("message delivered after unsubscribe")
	default:
	}
}

func TestBusEventsReachAgentSubscribers(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	h := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	RegisterAgentNotifications(ctx, eventBus, h, log)

	c := addClient(h, "c1")
	h.SubscribeToAgent(c, "agent-1")

	event := bus.NewEvent(events.AgentStateChanged, "test", map[string]interface{}{
		"agent_id": "agent-1",
		"from":     "IDLE",
		"to":       "RUNNING",
	})
	if err := eventBus.Publish(ctx, events.BuildAgentStateSubject("agent-1"), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := receive(t, c)
	if got.Action != ws.ActionAgentStateChanged {
		t.Errorf("action = %s, want agent.state_changed", got.Action)
	}
	var payload map[string]interface{}
	if err := got.ParsePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload["to"] != "RUNNING" {
		t.Errorf("payload = %v", payload)
	}
}

func TestContextCompactionRemapsAction(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	h := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	RegisterAgentNotifications(ctx, eventBus, h, log)

	c := addClient(h, "c1")
	h.SubscribeToAgent(c, "agent-1")

	event := bus.NewEvent(events.ContextCompacted, "test", map[string]interface{}{"agent_id": "agent-1"})
	if err := eventBus.Publish(ctx, events.BuildContextWarningSubject("agent-1"), event); err != nil {
		t.Fatal(err)
	}

	got := receive(t, c)
	if got.Action != ws.ActionContextCompacted {
		t.Errorf("action = %s, want context.compacted", got.Action)
	}
}
