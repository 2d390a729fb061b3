// Package stream provides the pub/sub push layer: a server-side hub fanning
// events out to open connections, and a reconnecting consumer client.
package stream

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lukaswerner/displaywatch/internal/model"
)

// Sink receives pushed events. A Send error marks the sink dead; the hub
// removes it and never retries.
type Sink interface {
	Send(ev model.StreamEvent) error
}

// Hub maps display ids to sets of open sinks and fans events out to them.
// The empty display id is the global channel; global sinks additionally
// receive every per-display event.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]map[Sink]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Served behind the admin gateway which enforces auth.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: make(map[string]map[Sink]struct{}),
	}
}

// AddClient registers a sink under a display id ("" for the global channel).
func (h *Hub) AddClient(displayID string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[displayID]
	if !ok {
		set = make(map[Sink]struct{})
		h.clients[displayID] = set
	}
	set[s] = struct{}{}
}

// RemoveClient unregisters a sink; empty sets are deleted.
func (h *Hub) RemoveClient(displayID string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[displayID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.clients, displayID)
		}
	}
}

// ClientCount returns the number of sinks registered for a display id.
func (h *Hub) ClientCount(displayID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[displayID])
}

// Broadcast pushes an event to the sinks of one display and to the global
// channel. Iteration happens over a snapshot of the sink sets so concurrent
// add/remove during delivery is safe. Failed sinks are removed, never
// retried. Broadcasting to a display with no sinks is a no-op.
func (h *Hub) Broadcast(displayID, event string, payload map[string]any) {
	ev := model.StreamEvent{
		Event:     event,
		DisplayID: displayID,
		Payload:   payload,
		At:        time.Now().UTC(),
	}

	targets := h.snapshot(displayID)
	if displayID != "" {
		targets = append(targets, h.snapshot("")...)
	}

	for _, t := range targets {
		if err := t.sink.Send(ev); err != nil {
			slog.Warn("stream sink write failed, removing",
				"display_id", t.key, "event", event, "error", err)
			h.RemoveClient(t.key, t.sink)
		}
	}
}

// BroadcastGlobal pushes an event to the global channel only.
func (h *Hub) BroadcastGlobal(event string, payload map[string]any) {
	ev := model.StreamEvent{Event: event, Payload: payload, At: time.Now().UTC()}
	for _, t := range h.snapshot("") {
		if err := t.sink.Send(ev); err != nil {
			slog.Warn("stream sink write failed, removing", "event", event, "error", err)
			h.RemoveClient(t.key, t.sink)
		}
	}
}

type target struct {
	key  string
	sink Sink
}

func (h *Hub) snapshot(displayID string) []target {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[displayID]
	out := make([]target, 0, len(set))
	for s := range set {
		out = append(out, target{key: displayID, sink: s})
	}
	return out
}

// ServeWS upgrades an HTTP request to a websocket, registers it under the
// given display id and pushes a connected event. It returns once the
// connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, displayID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newWSClient(conn)
	h.AddClient(displayID, c)
	go c.writePump()

	_ = c.Send(model.StreamEvent{Event: model.EventConnected, At: time.Now().UTC()})

	c.readPump()
	h.RemoveClient(displayID, c)
	c.close()
}
