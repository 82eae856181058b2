// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianClamp/services/clamp/aggregate"
)

// EventSummary marks an event carrying a freshly accumulated summary.
const EventSummary = "summary"

// Event is pushed to websocket subscribers whenever the summary changes.
type Event struct {
	Type    string         `json:"type"`
	At      time.Time      `json:"at"`
	Path    string         `json:"path,omitempty"`
	Summary summaryPayload `json:"summary"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Hub fans summary events out to connected websocket clients.
//
//	Description:
//	  Broadcasts are serialized under the hub mutex, which also makes
//	  them safe against gorilla's single-writer rule. A client whose
//	  write fails is closed and dropped on the spot.
//
//	Thread Safety:
//	  All methods are safe for concurrent use.
type Hub struct {
	log     *slog.Logger
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (h *Hub) add(ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[ws] = struct{}{}
}

func (h *Hub) remove(ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, ws)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast writes the event to every connected client.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ws := range h.clients {
		if err := ws.WriteJSON(ev); err != nil {
			h.log.Info("websocket client dropped", "error", err.Error())
			ws.Close()
			delete(h.clients, ws)
		}
	}
}

// CloseAll disconnects every client. Shutdown does not reach hijacked
// connections, so the hub closes them itself.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ws := range h.clients {
		ws.Close()
		delete(h.clients, ws)
	}
}

// handleEvents upgrades the connection and streams summary events.
func (s *Server) handleEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("failed to upgrade the websocket", "error", err.Error())
		return
	}
	defer ws.Close()
	s.log.Info("websocket client connected", "remote", ws.RemoteAddr().String())

	// Send the current summary right away so clients do not sit empty
	// until the next accumulation. This write happens before the hub
	// registration, so it cannot race a broadcast.
	if summary, err := aggregate.LoadSummary(aggregate.SummaryPath(s.deps.Root)); err == nil {
		ev := Event{Type: EventSummary, At: time.Now().UTC(), Summary: toSummaryPayload(summary)}
		if err := ws.WriteJSON(ev); err != nil {
			return
		}
	}

	s.hub.add(ws)
	defer s.hub.remove(ws)

	// The read loop only exists to notice disconnects. Inbound
	// messages carry no meaning.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			s.log.Info("websocket client disconnected", "error", err.Error())
			return
		}
	}
}
