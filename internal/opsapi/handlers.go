package opsapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/CLIAIMONITOR/internal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleSnapshot returns the coordinator's read-only pool projection.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.coord.PoolSnapshot()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, snap)
}

// handleEscalations returns the escalation history accumulated since the
// operator surface started.
func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, map[string]interface{}{
		"escalations": s.escalations,
	})
}

// handleTaskDetail returns a single task's stored state.
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.coord.TaskDetail(id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "task not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, task)
}

// handleWebSocket upgrades to a streaming relay of the coordinator's five
// typed callbacks.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientSendBuffer)}
	s.ws.add(c)

	go c.writePump()
	go c.readPump(s.ws)
}

// handleWSStats reports the WebSocket relay's live client count and how
// many consoles have been dropped for falling behind on broadcasts.
func (s *Server) handleWSStats(w http.ResponseWriter, r *http.Request) {
	clients, dropped := s.ws.stats()
	s.respondJSON(w, map[string]interface{}{
		"clients": clients,
		"dropped": dropped,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
