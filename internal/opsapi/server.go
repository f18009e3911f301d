package opsapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/CLIAIMONITOR/internal/coordinator"
	"github.com/CLIAIMONITOR/internal/types"
)

// escalationHistoryLimit bounds the in-memory escalation ring buffer the
// operator surface keeps for the /api/escalations endpoint.
const escalationHistoryLimit = 200

// Server is the read-only HTTP + WebSocket operator surface over a
// Coordinator, grounded on internal/server/server.go's setupRoutes pattern.
type Server struct {
	coord  *coordinator.Coordinator
	router *mux.Router
	ws     *broadcaster
	http   *http.Server

	escalations []types.EscalationInfo
}

// New wires an operator surface around coord. Call ListenAndServe to start
// it; it subscribes itself to coord's callbacks via SetHandlers, chaining
// onto any handlers already registered — callers that also need their own
// callbacks should register them before calling New, since a later
// SetHandlers call replaces this relay.
func New(coord *coordinator.Coordinator, addr string) *Server {
	s := &Server{
		coord: coord,
		ws:    newBroadcaster(),
	}
	s.wireCallbacks()
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// wireCallbacks chains the operator surface onto the coordinator's existing
// handlers so both the caller's own callbacks and the WS relay fire.
func (s *Server) wireCallbacks() {
	prior := s.coord.Handlers()
	s.coord.SetHandlers(coordinator.Handlers{
		OnTaskComplete: func(task *types.Task, result types.TaskResult) {
			if prior.OnTaskComplete != nil {
				prior.OnTaskComplete(task, result)
			}
			s.ws.event(EventTaskComplete, task)
		},
		OnTaskFailed: func(task *types.Task, result types.TaskResult) {
			if prior.OnTaskFailed != nil {
				prior.OnTaskFailed(task, result)
			}
			s.ws.event(EventTaskFailed, task)
		},
		OnToolCall: func(agentID, taskID string, tool types.ToolUse) {
			if prior.OnToolCall != nil {
				prior.OnToolCall(agentID, taskID, tool)
			}
			s.ws.event(EventToolCall, map[string]interface{}{
				"agentId": agentID, "taskId": taskID, "tool": tool,
			})
		},
		OnAgentDead: func(agentID string) {
			if prior.OnAgentDead != nil {
				prior.OnAgentDead(agentID)
			}
			s.ws.event(EventAgentDead, map[string]string{"agentId": agentID})
		},
		OnEscalation: func(info types.EscalationInfo) {
			if prior.OnEscalation != nil {
				prior.OnEscalation(info)
			}
			s.recordEscalation(info)
			s.ws.event(EventEscalation, info)
		},
	})
}

func (s *Server) recordEscalation(info types.EscalationInfo) {
	s.escalations = append(s.escalations, info)
	if len(s.escalations) > escalationHistoryLimit {
		s.escalations = s.escalations[len(s.escalations)-escalationHistoryLimit:]
	}
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(securityHeadersMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/escalations", s.handleEscalations).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handleTaskDetail).Methods(http.MethodGet)
	api.HandleFunc("/ws-stats", s.handleWSStats).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// ListenAndServe starts the HTTP listener; it blocks until the server
// stops or fails. Shutdown stops it gracefully.
func (s *Server) ListenAndServe() error {
	log.Printf("[OPSAPI] listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
