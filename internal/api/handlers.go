package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ConvoPilot/ConvoPilot/internal/flow"
	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// agentRequest is the management payload for creating or replacing an agent
// together with its flow steps.
type agentRequest struct {
	models.Agent
	Steps []models.AgentFlowStep `json:"steps"`
}

// agentsHandler creates agents (POST) and lists a business's agents (GET).
func (s *Server) agentsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createAgent(w, r)
	case http.MethodGet:
		s.listAgents(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}

// createAgent validates the flow graph before anything is persisted so a
// broken graph never becomes routable.
func (s *Server) createAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON payload"))
		return
	}
	if req.BusinessID == "" || req.Name == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("business_id and name are required"))
		return
	}
	if err := flow.ValidateFlow(req.Steps); err != nil {
		slog.Warn("Server rejecting agent with invalid flow", "business", req.BusinessID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow: "+err.Error()))
		return
	}
	if req.Status == "" {
		req.Status = models.AgentStatusDraft
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if err := s.store.SaveAgent(r.Context(), req.Agent); err != nil {
		slog.Error("Server failed to save agent", "error", err, "business", req.BusinessID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save agent"))
		return
	}
	for i := range req.Steps {
		req.Steps[i].AgentID = req.Agent.ID
		if err := s.store.SaveStep(r.Context(), req.Steps[i]); err != nil {
			slog.Error("Server failed to save flow step", "error", err, "agent", req.Agent.ID, "step", req.Steps[i].Key)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow step"))
			return
		}
	}

	slog.Info("Server saved agent", "agent", req.Agent.ID, "business", req.BusinessID, "steps", len(req.Steps))
	writeJSONResponse(w, http.StatusCreated, models.Success(req.Agent))
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("business_id query parameter is required"))
		return
	}

	agents, err := s.store.FindAgentsByBusiness(r.Context(), businessID)
	if err != nil {
		slog.Error("Server failed to list agents", "error", err, "business", businessID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list agents"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(agents))
}

// broadcastsHandler creates or replaces broadcast definitions.
func (s *Server) broadcastsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	var broadcast models.Broadcast
	if err := json.NewDecoder(r.Body).Decode(&broadcast); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON payload"))
		return
	}
	if broadcast.BusinessID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("business_id is required"))
		return
	}
	if broadcast.ID == "" {
		broadcast.ID = uuid.NewString()
	}
	for _, m := range broadcast.Mapping {
		if m.AgentID == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("every mapping entry needs an agent_id"))
			return
		}
	}

	if err := s.store.SaveBroadcast(r.Context(), broadcast); err != nil {
		slog.Error("Server failed to save broadcast", "error", err, "business", broadcast.BusinessID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save broadcast"))
		return
	}
	slog.Info("Server saved broadcast", "broadcast", broadcast.ID, "business", broadcast.BusinessID)
	writeJSONResponse(w, http.StatusCreated, models.Success(broadcast))
}

// conversationEventsHandler serves GET /conversations/{id}/events.
func (s *Server) conversationEventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/conversations/")
	id, tail, found := strings.Cut(rest, "/")
	if !found || id == "" || tail != "events" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}

	conv, err := s.store.FindConversation(r.Context(), id)
	if err != nil {
		slog.Error("Server failed to load conversation", "error", err, "conversation", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}

	events, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		slog.Error("Server failed to list conversation events", "error", err, "conversation", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list events"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(events))
}
