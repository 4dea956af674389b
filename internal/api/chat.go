package api

import (
	"errors"
	"net/http"

	"github.com/nugget/colloquy/internal/chat"
)

// sendRequest is the body of POST /v1/chat/send. tool_selection is
// accepted as an older name for strategy.
type sendRequest struct {
	Message        string `json:"message"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	Strategy       string `json:"strategy,omitempty"`
	ToolSelection  string `json:"tool_selection,omitempty"`
	Model          string `json:"model,omitempty"`
}

// regenerateRequest is the body of POST /v1/chat/regenerate.
type regenerateRequest struct {
	MessageID int64  `json:"message_id"`
	Model     string `json:"model,omitempty"`
}

// modelEntry is one choice offered to chat clients: an installed model
// or a strategy that behaves like one.
type modelEntry struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

var strategyEntries = []modelEntry{
	{Name: "auto", Type: "tool", Description: "AI automatically decides when to use internet search"},
	{Name: "internet", Type: "tool", Description: "Direct internet search"},
}

func chatStatus(k chat.Kind) int {
	switch k {
	case chat.KindNotFound:
		return http.StatusNotFound
	case chat.KindForbidden:
		return http.StatusForbidden
	case chat.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// chatError answers with the turn error's public message. Causes stay
// in the logs the chat service already wrote.
func (s *Server) chatError(w http.ResponseWriter, err error) {
	var ce *chat.Error
	if !errors.As(err, &ce) {
		s.errorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.errorResponse(w, chatStatus(ce.Kind), ce.Message)
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = req.ToolSelection
	}

	resp, err := s.chat.Send(r.Context(), chat.SendRequest{
		UserID:         currentUser(r).ID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Strategy:       strategy,
		Model:          req.Model,
	})
	if err != nil {
		s.chatError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleChatRegenerate(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.MessageID <= 0 {
		s.errorResponse(w, http.StatusBadRequest, "message_id is required")
		return
	}

	resp, err := s.chat.Regenerate(r.Context(), chat.RegenerateRequest{
		UserID:    currentUser(r).ID,
		MessageID: req.MessageID,
		Model:     req.Model,
	})
	if err != nil {
		s.chatError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "generation runtime not configured")
		return
	}

	names, err := s.models.ListModels(r.Context())
	if err != nil {
		s.logger.Warn("model listing failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "failed to get available models")
		return
	}

	entries := make([]modelEntry, 0, len(names)+len(strategyEntries))
	for _, n := range names {
		entries = append(entries, modelEntry{Name: n, Type: "ollama"})
	}
	entries = append(entries, strategyEntries...)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"models":           entries,
		"default_model":    s.defaultModel,
		"default_strategy": chat.StrategyNone,
	}, s.logger)
}
