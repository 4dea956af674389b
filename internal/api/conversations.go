package api

import (
	"errors"
	"net/http"

	"github.com/nugget/colloquy/internal/export"
	"github.com/nugget/colloquy/internal/store"
)

// Listing bounds.
const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// conversationBody is the body of conversation create and update.
type conversationBody struct {
	Title string `json:"title"`
}

// conversationWithMessages is a conversation and its full transcript.
type conversationWithMessages struct {
	*store.Conversation
	Messages []store.Message `json:"messages"`
}

func listLimit(r *http.Request) (offset, limit int) {
	offset = parseIntParam(r, "offset", 0)
	limit = parseIntParam(r, "limit", defaultListLimit)
	if limit == 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	return offset, limit
}

// ownedConversation loads the conversation named by the {id} path
// value, answering 404 itself when it is missing or not the caller's.
func (s *Server) ownedConversation(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	id, ok := pathID(r, "id")
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid conversation id")
		return nil, false
	}
	conv, err := s.store.GetConversation(r.Context(), id, currentUser(r).ID)
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "Conversation not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("load conversation failed", "conversation_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return conv, true
}

// allMessages loads a conversation's transcript in order.
func (s *Server) allMessages(w http.ResponseWriter, r *http.Request, conv *store.Conversation) ([]store.Message, bool) {
	msgs, err := s.store.ListMessages(r.Context(), conv.ID, 0, 0)
	if err != nil {
		s.logger.Error("load messages failed", "conversation_id", conv.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return msgs, true
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	offset, limit := listLimit(r)
	convs, err := s.store.ListConversations(r.Context(), currentUser(r).ID, offset, limit)
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	}, s.logger)
}

func (s *Server) handleConversationCreate(w http.ResponseWriter, r *http.Request) {
	var req conversationBody
	if !s.decodeJSON(w, r, &req) {
		return
	}
	conv, err := s.store.CreateConversation(r.Context(), currentUser(r).ID, req.Title)
	if err != nil {
		s.logger.Error("create conversation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}
	msgs, ok := s.allMessages(w, r, conv)
	if !ok {
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conversationWithMessages{Conversation: conv, Messages: msgs}, s.logger)
}

func (s *Server) handleConversationUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	var req conversationBody
	if !s.decodeJSON(w, r, &req) {
		return
	}

	conv, err := s.store.UpdateConversationTitle(r.Context(), id, currentUser(r).ID, req.Title)
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("update conversation failed", "conversation_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	err := s.store.DeleteConversation(r.Context(), id, currentUser(r).ID)
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("delete conversation failed", "conversation_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.logger.Info("conversation deleted", "conversation_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}
	offset, limit := listLimit(r)
	msgs, err := s.store.ListMessages(r.Context(), conv.ID, offset, limit)
	if err != nil {
		s.logger.Error("list messages failed", "conversation_id", conv.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, msgs, s.logger)
}

func (s *Server) handleMessageDelete(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}
	msgID, ok := pathID(r, "messageID")
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid message id")
		return
	}

	err := s.store.DeleteMessage(r.Context(), conv.ID, msgID)
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "Message not found")
		return
	}
	if err != nil {
		s.logger.Error("delete message failed", "message_id", msgID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConversationExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	conv, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}
	msgs, ok := s.allMessages(w, r, conv)
	if !ok {
		return
	}

	var content string
	switch format {
	case export.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, export.JSON(conv, msgs), s.logger)
		return
	case export.FormatMarkdown:
		content = export.Markdown(conv, msgs)
	case export.FormatHTML:
		content, err = export.HTML(conv, msgs)
		if err != nil {
			s.logger.Error("html export failed", "conversation_id", conv.ID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"content":  content,
		"filename": export.Filename(conv, format),
	}, s.logger)
}
