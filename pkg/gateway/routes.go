package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"threadlane/pkg/bus"
	"threadlane/pkg/metrics"
	"threadlane/pkg/store"
)

const eventStreamBuffer = 64

type errorResponse struct {
	Error string `json:"error"`
}

type enqueueRequest struct {
	Content   string            `json:"content"`
	Author    string            `json:"author,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type enqueueResponse struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type messagesResponse struct {
	Conversation store.Conversation `json:"conversation"`
	Messages     []store.Step       `json:"messages"`
}

// Router returns the gateway HTTP surface.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	metrics.Register()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", metrics.Handler())

	if s.ws != nil {
		path := strings.TrimSpace(s.cfg.Channels.WebSocket.Path)
		if path == "" {
			path = "/ws"
		}
		r.Handle(path, s.ws)
	}

	r.Get("/api/events", s.handleEvents)

	r.Route("/api/conversations", func(r chi.Router) {
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Post("/messages", s.handleEnqueue)
			if s.store != nil {
				r.Get("/", s.handleGetConversation)
				r.Delete("/", s.handleDeleteConversation)
				r.Get("/messages", s.handleListMessages)
			}
		})
		if s.store != nil {
			r.Get("/", s.handleListConversations)
		}
	})

	return r
}

// handleEnqueue injects a user message into a conversation as if it came from a channel.
func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	messageID, err := s.engine.Bridge().Enqueue(bus.EnqueueRequest{
		ConversationID: conversationID,
		Content:        req.Content,
		Author:         req.Author,
		SessionID:      req.SessionID,
		MessageID:      req.MessageID,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{ConversationID: conversationID, MessageID: messageID})
}

func (s *Service) handleListConversations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := store.ListOptions{
		Cursor: query.Get("cursor"),
		Search: query.Get("search"),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = limit
	}

	page, err := s.store.ListConversations(r.Context(), opts)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Service) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conversation, err := s.store.GetConversation(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conversation)
}

func (s *Service) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversation, messages, err := store.Messages(r.Context(), s.store, chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	conversation.Steps = nil
	writeJSON(w, http.StatusOK, messagesResponse{Conversation: conversation, Messages: messages})
}

func (s *Service) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := s.store.DeleteConversation(r.Context(), conversationID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.engine.Bridge().PublishEvent(r.Context(), bus.Event{
		Type:           bus.EventConversationDeleted,
		ConversationID: conversationID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams lifecycle events as server-sent events, optionally filtered by the
// conversation_id query parameter.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming is not supported")
		return
	}
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))

	events, unsubscribe := s.engine.Bridge().SubscribeEvents(r.Context(), eventStreamBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if conversationID != "" && event.ConversationID != conversationID {
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.log.Warn("Failed to encode event", "type", event.Type, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bus.ErrInvalidArgument), errors.Is(err, bus.ErrInvalidCommand),
		errors.Is(err, store.ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, bus.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, bus.ErrBackpressure):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
