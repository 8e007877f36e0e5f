// Package httpapi exposes the chat service over HTTP.
//
// Three endpoints mirror the conversation lifecycle: /chat answers a
// question against the session's memory, /close_chat persists and evicts a
// session, and /merge_chats combines several archived sessions into a new
// one.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mnemo-labs/mnemo/blob"
	"github.com/mnemo-labs/mnemo/core"
	"github.com/mnemo-labs/mnemo/llm"
	"github.com/mnemo-labs/mnemo/rag"
	"github.com/mnemo-labs/mnemo/session"
)

// DegradedAnswer is returned to the user when generation fails. The turn is
// still recorded so the conversation log never diverges from what the user
// saw.
const DegradedAnswer = "Sorry, something went wrong while processing your request."

// HistoryTurns is how many recent exchanges feed the prompt's chat history.
const HistoryTurns = 5

// Server routes HTTP requests onto the session registry and the RAG
// pipeline.
type Server struct {
	registry  *session.Registry
	generator llm.Generator
	images    blob.Store
}

// New builds a server. images may be nil when no attachment bucket is
// configured; /chat then ignores image references.
func New(registry *session.Registry, generator llm.Generator, images blob.Store) *Server {
	return &Server{registry: registry, generator: generator, images: images}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/chat", s.handleChat)
	r.Post("/close_chat", s.handleCloseChat)
	r.Post("/merge_chats", s.handleMergeChats)
	return r
}

type chatRequest struct {
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	ModelName string `json:"model_name"`
	Question  string `json:"question"`
	ImageName string `json:"image_name"`
}

type chatResponse struct {
	Response string          `json:"response"`
	History  []core.ChatTurn `json:"history"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.ChatID == "" || req.ModelName == "" || req.Question == "" {
		writeError(w, http.StatusBadRequest, "user_id, chat_id, model_name and question are required")
		return
	}
	key, err := core.NewSessionKey(req.UserID, req.ChatID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	question := req.Question

	// Attachment handling is best effort: a missing or unreadable image
	// degrades to a text-only turn.
	var imagePNG []byte
	attachmentRef := ""
	if req.ImageName != "" && s.images != nil {
		imagePNG, err = s.images.Download(ctx, req.ImageName)
		if err != nil {
			log.Printf("[HTTP] Image %q for %s unavailable: %v", req.ImageName, key, err)
			imagePNG = nil
		} else {
			attachmentRef = req.ImageName
			question += fmt.Sprintf("\n\n[Attached Image: %s]", req.ImageName)
		}
	}

	if _, err := s.registry.AppendTurn(ctx, key, core.RoleUser, question, attachmentRef); err != nil {
		log.Printf("[HTTP] Record user turn for %s: %v", key, err)
	}

	answer := s.answer(ctx, key, req.ModelName, question, imagePNG)

	if _, err := s.registry.AppendTurn(ctx, key, core.RoleAssistant, answer, ""); err != nil {
		log.Printf("[HTTP] Record assistant turn for %s: %v", key, err)
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Response: answer,
		History:  s.registry.History(key),
	})
}

// answer runs retrieval-augmented generation plus the optional visual
// insight step. Any failure collapses to DegradedAnswer.
func (s *Server) answer(ctx context.Context, key core.SessionKey, model, question string, imagePNG []byte) string {
	mem, _, err := s.registry.GetOrCreate(ctx, key)
	if err != nil {
		log.Printf("[HTTP] Open session %s: %v", key, err)
		return DegradedAnswer
	}

	chatContext := s.registry.RecentContext(key, HistoryTurns)
	pipeline := rag.New(mem, s.generator, rag.Options{Model: model})

	response, err := pipeline.Invoke(ctx, chatContext+"\n\n"+question, chatContext)
	if err != nil {
		log.Printf("[HTTP] Answer for %s: %v", key, err)
		return DegradedAnswer
	}

	if len(imagePNG) > 0 {
		insight, err := s.generator.Describe(ctx, model, question, imagePNG)
		if err != nil {
			log.Printf("[HTTP] Visual insight for %s: %v", key, err)
			return DegradedAnswer
		}
		response += "\n\nVisual Insight: " + insight
	}
	return response
}

type closeChatRequest struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
}

func (s *Server) handleCloseChat(w http.ResponseWriter, r *http.Request) {
	var req closeChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	key, err := core.NewSessionKey(req.UserID, req.ChatID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch err := s.registry.Close(r.Context(), key); {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("no active session for %s", key))
	case err != nil:
		log.Printf("[HTTP] Close %s: %v", key, err)
		writeError(w, http.StatusInternalServerError, "failed to persist session")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "uploaded"})
	}
}

type mergeChatsRequest struct {
	UserID    string   `json:"user_id"`
	ChatIDs   []string `json:"chat_ids"`
	NewChatID string   `json:"new_chat_id"`
}

type mergeChatsResponse struct {
	Status    string   `json:"status"`
	NewChatID string   `json:"new_chat_id"`
	Merged    []string `json:"merged"`
	Skipped   []string `json:"skipped"`
}

func (s *Server) handleMergeChats(w http.ResponseWriter, r *http.Request) {
	var req mergeChatsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.ChatIDs) == 0 {
		writeError(w, http.StatusBadRequest, "chat_ids must not be empty")
		return
	}
	dst, err := core.NewSessionKey(req.UserID, req.NewChatID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sources := make([]core.SessionKey, len(req.ChatIDs))
	for i, cid := range req.ChatIDs {
		if sources[i], err = core.NewSessionKey(req.UserID, cid); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	result, err := s.registry.Merge(r.Context(), dst, sources)
	if err != nil {
		log.Printf("[HTTP] Merge into %s: %v", dst, err)
		writeError(w, http.StatusInternalServerError, "failed to persist merged session")
		return
	}

	writeJSON(w, http.StatusOK, mergeChatsResponse{
		Status:    "merged",
		NewChatID: req.NewChatID,
		Merged:    chatIDs(result.Merged),
		Skipped:   chatIDs(result.Skipped),
	})
}

func chatIDs(keys []core.SessionKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.ChatID
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
