package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

type createChatRequest struct {
	Title string `json:"title"`
}

type storeMessageRequest struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

type storeMessageResponse struct {
	ID string `json:"id"`
}

// HandleListChats returns the user's chats, newest first.
func (m Main) HandleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := m.store.Chats(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		m.logger.Error("Failed to list chats", slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

// HandleCreateChat creates a chat. The body is optional; without a title the chat is named
// models.DefaultChatTitle.
func (m Main) HandleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	userID := userIDFromContext(r.Context())
	chat, err := m.store.CreateChat(r.Context(), userID, req.Title)
	if err != nil {
		m.logger.Error("Failed to create chat", slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	go m.publishChats(context.WithoutCancel(r.Context()), userID)

	writeJSON(w, http.StatusCreated, chat)
}

// HandleSearchChats returns the user's chats matching the q query parameter, most relevant
// first.
func (m Main) HandleSearchChats(w http.ResponseWriter, r *http.Request) {
	res, err := m.store.SearchChats(r.Context(), userIDFromContext(r.Context()), r.URL.Query().Get("q"))
	if err != nil {
		m.logger.Error("Failed to search chats", slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to search chats")
		return
	}
	if res == nil {
		res = []models.ScoredChat{}
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleGetChat returns a single chat.
func (m Main) HandleGetChat(w http.ResponseWriter, r *http.Request) {
	chat, ok := m.ownedChat(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// HandleDeleteChat deletes a chat and all of its messages.
func (m Main) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	if err := m.store.DeleteChat(r.Context(), userID, r.PathValue("chatID")); err != nil {
		m.writeStoreError(w, "Failed to delete chat", err)
		return
	}

	go m.publishChats(context.WithoutCancel(r.Context()), userID)

	w.WriteHeader(http.StatusNoContent)
}

// HandleListMessages returns the messages of a chat in the order they were stored.
func (m Main) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	chat, ok := m.ownedChat(w, r)
	if !ok {
		return
	}

	msgs, err := m.store.Messages(r.Context(), chat.ID)
	if err != nil {
		m.writeStoreError(w, "Failed to list messages", err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// HandleStoreMessage appends a message to a chat.
func (m Main) HandleStoreMessage(w http.ResponseWriter, r *http.Request) {
	chat, ok := m.ownedChat(w, r)
	if !ok {
		return
	}

	var req storeMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Role.Valid() {
		writeJSONError(w, http.StatusBadRequest, "role must be user or assistant")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	id, err := m.store.StoreMessage(r.Context(), chat.ID, req.Content, req.Role)
	if err != nil {
		m.writeStoreError(w, "Failed to store message", err)
		return
	}
	writeJSON(w, http.StatusCreated, storeMessageResponse{ID: id})
}

// HandleLastMessage returns the most recent message of a chat.
func (m Main) HandleLastMessage(w http.ResponseWriter, r *http.Request) {
	chat, ok := m.ownedChat(w, r)
	if !ok {
		return
	}

	msg, err := m.store.LastMessage(r.Context(), chat.ID)
	if err != nil {
		m.writeStoreError(w, "Failed to get last message", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (m Main) ownedChat(w http.ResponseWriter, r *http.Request) (models.Chat, bool) {
	chat, err := m.store.Chat(r.Context(), userIDFromContext(r.Context()), r.PathValue("chatID"))
	if err != nil {
		m.writeStoreError(w, "Failed to get chat", err)
		return models.Chat{}, false
	}
	return chat, true
}

// writeStoreError maps store errors to responses. A chat owned by another user is reported as
// missing.
func (m Main) writeStoreError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrForbidden) {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	m.logger.Error(msg, slog.String(errLoggerKey, err.Error()))
	writeJSONError(w, http.StatusInternalServerError, strings.ToLower(msg))
}
