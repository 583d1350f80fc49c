package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/relay"
	"github.com/tmaxmax/go-sse"
)

type streamRequest struct {
	Messages   json.RawMessage `json:"messages"`
	NewMessage *string         `json:"newMessage"`
	ChatID     string          `json:"chatId"`
}

type historyMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// HandleChatStream relays one chat turn as a server-sent event stream.
//
// The request body is a JSON object with the prior conversation in "messages", the user's new
// message in "newMessage" and the target chat in "chatId". Every precondition is checked before
// the stream opens: authentication (401), content type and body shape (400), rate limit (429)
// and chat ownership (404). Once the stream is open every failure is reported in-band as an
// error envelope.
func (m Main) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		w.Header().Set("Allow", http.MethodPost)
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, err := m.auth.Authenticate(r)
	if err != nil {
		m.logger.Debug("Unauthorized stream request", slog.String(errLoggerKey, err.Error()))
		m.refuse(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	req, err := decodeStreamRequest(w, r)
	if err != nil {
		m.logger.Debug("Bad stream request",
			slog.String("userID", userID),
			slog.String(errLoggerKey, err.Error()))
		m.refuse(w, http.StatusBadRequest, err.Error())
		return
	}

	if !m.limiter.allow(userID) {
		m.refuse(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	chat, err := m.store.Chat(r.Context(), userID, req.ChatID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrForbidden) {
			m.refuse(w, http.StatusNotFound, "chat not found")
			return
		}
		m.logger.Error("Failed to get chat",
			slog.String("chatID", req.ChatID),
			slog.String(errLoggerKey, err.Error()))
		m.refuse(w, http.StatusInternalServerError, "failed to load chat")
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade to SSE", slog.String(errLoggerKey, err.Error()))
		m.refuse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	h := w.Header()
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	if len(req.History) == 0 && chat.Title == models.DefaultChatTitle {
		go m.updateChatTitle(userID, chat.ID, req.NewMessage)
	}

	start := time.Now()
	m.metrics.streamOpened()

	s := m.relay.Open(r.Context(), userID, req)
	stop := context.AfterFunc(r.Context(), s.Close)
	defer stop()

	outcome := "aborted"
	if err := s.WriteTo(sess); err != nil {
		m.logger.Warn("Client stream closed",
			slog.String("chatID", chat.ID),
			slog.String(errLoggerKey, err.Error()))
	} else if t := s.Outcome(); t != "" && r.Context().Err() == nil {
		outcome = string(t)
	}
	s.Close()

	m.metrics.streamClosed(outcome, time.Since(start).Seconds())
}

func decodeStreamRequest(w http.ResponseWriter, r *http.Request) (relay.Request, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return relay.Request{}, errors.New("content type must be application/json")
	}

	var body streamRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		return relay.Request{}, fmt.Errorf("invalid request body: %w", err)
	}

	if body.NewMessage == nil || strings.TrimSpace(*body.NewMessage) == "" {
		return relay.Request{}, errors.New("newMessage is required")
	}
	if body.ChatID == "" {
		return relay.Request{}, errors.New("chatId is required")
	}

	var history []historyMessage
	if raw := strings.TrimSpace(string(body.Messages)); raw != "" && raw != "null" {
		if !strings.HasPrefix(raw, "[") {
			return relay.Request{}, errors.New("messages must be an array")
		}
		if err := json.Unmarshal(body.Messages, &history); err != nil {
			return relay.Request{}, fmt.Errorf("invalid messages: %w", err)
		}
	}

	msgs := make([]models.Message, len(history))
	for i, hm := range history {
		if !hm.Role.Valid() {
			return relay.Request{}, fmt.Errorf("messages[%d]: invalid role %q", i, hm.Role)
		}
		msgs[i] = models.Message{ChatID: body.ChatID, Role: hm.Role, Content: hm.Content}
	}

	return relay.Request{
		History:    msgs,
		NewMessage: *body.NewMessage,
		ChatID:     body.ChatID,
	}, nil
}

func (m Main) refuse(w http.ResponseWriter, status int, message string) {
	m.metrics.rejected(status)
	writeJSONError(w, status, message)
}

// updateChatTitle replaces the default title of a chat with one derived from its first message
// and announces the change on the user's feed.
func (m Main) updateChatTitle(userID, chatID, message string) {
	ctx := context.Background()

	updated, err := m.store.UpdateChatTitle(ctx, chatID, models.SmartTitle(message))
	if err != nil {
		m.logger.Error("Failed to update chat title",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	if updated {
		m.publishChats(ctx, userID)
	}
}
