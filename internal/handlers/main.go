package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/relay"
	"github.com/tmaxmax/go-sse"
)

// Store defines the chat and message persistence the handlers need. Ownership-aware methods
// return models.ErrNotFound or models.ErrForbidden when the chat is missing or belongs to
// another user.
type Store interface {
	CreateChat(ctx context.Context, userID, title string) (models.Chat, error)
	Chats(ctx context.Context, userID string) ([]models.Chat, error)
	Chat(ctx context.Context, userID, chatID string) (models.Chat, error)
	SearchChats(ctx context.Context, userID, query string) ([]models.ScoredChat, error)
	DeleteChat(ctx context.Context, userID, chatID string) error
	UpdateChatTitle(ctx context.Context, chatID, title string) (bool, error)

	StoreMessage(ctx context.Context, chatID, content string, role models.Role) (string, error)
	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	LastMessage(ctx context.Context, chatID string) (models.Message, error)
}

// Relay opens the event stream of one chat turn.
type Relay interface {
	Open(ctx context.Context, userID string, req relay.Request) *relay.Stream
}

// Authenticator resolves the user a request acts for.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Main serves the chat API: the streaming endpoint, the chat and message REST surface and a
// per-user SSE feed announcing chat list changes.
type Main struct {
	sseSrv *sse.Server

	store   Store
	relay   Relay
	auth    Authenticator
	limiter *userLimiter
	metrics *Metrics

	logger *slog.Logger
}

// Option configures Main.
type Option func(*Main)

// SSE event types of the chat list feed.
var (
	chatsSSEType = sse.Type("chats")
	closeSSEType = sse.Type("close")
)

const (
	errLoggerKey = "err"

	maxBodyBytes = 1 << 20
)

// WithRateLimit limits every user to perMinute stream requests, with bursts of up to burst.
func WithRateLimit(perMinute float64, burst int) Option {
	return func(m *Main) {
		m.limiter = newUserLimiter(perMinute, burst)
	}
}

// WithMetrics records request outcomes in metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Main) {
		m.metrics = metrics
	}
}

// NewMain creates a Main. Without WithRateLimit, stream requests are not limited.
func NewMain(store Store, rl Relay, auth Authenticator, logger *slog.Logger, opts ...Option) Main {
	m := Main{
		store:  store,
		relay:  rl,
		auth:   auth,
		logger: logger.With(slog.String("module", "handlers")),
	}
	for _, opt := range opts {
		opt(&m)
	}

	m.sseSrv = &sse.Server{
		OnSession: func(w http.ResponseWriter, r *http.Request) ([]string, bool) {
			userID, err := m.auth.Authenticate(r)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return nil, false
			}
			return []string{sse.DefaultTopic, userTopic(userID)}, true
		},
	}

	return m
}

// Routes returns the handler serving every endpoint. Panics raised before a response is written
// are answered with 500.
func (m Main) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/chat/stream", m.HandleChatStream)

	mux.HandleFunc("GET /chats", m.requireAuth(m.HandleListChats))
	mux.HandleFunc("POST /chats", m.requireAuth(m.HandleCreateChat))
	mux.HandleFunc("GET /chats/search", m.requireAuth(m.HandleSearchChats))
	mux.Handle("GET /chats/events", m.sseSrv)
	mux.HandleFunc("GET /chats/{chatID}", m.requireAuth(m.HandleGetChat))
	mux.HandleFunc("DELETE /chats/{chatID}", m.requireAuth(m.HandleDeleteChat))
	mux.HandleFunc("GET /chats/{chatID}/messages", m.requireAuth(m.HandleListMessages))
	mux.HandleFunc("POST /chats/{chatID}/messages", m.requireAuth(m.HandleStoreMessage))
	mux.HandleFunc("GET /chats/{chatID}/messages/last", m.requireAuth(m.HandleLastMessage))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if m.metrics != nil {
		mux.Handle("GET /metrics", m.metrics.Handler())
	}

	return m.recoverer(mux)
}

func userTopic(userID string) string {
	return fmt.Sprintf("user-%s", userID)
}

// publishChats sends the current chat list of userID to the user's feed subscribers.
func (m Main) publishChats(ctx context.Context, userID string) {
	chats, err := m.store.Chats(ctx, userID)
	if err != nil {
		m.logger.Error("Failed to get chats",
			slog.String("userID", userID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}

	data, err := json.Marshal(chats)
	if err != nil {
		m.logger.Error("Failed to marshal chats", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: chatsSSEType}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(&msg, userTopic(userID)); err != nil {
		m.logger.Error("Failed to publish chats",
			slog.String("userID", userID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown tells chat list subscribers the server is going away, then waits up to 5 seconds for
// their connections to terminate before closing the remaining ones.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: closeSSEType}
	e.AppendData("bye")

	// Best effort: subscribers may already be gone.
	_ = m.sseSrv.Publish(e, sse.DefaultTopic)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
