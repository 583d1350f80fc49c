package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/agent"
	"github.com/MegaGrindStone/streamchat/internal/handlers"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/relay"
	"github.com/MegaGrindStone/streamchat/internal/services"
)

type mockAgent struct {
	chunks []string
	err    error
}

type mockAuth struct{}

type failingStore struct {
	handlers.Store
}

type panickingStore struct {
	handlers.Store
}

type testServer struct {
	main    handlers.Main
	handler http.Handler
	store   services.BoltDB
	metrics *handlers.Metrics
}

func newTestServer(t *testing.T, ag relay.Agent, opts ...handlers.Option) testServer {
	t.Helper()

	store, err := services.NewBoltDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltDB() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	metrics := handlers.NewMetrics()
	rl := relay.New(store, ag, discardLogger(), relay.WithObserver(metrics.ObserveEnvelope))
	opts = append(opts, handlers.WithMetrics(metrics))
	main := handlers.NewMain(store, rl, mockAuth{}, discardLogger(), opts...)

	return testServer{main: main, handler: main.Routes(), store: store, metrics: metrics}
}

func (s testServer) do(method, path, user, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func TestNewMain(t *testing.T) {
	s := newTestServer(t, &mockAgent{})

	if s.main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleChatStream(t *testing.T) {
	s := newTestServer(t, &mockAgent{chunks: []string{"Hel", "lo"}})
	ctx := context.Background()

	chat, err := s.store.CreateChat(ctx, "alice", "")
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	titled, err := s.store.CreateChat(ctx, "alice", "Kept title")
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	other, err := s.store.CreateChat(ctx, "bob", "")
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	body := func(messages, newMessage, chatID string) string {
		return `{"messages":` + messages + `,"newMessage":` + newMessage + `,"chatId":"` + chatID + `"}`
	}

	tests := []struct {
		name        string
		method      string
		user        string
		contentType string
		body        string
		wantStatus  int
		wantBody    string
	}{
		{
			name:        "Invalid method",
			method:      http.MethodGet,
			user:        "alice",
			contentType: "application/json",
			wantStatus:  http.StatusMethodNotAllowed,
		},
		{
			name:        "Missing credentials",
			method:      http.MethodPost,
			contentType: "application/json",
			body:        body(`[]`, `"Hi"`, chat.ID),
			wantStatus:  http.StatusUnauthorized,
		},
		{
			name:        "Wrong content type",
			method:      http.MethodPost,
			user:        "alice",
			contentType: "text/plain",
			body:        body(`[]`, `"Hi"`, chat.ID),
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "Messages is not an array",
			method:      http.MethodPost,
			user:        "alice",
			contentType: "application/json",
			body:        body(`{"role":"user"}`, `"Hi"`, chat.ID),
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "Invalid history role",
			method:      http.MethodPost,
			user:        "alice",
			contentType: "application/json",
			body:        body(`[{"role":"system","content":"x"}]`, `"Hi"`, chat.ID),
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "Missing new message",
			method:      http.MethodPost,
			user:        "alice",
			contentType: "application/json",
			body:        `{"messages":[],"chatId":"` + chat.ID + `"}`,
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "Missing chat id",
			method:      http.MethodPost,
			user:        "alice",
			contentType: "application/json",
			body:        `{"messages":[],"newMessage":"Hi"}`,
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "Malformed JSON",
			method:      http.MethodPost,
			user:        "alice",
			contentType: "application/json",
			body:        `{"messages":`,
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "Unknown chat",
			method:      http.MethodPost,
			user:        "alice",
			contentType: "application/json",
			body:        body(`[]`, `"Hi"`, "missing"),
			wantStatus:  http.StatusNotFound,
		},
		{
			name:        "Chat of another user",
			method:      http.MethodPost,
			user:        "alice",
			contentType: "application/json",
			body:        body(`[]`, `"Hi"`, other.ID),
			wantStatus:  http.StatusNotFound,
		},
		{
			name:        "Streams the turn",
			method:      http.MethodPost,
			user:        "alice",
			contentType: "application/json; charset=utf-8",
			body:        body(`[]`, `"Hi"`, chat.ID),
			wantStatus:  http.StatusOK,
			wantBody: "data: {\"type\":\"connected\"}\n\n" +
				"data: {\"type\":\"token\",\"token\":\"Hel\"}\n\n" +
				"data: {\"type\":\"token\",\"token\":\"lo\"}\n\n" +
				"data: [DONE]\n\n",
		},
		{
			name:        "Missing messages is empty history",
			method:      http.MethodPost,
			user:        "alice",
			contentType: "application/json",
			body:        `{"newMessage":"Again","chatId":"` + titled.ID + `"}`,
			wantStatus:  http.StatusOK,
		},
		{
			name:        "Null messages is empty history",
			method:      http.MethodPost,
			user:        "alice",
			contentType: "application/json",
			body:        body(`null`, `"Again"`, titled.ID),
			wantStatus:  http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.method, "/chat/stream", tt.user, tt.contentType, tt.body)

			if w.Code != tt.wantStatus {
				t.Fatalf("HandleChatStream() status = %v, want %v (body %q)", w.Code, tt.wantStatus, w.Body.String())
			}

			if tt.wantStatus != http.StatusOK {
				if strings.Contains(w.Body.String(), "data:") {
					t.Errorf("refused request produced stream frames: %q", w.Body.String())
				}
				var res map[string]string
				if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil || res["error"] == "" {
					t.Errorf("refused request body = %q, want a JSON error", w.Body.String())
				}
				if tt.wantStatus == http.StatusMethodNotAllowed && w.Header().Get("Allow") != http.MethodPost {
					t.Errorf("Allow header = %q, want POST", w.Header().Get("Allow"))
				}
				return
			}

			wantHeaders := map[string]string{
				"Content-Type":      "text/event-stream",
				"Cache-Control":     "no-cache, no-transform",
				"Connection":        "keep-alive",
				"X-Accel-Buffering": "no",
			}
			for k, v := range wantHeaders {
				if got := w.Header().Get(k); got != v {
					t.Errorf("header %s = %q, want %q", k, got, v)
				}
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("HandleChatStream() body = %q, want %q", w.Body.String(), tt.wantBody)
			}
		})
	}

	msgs, err := s.store.Messages(ctx, chat.ID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "Hi" || msgs[0].Role != models.RoleUser {
		t.Errorf("persisted messages = %+v, want the user message", msgs)
	}

	waitForTitle(t, s.store, "alice", chat.ID, "Hi")
	waitForTitle(t, s.store, "alice", titled.ID, "Kept title")
}

func TestHandleChatStreamAgentFailure(t *testing.T) {
	s := newTestServer(t, &mockAgent{chunks: []string{"Hel", "lo"}, err: errors.New("model unavailable")})

	chat, err := s.store.CreateChat(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	w := s.do(http.MethodPost, "/chat/stream", "alice", "application/json",
		`{"messages":[],"newMessage":"Hi","chatId":"`+chat.ID+`"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %v, want %v", w.Code, http.StatusOK)
	}
	want := "data: {\"type\":\"connected\"}\n\n" +
		"data: {\"type\":\"token\",\"token\":\"Hel\"}\n\n" +
		"data: {\"type\":\"token\",\"token\":\"lo\"}\n\n" +
		"data: {\"type\":\"error\",\"error\":\"model unavailable\"}\n\n"
	if w.Body.String() != want {
		t.Errorf("body = %q, want %q", w.Body.String(), want)
	}

	metrics := s.do(http.MethodGet, "/metrics", "", "", "")
	for _, line := range []string{
		`streamchat_stream_envelopes_total{type="token"} 2`,
		`streamchat_stream_envelopes_total{type="error"} 1`,
		`streamchat_stream_total{outcome="error"} 1`,
	} {
		if !strings.Contains(metrics.Body.String(), line) {
			t.Errorf("metrics missing %q", line)
		}
	}
}

func TestHandleChatStreamRateLimit(t *testing.T) {
	s := newTestServer(t, &mockAgent{chunks: []string{"ok"}}, handlers.WithRateLimit(1, 1))

	chat, err := s.store.CreateChat(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	body := `{"messages":[],"newMessage":"Hi","chatId":"` + chat.ID + `"}`

	if w := s.do(http.MethodPost, "/chat/stream", "alice", "application/json", body); w.Code != http.StatusOK {
		t.Fatalf("first request status = %v, want %v", w.Code, http.StatusOK)
	}
	if w := s.do(http.MethodPost, "/chat/stream", "alice", "application/json", body); w.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %v, want %v", w.Code, http.StatusTooManyRequests)
	}
}

func TestHandleChatStreamStoreFailure(t *testing.T) {
	rl := relay.New(nil, &mockAgent{}, discardLogger())
	main := handlers.NewMain(failingStore{}, rl, mockAuth{}, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/chat/stream",
		strings.NewReader(`{"messages":[],"newMessage":"Hi","chatId":"c1"}`))
	req.Header.Set("Authorization", "Bearer alice")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	main.HandleChatStream(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %v, want %v", w.Code, http.StatusInternalServerError)
	}
}

func TestRoutesRecoverPanicBeforeStream(t *testing.T) {
	rl := relay.New(nil, &mockAgent{}, discardLogger())
	main := handlers.NewMain(panickingStore{}, rl, mockAuth{}, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/chat/stream",
		strings.NewReader(`{"messages":[],"newMessage":"Hi","chatId":"c1"}`))
	req.Header.Set("Authorization", "Bearer alice")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	main.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %v, want %v", w.Code, http.StatusInternalServerError)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var res map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil || res["error"] != "internal server error" {
		t.Errorf("body = %q, want the internal server error JSON", w.Body.String())
	}
}

func TestChatRoutes(t *testing.T) {
	s := newTestServer(t, &mockAgent{})

	w := s.do(http.MethodPost, "/chats", "alice", "application/json", `{"title":"Go tips"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create chat status = %v, want %v", w.Code, http.StatusCreated)
	}
	var chat models.Chat
	if err := json.Unmarshal(w.Body.Bytes(), &chat); err != nil {
		t.Fatalf("invalid chat %q: %v", w.Body.String(), err)
	}
	if chat.Title != "Go tips" || chat.UserID != "alice" {
		t.Errorf("created chat = %+v", chat)
	}

	w = s.do(http.MethodPost, "/chats", "alice", "", "")
	if w.Code != http.StatusCreated || !strings.Contains(w.Body.String(), models.DefaultChatTitle) {
		t.Errorf("create untitled chat = %v %q", w.Code, w.Body.String())
	}

	msgPath := "/chats/" + chat.ID + "/messages"
	for _, body := range []string{
		`{"role":"user","content":"how do goroutines work"}`,
		`{"role":"assistant","content":"goroutines are cheap threads"}`,
	} {
		if w := s.do(http.MethodPost, msgPath, "alice", "application/json", body); w.Code != http.StatusCreated {
			t.Fatalf("store message status = %v, want %v", w.Code, http.StatusCreated)
		}
	}

	tests := []struct {
		name       string
		method     string
		path       string
		user       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "List chats",
			method:     http.MethodGet,
			path:       "/chats",
			user:       "alice",
			wantStatus: http.StatusOK,
			wantBody:   "Go tips",
		},
		{
			name:       "List chats unauthenticated",
			method:     http.MethodGet,
			path:       "/chats",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "Other users see nothing",
			method:     http.MethodGet,
			path:       "/chats",
			user:       "bob",
			wantStatus: http.StatusOK,
			wantBody:   "[]",
		},
		{
			name:       "Search by message",
			method:     http.MethodGet,
			path:       "/chats/search?q=goroutines",
			user:       "alice",
			wantStatus: http.StatusOK,
			wantBody:   `"relevanceScore":3`,
		},
		{
			name:       "Get chat",
			method:     http.MethodGet,
			path:       "/chats/" + chat.ID,
			user:       "alice",
			wantStatus: http.StatusOK,
			wantBody:   chat.ID,
		},
		{
			name:       "List messages",
			method:     http.MethodGet,
			path:       msgPath,
			user:       "alice",
			wantStatus: http.StatusOK,
			wantBody:   "how do goroutines work",
		},
		{
			name:       "Last message",
			method:     http.MethodGet,
			path:       msgPath + "/last",
			user:       "alice",
			wantStatus: http.StatusOK,
			wantBody:   "goroutines are cheap threads",
		},
		{
			name:       "Last message of another user's chat",
			method:     http.MethodGet,
			path:       msgPath + "/last",
			user:       "bob",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Store message with invalid role",
			method:     http.MethodPost,
			path:       msgPath,
			user:       "alice",
			body:       `{"role":"system","content":"x"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Delete another user's chat",
			method:     http.MethodDelete,
			path:       "/chats/" + chat.ID,
			user:       "bob",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Delete chat",
			method:     http.MethodDelete,
			path:       "/chats/" + chat.ID,
			user:       "alice",
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "Messages of deleted chat",
			method:     http.MethodGet,
			path:       msgPath,
			user:       "alice",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Health",
			method:     http.MethodGet,
			path:       "/healthz",
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.method, tt.path, tt.user, "application/json", tt.body)

			if w.Code != tt.wantStatus {
				t.Fatalf("%s %s status = %v, want %v (body %q)", tt.method, tt.path, w.Code, tt.wantStatus, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("%s %s body = %q, want to contain %q", tt.method, tt.path, w.Body.String(), tt.wantBody)
			}
		})
	}
}

func waitForTitle(t *testing.T, store services.BoltDB, userID, chatID, want string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		chat, err := store.Chat(context.Background(), userID, chatID)
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if chat.Title == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("chat title = %q, want %q", chat.Title, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (m *mockAgent) Stream(
	_ context.Context,
	_ []models.Message,
	_ string,
	_ string,
) iter.Seq2[agent.Event, error] {
	return func(yield func(agent.Event, error) bool) {
		for _, c := range m.chunks {
			ev := agent.Event{Kind: agent.EventChatModelStream, Data: agent.Chunk{Content: c}}
			if !yield(ev, nil) {
				return
			}
		}
		if m.err != nil {
			yield(agent.Event{}, m.err)
		}
	}
}

func (mockAuth) Authenticate(r *http.Request) (string, error) {
	user, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || user == "" {
		return "", errors.New("unauthenticated")
	}
	return user, nil
}

func (panickingStore) Chat(context.Context, string, string) (models.Chat, error) {
	panic("store exploded")
}

func (failingStore) Chat(context.Context, string, string) (models.Chat, error) {
	return models.Chat{}, errors.New("disk failure")
}
