package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MegaGrindStone/streamchat/internal/agent"
	"github.com/MegaGrindStone/streamchat/internal/handlers"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/relay"
	"github.com/MegaGrindStone/streamchat/internal/services"
)

type toolAgent struct{}

const testSecret = "cli-secret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := services.NewBoltDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltDB() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	auth, err := services.NewJWTAuth(testSecret, defaultIssuer)
	if err != nil {
		t.Fatalf("NewJWTAuth() error = %v", err)
	}

	m := handlers.NewMain(store, relay.New(store, toolAgent{}, logger), auth, logger)
	srv := httptest.NewServer(m.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestCommands(t *testing.T) {
	srv := newTestServer(t)

	token, _, err := execute(t, "token", "alice", "--secret", testSecret)
	if err != nil {
		t.Fatalf("token error = %v", err)
	}
	token = strings.TrimSpace(token)
	common := []string{"--server", srv.URL, "--token", token}

	chatID, _, err := execute(t, append([]string{"chats", "new", "Go", "tips"}, common...)...)
	if err != nil {
		t.Fatalf("chats new error = %v", err)
	}
	chatID = strings.TrimSpace(chatID)

	out, errOut, err := execute(t, append([]string{"ask", "--chat", chatID, "how", "do", "channels", "work"}, common...)...)
	if err != nil {
		t.Fatalf("ask error = %v (stderr %q)", err, errOut)
	}
	want := "Searching.\n\n🔧 web_search search completed successfully.\nDone.\n"
	if out != want {
		t.Errorf("ask output = %q, want %q", out, want)
	}
	if !strings.Contains(errOut, "[web_search]") {
		t.Errorf("ask stderr = %q, want the tool name", errOut)
	}

	out, errOut, err = execute(t, append([]string{"ask", "fail"}, common...)...)
	if err == nil {
		t.Fatal("ask should fail when the agent fails")
	}
	if !strings.Contains(errOut, "Details: model unavailable") || !strings.HasPrefix(errOut, "chat ") {
		t.Errorf("failed ask stderr = %q", errOut)
	}
	if out != "" {
		t.Errorf("failed ask output = %q, want nothing", out)
	}

	out, _, err = execute(t, append([]string{"chats", "search", "channels"}, common...)...)
	if err != nil {
		t.Fatalf("chats search error = %v", err)
	}
	if !strings.Contains(out, chatID) || !strings.Contains(out, "Go tips") {
		t.Errorf("chats search output = %q", out)
	}

	out, _, err = execute(t, append([]string{"chats", "list"}, common...)...)
	if err != nil {
		t.Fatalf("chats list error = %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 2 {
		t.Errorf("chats list output = %q, want two chats", out)
	}

	if _, _, err := execute(t, append([]string{"chats", "delete", chatID}, common...)...); err != nil {
		t.Fatalf("chats delete error = %v", err)
	}
	if _, _, err := execute(t, append([]string{"chats", "delete", chatID}, common...)...); err == nil {
		t.Error("deleting a missing chat should fail")
	}
}

func TestCommandsRequireToken(t *testing.T) {
	t.Setenv("STREAMCHAT_TOKEN", "")

	_, _, err := execute(t, "chats", "list")
	if err == nil || !strings.Contains(err.Error(), "token is required") {
		t.Errorf("chats list error = %v, want a missing token error", err)
	}

	t.Setenv("STREAMCHAT_JWT_SECRET", "")
	if _, _, err := execute(t, "token", "alice"); err == nil {
		t.Error("token without a secret should fail")
	}
}

func (toolAgent) Stream(
	_ context.Context,
	_ []models.Message,
	newMessage string,
	_ string,
) iter.Seq2[agent.Event, error] {
	return func(yield func(agent.Event, error) bool) {
		if newMessage == "fail" {
			yield(agent.Event{}, errors.New("model unavailable"))
			return
		}
		events := []agent.Event{
			{Kind: agent.EventChatModelStream, Data: agent.Chunk{Content: "Searching."}},
			{Kind: agent.EventToolStart, Name: "web_search", Data: agent.ToolInput{Input: []byte(`{"query":"channels"}`)}},
			{Kind: agent.EventToolEnd, Name: "web_search", Data: agent.ToolOutput{Output: "2 results"}},
			{Kind: agent.EventChatModelStream, Data: agent.Chunk{Content: "Done."}},
		}
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}
