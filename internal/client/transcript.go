package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/google/uuid"
)

// Streamer opens the relayed event stream of one chat turn.
type Streamer interface {
	Stream(ctx context.Context, history []models.Message, newMessage, chatID string) (io.ReadCloser, error)
}

// Transcript is the client-side list of messages of a chat, including optimistic entries that
// have not been confirmed by the server. It is safe for concurrent use.
type Transcript struct {
	mu       sync.Mutex
	messages []models.Message
	errText  string
}

// Session submits turns for one chat. Only one turn may be in flight at a time.
type Session struct {
	chatID     string
	streamer   Streamer
	store      Store
	transcript *Transcript
	logger     *slog.Logger
	opts       []ConsumerOption

	inFlight atomic.Bool
}

var (
	// ErrTurnInProgress is returned by Submit while a previous turn has not ended.
	ErrTurnInProgress = errors.New("a message is already being processed")
	// ErrEmptyMessage is returned by Submit for blank input.
	ErrEmptyMessage = errors.New("message is empty")
)

const optimisticIDPrefix = "temp_"

// NewTranscript creates a transcript holding history.
func NewTranscript(history []models.Message) *Transcript {
	return &Transcript{messages: slices.Clone(history)}
}

// Messages returns a copy of the current messages.
func (t *Transcript) Messages() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.messages)
}

// Err returns the text of the last failed turn, or an empty string.
func (t *Transcript) Err() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errText
}

func (t *Transcript) append(msg models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, msg)
}

func (t *Transcript) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = slices.DeleteFunc(t.messages, func(m models.Message) bool {
		return m.ID == id
	})
}

func (t *Transcript) setErr(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errText = text
}

// ErrorText renders a failed turn for display.
func ErrorText(err error) string {
	return "❌ Error: Failed to process message\n\nDetails: " + err.Error()
}

// NewSession creates a Session for chatID starting from history. The consumer options are applied
// to the consumer of every turn.
func NewSession(
	chatID string,
	streamer Streamer,
	store Store,
	history []models.Message,
	logger *slog.Logger,
	opts ...ConsumerOption,
) *Session {
	return &Session{
		chatID:     chatID,
		streamer:   streamer,
		store:      store,
		transcript: NewTranscript(history),
		logger:     logger,
		opts:       opts,
	}
}

// Transcript returns the session's transcript.
func (s *Session) Transcript() *Transcript {
	return s.transcript
}

// Submit sends input as a new user message and consumes the reply.
//
// The user message is appended to the transcript before the request is made and removed again
// if the turn fails, in which case the transcript error is set to the rendered failure. A
// completed reply is appended even when it could not be persisted; the returned error then wraps
// ErrNotPersisted.
func (s *Session) Submit(ctx context.Context, input string) (models.Message, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return models.Message{}, ErrTurnInProgress
	}
	defer s.inFlight.Store(false)

	history := s.transcript.Messages()
	pending := models.Message{
		ID:        optimisticIDPrefix + uuid.NewString(),
		ChatID:    s.chatID,
		Role:      models.RoleUser,
		Content:   input,
		CreatedAt: time.Now(),
	}
	s.transcript.append(pending)
	s.transcript.setErr("")

	msg, err := s.run(ctx, history, input)
	if err != nil && !errors.Is(err, ErrNotPersisted) {
		s.transcript.remove(pending.ID)
		s.transcript.setErr(ErrorText(err))
		return models.Message{}, err
	}

	if msg.ID == "" {
		msg.ID = optimisticIDPrefix + uuid.NewString()
	}
	msg.CreatedAt = time.Now()
	s.transcript.append(msg)
	return msg, err
}

func (s *Session) run(ctx context.Context, history []models.Message, input string) (models.Message, error) {
	body, err := s.streamer.Stream(ctx, history, input, s.chatID)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to open stream: %w", err)
	}
	defer body.Close()

	return NewConsumer(s.store, s.chatID, s.logger, s.opts...).Consume(ctx, body)
}
