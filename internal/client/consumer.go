package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/stream"
)

// Store persists the assembled assistant message.
type Store interface {
	StoreMessage(ctx context.Context, chatID, content string, role models.Role) (string, error)
}

// Consumer reads one relayed turn, keeps its TurnState current and persists the assistant
// message once the turn completes. A Consumer serves a single turn.
type Consumer struct {
	store     Store
	chatID    string
	logger    *slog.Logger
	onUpdate  func(TurnState)
	chunkSize int

	decoder stream.Decoder
	state   TurnState
}

// TurnState is the renderable state of a turn in progress.
type TurnState struct {
	// Content is the assistant text received so far, including tool notes. It is cleared once
	// the turn is committed.
	Content    string
	Tool       *ActiveTool
	InProgress bool
	// Failure holds the message of the error envelope that ended the turn.
	Failure string
}

// ActiveTool is the tool the agent is currently running.
type ActiveTool struct {
	Name  string
	Input json.RawMessage
}

// StreamError is the failure reported in-band by the relay.
type StreamError struct {
	Message string
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

var (
	// ErrIncompleteStream is returned when the stream ends without a terminal envelope.
	ErrIncompleteStream = errors.New("stream ended before completion")
	// ErrNotPersisted is returned alongside a completed assistant message that could not be
	// stored.
	ErrNotPersisted = errors.New("assistant message not persisted")
)

const (
	errLoggerKey = "err"

	defaultChunkSize = 4096

	toolSuccessNote = "\n\n🔧 %s search completed successfully.\n"
)

// WithUpdates registers fn to be called with a snapshot of the state after every change.
func WithUpdates(fn func(TurnState)) ConsumerOption {
	return func(c *Consumer) {
		c.onUpdate = fn
	}
}

// WithChunkSize sets how many bytes are read from the stream at a time.
func WithChunkSize(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// NewConsumer creates a Consumer for a turn in chatID.
func NewConsumer(store Store, chatID string, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		store:     store,
		chatID:    chatID,
		logger:    logger.With(slog.String("module", "consumer"), slog.String("chatID", chatID)),
		chunkSize: defaultChunkSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (e *StreamError) Error() string {
	return e.Message
}

// State returns the current turn state.
func (c *Consumer) State() TurnState {
	return c.state
}

// Consume reads r until the turn ends and returns the assistant message.
//
// On a done envelope the accumulated content is stored as one assistant message. If storing
// fails the message is still returned, with an error wrapping ErrNotPersisted. On an error
// envelope nothing is stored and a *StreamError is returned.
func (c *Consumer) Consume(ctx context.Context, r io.Reader) (models.Message, error) {
	c.state = TurnState{InProgress: true}
	c.publish()

	buf := make([]byte, c.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return models.Message{}, c.fail(err)
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			for _, e := range c.decoder.Feed(string(buf[:n])) {
				if msg, terminal, err := c.handle(ctx, e); terminal {
					return msg, err
				}
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				return models.Message{}, c.fail(fmt.Errorf("failed to read stream: %w", readErr))
			}
			if pending := c.decoder.Pending(); pending != "" {
				c.logger.Warn("Discarding incomplete frame", slog.Int("bytes", len(pending)))
			}
			return models.Message{}, c.fail(ErrIncompleteStream)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, e stream.Envelope) (models.Message, bool, error) {
	switch e.Type {
	case stream.TypeConnected:
	case stream.TypeToken:
		c.state.Content += e.Token
		c.publish()
	case stream.TypeToolStart:
		c.state.Tool = &ActiveTool{Name: e.Tool, Input: e.Input}
		c.publish()
	case stream.TypeToolEnd:
		c.state.Tool = nil
		c.state.Content += toolNote(e)
		c.publish()
	case stream.TypeError:
		err := &StreamError{Message: e.Error}
		return models.Message{}, true, c.fail(err)
	case stream.TypeDone:
		msg, err := c.commit(ctx)
		return msg, true, err
	}
	return models.Message{}, false, nil
}

func toolNote(e stream.Envelope) string {
	if !e.HasOutput() {
		return ""
	}
	var text string
	if err := json.Unmarshal(e.Output, &text); err == nil && strings.Contains(text, stream.ToolErrorMarker) {
		return "\n\n" + text + "\n"
	}
	return fmt.Sprintf(toolSuccessNote, e.Tool)
}

func (c *Consumer) commit(ctx context.Context) (models.Message, error) {
	msg := models.Message{
		ChatID:  c.chatID,
		Role:    models.RoleAssistant,
		Content: c.state.Content,
	}
	c.state = TurnState{}
	c.publish()

	id, err := c.store.StoreMessage(ctx, c.chatID, msg.Content, models.RoleAssistant)
	if err != nil {
		c.logger.Error("Failed to store assistant message", slog.String(errLoggerKey, err.Error()))
		return msg, fmt.Errorf("%w: %w", ErrNotPersisted, err)
	}
	msg.ID = id
	return msg, nil
}

func (c *Consumer) fail(err error) error {
	c.state = TurnState{Failure: err.Error()}
	c.publish()
	return err
}

func (c *Consumer) publish() {
	if c.onUpdate != nil {
		c.onUpdate(c.state)
	}
}
