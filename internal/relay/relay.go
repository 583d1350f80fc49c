// Package relay turns one chat request into an ordered stream of SSE frames. The stream is
// returned to the caller immediately while a producer goroutine persists the user message, runs
// the agent and encodes its events.
package relay

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MegaGrindStone/streamchat/internal/agent"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/stream"
	"github.com/tmaxmax/go-sse"
)

// Relay opens streams for chat requests.
type Relay struct {
	store  Store
	agent  Agent
	logger *slog.Logger

	buffer   int
	observer Observer
}

// Store persists user messages.
type Store interface {
	SendMessage(ctx context.Context, chatID, content string) (string, error)
}

// Agent produces the events of one conversational turn.
type Agent interface {
	Stream(ctx context.Context, history []models.Message, newMessage, chatID string) iter.Seq2[agent.Event, error]
}

// Observer is notified of every envelope a stream emits, before its frame is queued. It is
// called from the producer goroutine.
type Observer func(e stream.Envelope)

// Request is a validated chat turn.
type Request struct {
	History    []models.Message
	NewMessage string
	ChatID     string
}

// Stream is the read side of a relayed turn. It yields encoded frames in order and ends after
// the terminal frame.
type Stream struct {
	frames chan *sse.Message
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once

	// terminated is owned by the producer.
	terminated bool
	outcome    atomic.Value
}

// Option configures a Relay.
type Option func(*Relay)

const defaultBuffer = 16

// WithBuffer sets how many frames may be queued ahead of a slow reader before the producer
// suspends.
func WithBuffer(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// WithObserver registers a function called with every emitted envelope.
func WithObserver(o Observer) Option {
	return func(r *Relay) {
		r.observer = o
	}
}

// New creates a Relay.
func New(store Store, agent Agent, logger *slog.Logger, opts ...Option) Relay {
	r := Relay{
		store:  store,
		agent:  agent,
		logger: logger.With(slog.String("module", "relay")),
		buffer: defaultBuffer,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// Open starts relaying req for userID and returns the stream at once. The caller must either
// drain the stream or Close it.
func (r Relay) Open(ctx context.Context, userID string, req Request) *Stream {
	s := &Stream{
		frames: make(chan *sse.Message, r.buffer),
		done:   make(chan struct{}),
	}
	logger := r.logger.With(slog.String("userID", userID), slog.String("chatID", req.ChatID))

	go r.produce(ctx, s, req, logger)

	return s
}

func (r Relay) produce(ctx context.Context, s *Stream, req Request, logger *slog.Logger) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Relay panicked", slog.String("panic", fmt.Sprint(p)))
			r.emit(s, stream.Error(fmt.Sprintf("internal error: %v", p)), logger)
		}
		s.finish()
	}()

	if !r.emit(s, stream.Connected(), logger) {
		return
	}

	if _, err := r.store.SendMessage(ctx, req.ChatID, req.NewMessage); err != nil {
		logger.Warn("Failed to persist user message", slog.String(errLoggerKey, err.Error()))
	}

	for ev, err := range r.agent.Stream(ctx, req.History, req.NewMessage, req.ChatID) {
		if err != nil {
			logger.Error("Agent failed", slog.String(errLoggerKey, err.Error()))
			r.emit(s, stream.Error(err.Error()), logger)
			return
		}
		env, ok := envelopeFor(ev)
		if !ok {
			continue
		}
		if !r.emit(s, env, logger) {
			// Consumer is gone; stop driving the agent.
			return
		}
	}

	r.emit(s, stream.Done(), logger)
}

func (r Relay) emit(s *Stream, e stream.Envelope, logger *slog.Logger) bool {
	if s.terminated {
		return false
	}
	msg, err := stream.Encode(e)
	if err != nil {
		logger.Error("Failed to encode envelope", slog.String(errLoggerKey, err.Error()))
		msg, err = stream.Encode(stream.Error("failed to encode event"))
		if err != nil {
			return false
		}
		e = stream.Error("failed to encode event")
	}
	if e.Terminal() {
		s.terminated = true
		s.outcome.Store(e.Type)
	}
	if r.observer != nil {
		r.observer(e)
	}
	return s.send(msg)
}

// envelopeFor maps an agent event to its envelope. Events that carry nothing for the client are
// skipped.
func envelopeFor(ev agent.Event) (stream.Envelope, bool) {
	switch ev.Kind {
	case agent.EventChatModelStream:
		var content any = ev.Data
		if c, ok := ev.Data.(agent.Chunk); ok {
			content = c.Content
		}
		text, ok := agent.ChunkText(content)
		if !ok || text == "" {
			return stream.Envelope{}, false
		}
		return stream.Token(text), true
	case agent.EventToolStart:
		var input any = ev.Data
		if in, ok := ev.Data.(agent.ToolInput); ok {
			input = in.Input
		}
		return stream.ToolStart(ev.Name, input), true
	case agent.EventToolEnd:
		var output any = ev.Data
		if out, ok := ev.Data.(agent.ToolOutput); ok {
			output = out.Output
		}
		return stream.ToolEnd(ev.Name, output), true
	}
	return stream.Envelope{}, false
}

const errLoggerKey = "err"

// send queues msg, blocking while the buffer is full. It reports false, without blocking, once
// the stream is closed.
func (s *Stream) send(msg *sse.Message) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.frames <- msg:
		return true
	case <-s.done:
		return false
	}
}

// finish ends the producer side. It is called exactly once, by the producer.
func (s *Stream) finish() {
	s.closed.Store(true)
	close(s.frames)
}

// Outcome returns the type of the terminal envelope the producer queued, or "" when there was
// none, as when the consumer abandoned the stream first.
func (s *Stream) Outcome() stream.Type {
	t, _ := s.outcome.Load().(stream.Type)
	return t
}

// Next returns the next frame. It reports false when the stream has ended, has been closed, or
// ctx is done.
func (s *Stream) Next(ctx context.Context) (*sse.Message, bool) {
	if s.abandoned() {
		return nil, false
	}
	select {
	case msg, ok := <-s.frames:
		return msg, ok
	case <-s.done:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Close abandons the stream. Pending and future producer writes become no-ops. Close is safe to
// call more than once and concurrently with the producer.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}

func (s *Stream) abandoned() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// WriteTo sends every frame to w, flushing after each one, until the stream ends. On a write
// error the stream is closed and the error returned.
func (s *Stream) WriteTo(w sse.MessageWriter) error {
	for {
		if s.abandoned() {
			return nil
		}
		select {
		case msg, ok := <-s.frames:
			if !ok {
				return nil
			}
			if err := w.Send(msg); err != nil {
				s.Close()
				return fmt.Errorf("failed to send frame: %w", err)
			}
			if err := w.Flush(); err != nil {
				s.Close()
				return fmt.Errorf("failed to flush frame: %w", err)
			}
		case <-s.done:
			return nil
		}
	}
}
