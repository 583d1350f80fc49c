package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/stream"
	"github.com/google/uuid"
)

// Agent runs a conversation turn as a loop between a chat model and a set of tools, reporting
// each step as an Event.
type Agent struct {
	model  Model
	tools  Toolset
	logger *slog.Logger

	maxIterations int
	historyLimit  int
}

// Model is a streaming chat model. Chat yields Content values until the model's response is
// complete; a Content carries either a text chunk or a tool call request.
type Model interface {
	Chat(ctx context.Context, turns []Turn, tools []ToolSpec) iter.Seq2[Content, error]
}

// Toolset lists and invokes the tools available to the model.
type Toolset interface {
	Tools(ctx context.Context) ([]ToolSpec, error)
	CallTool(ctx context.Context, name string, input json.RawMessage) (string, error)
}

// TurnRole is the author of a Turn.
type TurnRole string

// Turn is one entry of the working transcript the model sees.
type Turn struct {
	Role TurnRole
	Text string

	// Calls is set on assistant turns that requested tools.
	Calls []ToolCall

	// CallID and Name identify the call a tool turn answers.
	CallID string
	Name   string
	Failed bool
}

// ToolCall is a model's request to invoke a tool.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolSpec describes a tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Content is one item of a model stream. Exactly one of Chunk or Call is set.
type Content struct {
	Chunk any
	Call  *ToolCall
}

// Option configures an Agent.
type Option func(*Agent)

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
	TurnRoleTool      TurnRole = "tool"

	defaultMaxIterations = 25
	defaultHistoryLimit  = 10

	chainName = "agent"
	modelName = "chat_model"
)

// ErrMaxIterations is returned when the model keeps requesting tools past the iteration limit.
var ErrMaxIterations = errors.New("agent: maximum iterations exceeded")

// WithMaxIterations bounds the number of model invocations in one turn.
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithHistoryLimit sets how many messages, including the new one, the model receives.
func WithHistoryLimit(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.historyLimit = n
		}
	}
}

// New creates an Agent. A nil tools runs the model without tools.
func New(model Model, tools Toolset, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		model:         model,
		tools:         tools,
		logger:        logger.With(slog.String("module", "agent")),
		maxIterations: defaultMaxIterations,
		historyLimit:  defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Stream runs one turn for newMessage on top of history. The returned sequence yields the run's
// events in order; it yields a non-nil error at most once, as its final element.
func (a *Agent) Stream(
	ctx context.Context,
	history []models.Message,
	newMessage string,
	chatID string,
) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		runID := uuid.NewString()
		logger := a.logger.With(slog.String("chatID", chatID), slog.String("runID", runID))

		if !yield(Event{Kind: EventChainStart, Name: chainName, RunID: runID}, nil) {
			return
		}

		var specs []ToolSpec
		if a.tools != nil {
			var err error
			specs, err = a.tools.Tools(ctx)
			if err != nil {
				yield(Event{}, fmt.Errorf("failed to list tools: %w", err))
				return
			}
		}

		turns := TrimHistory(history, newMessage, a.historyLimit)

		for i := 0; ; i++ {
			if i >= a.maxIterations {
				yield(Event{}, ErrMaxIterations)
				return
			}

			if !yield(Event{Kind: EventChatModelStart, Name: modelName, RunID: runID}, nil) {
				return
			}

			var text strings.Builder
			var calls []ToolCall
			for content, err := range a.model.Chat(ctx, turns, specs) {
				if err != nil {
					yield(Event{}, fmt.Errorf("failed to stream model response: %w", err))
					return
				}
				if content.Call != nil {
					calls = append(calls, *content.Call)
					continue
				}
				if t, ok := ChunkText(content.Chunk); ok {
					text.WriteString(t)
				}
				ev := Event{
					Kind:  EventChatModelStream,
					Name:  modelName,
					RunID: runID,
					Data:  Chunk{Content: content.Chunk},
				}
				if !yield(ev, nil) {
					return
				}
			}

			if !yield(Event{Kind: EventChatModelEnd, Name: modelName, RunID: runID}, nil) {
				return
			}

			turns = append(turns, Turn{Role: TurnRoleAssistant, Text: text.String(), Calls: calls})
			if len(calls) == 0 {
				yield(Event{Kind: EventChainEnd, Name: chainName, RunID: runID}, nil)
				return
			}

			for _, call := range calls {
				if !yield(Event{
					Kind:  EventToolStart,
					Name:  call.Name,
					RunID: runID,
					Data:  ToolInput{Input: call.Input},
				}, nil) {
					return
				}

				output, failed := a.callTool(ctx, call)
				if failed {
					logger.Warn("Tool call failed", slog.String("tool", call.Name), slog.String("output", output))
				}

				if !yield(Event{
					Kind:  EventToolEnd,
					Name:  call.Name,
					RunID: runID,
					Data:  ToolOutput{Output: output},
				}, nil) {
					return
				}

				turns = append(turns, Turn{
					Role:   TurnRoleTool,
					Text:   output,
					CallID: call.ID,
					Name:   call.Name,
					Failed: failed,
				})
			}
		}
	}
}

func (a *Agent) callTool(ctx context.Context, call ToolCall) (string, bool) {
	if a.tools == nil {
		return fmt.Sprintf("%s tool %q is not available", stream.ToolErrorMarker, call.Name), true
	}
	output, err := a.tools.CallTool(ctx, call.Name, call.Input)
	if err != nil {
		return fmt.Sprintf("%s %s", stream.ToolErrorMarker, err.Error()), true
	}
	return output, false
}
