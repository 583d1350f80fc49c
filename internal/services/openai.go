package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sort"

	"github.com/MegaGrindStone/streamchat/internal/agent"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI is an agent.Model backed by the OpenAI chat completion API, or any API compatible with
// it such as OpenRouter. Text chunks are yielded as plain strings.
type OpenAI struct {
	model        string
	systemPrompt string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates an OpenAI model. An empty baseURL uses the official endpoint.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(systemPrompt string, turns []agent.Turn) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(turns)+1)
	if systemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}

	for _, turn := range turns {
		switch turn.Role {
		case agent.TurnRoleUser:
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleUser,
				Content: turn.Text,
			})
		case agent.TurnRoleAssistant:
			msg := goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleAssistant,
				Content: turn.Text,
			}
			for _, call := range turn.Calls {
				msg.ToolCalls = append(msg.ToolCalls, goopenai.ToolCall{
					ID:   call.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      call.Name,
						Arguments: string(toolInput(call.Input)),
					},
				})
			}
			msgs = append(msgs, msg)
		case agent.TurnRoleTool:
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:       goopenai.ChatMessageRoleTool,
				Content:    turn.Text,
				ToolCallID: turn.CallID,
			})
		}
	}
	return msgs
}

// Chat streams a completion for turns. Tool calls are accumulated across deltas and yielded once
// the response is complete.
func (o OpenAI) Chat(
	ctx context.Context,
	turns []agent.Turn,
	tools []agent.ToolSpec,
) iter.Seq2[agent.Content, error] {
	return func(yield func(agent.Content, error) bool) {
		oTools := make([]goopenai.Tool, len(tools))
		for i, tool := range tools {
			oTools[i] = goopenai.Tool{
				Type: goopenai.ToolTypeFunction,
				Function: &goopenai.FunctionDefinition{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  toolSchema(tool.InputSchema),
				},
			}
		}

		req := o.chatRequest(openAIMessages(o.systemPrompt, turns), oTools)

		reqJSON, err := json.Marshal(req)
		if err == nil {
			o.logger.Debug("Request", slog.String("req", string(reqJSON)))
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield(agent.Content{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		calls := make(map[int]*pendingCall)
		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				yield(agent.Content{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			delta := response.Choices[0].Delta
			if delta.Content != "" {
				if !yield(agent.Content{Chunk: delta.Content}, nil) {
					return
				}
			}
			for i, tc := range delta.ToolCalls {
				idx := i
				if tc.Index != nil {
					idx = *tc.Index
				}
				pc, ok := calls[idx]
				if !ok {
					pc = &pendingCall{}
					calls[idx] = pc
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args += tc.Function.Arguments
			}
		}

		for _, call := range orderedCalls(calls) {
			o.logger.Debug("Call Tool", slog.String("name", call.Name), slog.String("args", string(call.Input)))
			if !yield(agent.Content{Call: &call}, nil) {
				return
			}
		}
	}
}

func (o OpenAI) chatRequest(
	messages []goopenai.ChatCompletionMessage,
	tools []goopenai.Tool,
) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		Stream:      true,
		Tools:       tools,
		Temperature: o.params.temperature(),
		MaxTokens:   o.params.maxTokens(),
		Stop:        o.params.Stop,
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	return req
}

type pendingCall struct {
	id   string
	name string
	args string
}

func orderedCalls(calls map[int]*pendingCall) []agent.ToolCall {
	idxs := make([]int, 0, len(calls))
	for idx := range calls {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	res := make([]agent.ToolCall, 0, len(idxs))
	for _, idx := range idxs {
		pc := calls[idx]
		args := pc.args
		if args == "" {
			args = "{}"
		}
		res = append(res, agent.ToolCall{ID: pc.id, Name: pc.name, Input: json.RawMessage(args)})
	}
	return res
}
