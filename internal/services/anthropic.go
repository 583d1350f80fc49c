package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/agent"
	"github.com/tmaxmax/go-sse"
)

// Anthropic is an agent.Model backed by the Anthropic messages API. Text chunks are yielded in
// the API's content-array shape, a slice of agent.ContentPart.
type Anthropic struct {
	apiKey       string
	endpoint     string
	model        string
	systemPrompt string

	params LLMParameters

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float32            `json:"temperature"`
	TopP        *float32           `json:"top_p,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicContentBlockStart struct {
	Index        int              `json:"index"`
	ContentBlock anthropicContent `json:"content_block"`
}

type anthropicContentBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type anthropicContentBlockStop struct {
	Index int `json:"index"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
	anthropicAPIVersion  = "2023-06-01"
)

// NewAnthropic creates an Anthropic model. An empty endpoint uses the official API.
func NewAnthropic(
	apiKey, endpoint, model, systemPrompt string,
	params LLMParameters,
	logger *slog.Logger,
) Anthropic {
	if endpoint == "" {
		endpoint = anthropicAPIEndpoint
	}
	return Anthropic{
		apiKey:       apiKey,
		endpoint:     strings.TrimSuffix(endpoint, "/"),
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

func anthropicMessages(turns []agent.Turn) []anthropicMessage {
	msgs := make([]anthropicMessage, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case agent.TurnRoleUser:
			msgs = append(msgs, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: turn.Text}},
			})
		case agent.TurnRoleAssistant:
			var contents []anthropicContent
			if turn.Text != "" {
				contents = append(contents, anthropicContent{Type: "text", Text: turn.Text})
			}
			for _, call := range turn.Calls {
				contents = append(contents, anthropicContent{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Name,
					Input: toolInput(call.Input),
				})
			}
			if len(contents) == 0 {
				continue
			}
			msgs = append(msgs, anthropicMessage{Role: "assistant", Content: contents})
		case agent.TurnRoleTool:
			result := anthropicContent{
				Type:      "tool_result",
				ToolUseID: turn.CallID,
				Content:   turn.Text,
				IsError:   turn.Failed,
			}
			// Results of one assistant turn share a single user message.
			if n := len(msgs); n > 0 && msgs[n-1].Role == "user" && isToolResults(msgs[n-1]) {
				msgs[n-1].Content = append(msgs[n-1].Content, result)
				continue
			}
			msgs = append(msgs, anthropicMessage{Role: "user", Content: []anthropicContent{result}})
		}
	}
	return msgs
}

func isToolResults(msg anthropicMessage) bool {
	for _, c := range msg.Content {
		if c.Type != "tool_result" {
			return false
		}
	}
	return len(msg.Content) > 0
}

// Chat streams a response from the Anthropic API. Tool use blocks are yielded as calls once
// their input JSON is complete.
func (a Anthropic) Chat(
	ctx context.Context,
	turns []agent.Turn,
	tools []agent.ToolSpec,
) iter.Seq2[agent.Content, error] {
	return func(yield func(agent.Content, error) bool) {
		aTools := make([]anthropicTool, len(tools))
		for i, tool := range tools {
			aTools[i] = anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: toolSchema(tool.InputSchema),
			}
		}

		reqBody := anthropicChatRequest{
			Model:       a.model,
			Messages:    anthropicMessages(turns),
			System:      a.systemPrompt,
			MaxTokens:   a.params.maxTokens(),
			Temperature: a.params.temperature(),
			TopP:        a.params.TopP,
			Stop:        a.params.Stop,
			Tools:       aTools,
			Stream:      true,
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield(agent.Content{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}
		a.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield(agent.Content{}, fmt.Errorf("error creating request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", a.apiKey)
		req.Header.Set("anthropic-version", anthropicAPIVersion)

		resp, err := a.client.Do(req)
		if err != nil {
			yield(agent.Content{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			yield(agent.Content{}, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body)))
			return
		}

		toolUses := make(map[int]*toolUseBlock)
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(agent.Content{}, fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(agent.Content{}, fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield(agent.Content{}, fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				return
			case "content_block_start":
				var res anthropicContentBlockStart
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(agent.Content{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if res.ContentBlock.Type == "tool_use" {
					toolUses[res.Index] = &toolUseBlock{id: res.ContentBlock.ID, name: res.ContentBlock.Name}
				}
			case "content_block_delta":
				var res anthropicContentBlockDelta
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(agent.Content{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				switch res.Delta.Type {
				case "text_delta":
					part := []agent.ContentPart{{Type: "text", Text: res.Delta.Text}}
					if !yield(agent.Content{Chunk: part}, nil) {
						return
					}
				case "input_json_delta":
					if tu, ok := toolUses[res.Index]; ok {
						tu.input.WriteString(res.Delta.PartialJSON)
					}
				}
			case "content_block_stop":
				var res anthropicContentBlockStop
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(agent.Content{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				tu, ok := toolUses[res.Index]
				if !ok {
					continue
				}
				delete(toolUses, res.Index)
				call := tu.call()
				a.logger.Debug("Call Tool", slog.String("name", call.Name), slog.String("args", string(call.Input)))
				if !yield(agent.Content{Call: &call}, nil) {
					return
				}
			default:
				continue
			}
		}

		if ctx.Err() != nil {
			yield(agent.Content{}, ctx.Err())
			return
		}
		yield(agent.Content{}, errors.New("stream ended without message_stop"))
	}
}

type toolUseBlock struct {
	id    string
	name  string
	input strings.Builder
}

func (t *toolUseBlock) call() agent.ToolCall {
	return agent.ToolCall{
		ID:    t.id,
		Name:  t.name,
		Input: toolInput(json.RawMessage(t.input.String())),
	}
}
