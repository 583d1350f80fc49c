package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/streamchat/internal/agent"
	"github.com/ollama/ollama/api"
)

// Ollama is an agent.Model backed by an Ollama server. Text chunks are yielded as a single
// agent.ContentPart. Tools are not offered to the model.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	params LLMParameters

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates an Ollama model talking to the server at host.
func NewOllama(host, model, systemPrompt string, params LLMParameters, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

func ollamaMessages(systemPrompt string, turns []agent.Turn) []api.Message {
	msgs := make([]api.Message, 0, len(turns)+1)
	if systemPrompt != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: systemPrompt})
	}
	for _, turn := range turns {
		msgs = append(msgs, api.Message{Role: string(turn.Role), Content: turn.Text})
	}
	return msgs
}

// Chat streams a response from the Ollama model.
func (o Ollama) Chat(ctx context.Context, turns []agent.Turn, _ []agent.ToolSpec) iter.Seq2[agent.Content, error] {
	return func(yield func(agent.Content, error) bool) {
		options := map[string]any{
			"temperature": o.params.temperature(),
			"num_predict": o.params.maxTokens(),
		}
		if o.params.TopP != nil {
			options["top_p"] = *o.params.TopP
		}
		if len(o.params.Stop) > 0 {
			options["stop"] = o.params.Stop
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: ollamaMessages(o.systemPrompt, turns),
			Stream:   &t,
			Options:  options,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			part := agent.ContentPart{Type: "text", Text: res.Message.Content}
			if !yield(agent.Content{Chunk: part}, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped && errors.Is(err, context.Canceled) {
				return
			}
			yield(agent.Content{}, fmt.Errorf("error sending request: %w", err))
		}
	}
}
