package services

import "encoding/json"

// LLMParameters tunes model sampling. Unset fields use the provider defaults below.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	MaxTokens   int      `yaml:"maxTokens"`
	Stop        []string `yaml:"stop"`
}

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 4096
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

func (p LLMParameters) temperature() float32 {
	if p.Temperature == nil {
		return defaultTemperature
	}
	return *p.Temperature
}

func (p LLMParameters) maxTokens() int {
	if p.MaxTokens <= 0 {
		return defaultMaxTokens
	}
	return p.MaxTokens
}

func toolSchema(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return emptyObjectSchema
	}
	return schema
}

func toolInput(input json.RawMessage) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage("{}")
	}
	return input
}
