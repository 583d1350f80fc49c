package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/agent"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	model(systemPrompt string, logger *slog.Logger) (agent.Model, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type config struct {
	Port            string                          `yaml:"port"`
	SystemPrompt    string                          `yaml:"systemPrompt"`
	LogLevel        string                          `yaml:"logLevel"`
	LogFormat       string                          `yaml:"logFormat"`
	DBPath          string                          `yaml:"dbPath"`
	Auth            authConfig                      `yaml:"auth"`
	RateLimit       rateLimitConfig                 `yaml:"rateLimit"`
	Stream          streamConfig                    `yaml:"stream"`
	Agent           agentConfig                     `yaml:"agent"`
	LLM             llmConfig                       `yaml:"llm"`
	MCPSSEServers   map[string]mcpSSEServerConfig   `yaml:"mcpSSEServers"`
	MCPStdIOServers map[string]mcpStdIOServerConfig `yaml:"mcpStdIOServers"`
}

type authConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
	Issuer    string `yaml:"issuer"`
}

type rateLimitConfig struct {
	PerMinute float64 `yaml:"perMinute"`
	Burst     int     `yaml:"burst"`
}

type streamConfig struct {
	Buffer int `yaml:"buffer"`
}

type agentConfig struct {
	MaxIterations int `yaml:"maxIterations"`
	HistoryLimit  int `yaml:"historyLimit"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type mcpSSEServerConfig struct {
	URL string `yaml:"url"`
}

type mcpStdIOServerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

const (
	defaultPort         = "8080"
	defaultIssuer       = "streamchat"
	defaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help " +
		"answer the user, and say so when a tool fails."

	openRouterBaseURL = "https://openrouter.ai/api/v1"
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port            string                          `yaml:"port"`
		SystemPrompt    string                          `yaml:"systemPrompt"`
		LogLevel        string                          `yaml:"logLevel"`
		LogFormat       string                          `yaml:"logFormat"`
		DBPath          string                          `yaml:"dbPath"`
		Auth            authConfig                      `yaml:"auth"`
		RateLimit       rateLimitConfig                 `yaml:"rateLimit"`
		Stream          streamConfig                    `yaml:"stream"`
		Agent           agentConfig                     `yaml:"agent"`
		LLM             map[string]any                  `yaml:"llm"`
		MCPSSEServers   map[string]mcpSSEServerConfig   `yaml:"mcpSSEServers"`
		MCPStdIOServers map[string]mcpStdIOServerConfig `yaml:"mcpStdIOServers"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "openai", "openrouter":
		llm = &openAIConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.LogLevel = rawConfig.LogLevel
	c.LogFormat = rawConfig.LogFormat
	c.DBPath = rawConfig.DBPath
	c.Auth = rawConfig.Auth
	c.RateLimit = rawConfig.RateLimit
	c.Stream = rawConfig.Stream
	c.Agent = rawConfig.Agent
	c.LLM = llm
	c.MCPSSEServers = rawConfig.MCPSSEServers
	c.MCPStdIOServers = rawConfig.MCPStdIOServers

	return nil
}

// loadConfig decodes the YAML configuration in r and fills unset fields from the environment and
// defaults.
func loadConfig(r io.Reader) (config, error) {
	cfg := config{}
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}

	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = os.Getenv("STREAMCHAT_JWT_SECRET")
	}
	if cfg.Auth.JWTSecret == "" {
		return config{}, errors.New("auth.jwtSecret or STREAMCHAT_JWT_SECRET is required")
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = defaultIssuer
	}
	if cfg.RateLimit.PerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return config{}, errors.New("rateLimit values must not be negative")
	}
	if _, err := cfg.logLevel(); err != nil {
		return config{}, err
	}

	return cfg, nil
}

func (c config) logLevel() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid logLevel %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (c config) newLogger(w io.Writer) *slog.Logger {
	level, _ := c.logLevel()
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (o ollamaConfig) model(systemPrompt string, logger *slog.Logger) (agent.Model, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, systemPrompt, o.Parameters, logger)
}

func (a anthropicConfig) model(systemPrompt string, logger *slog.Logger) (agent.Model, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	return services.NewAnthropic(apiKey, a.Endpoint, a.Model, systemPrompt, a.Parameters, logger), nil
}

func (o openAIConfig) model(systemPrompt string, logger *slog.Logger) (agent.Model, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey, baseURL := o.APIKey, o.BaseURL
	if o.Provider == "openrouter" {
		if apiKey == "" {
			apiKey = os.Getenv("OPENROUTER_API_KEY")
		}
		if baseURL == "" {
			baseURL = openRouterBaseURL
		}
	}
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%s api key is required", o.Provider)
	}
	return services.NewOpenAI(apiKey, baseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}
