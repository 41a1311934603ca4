package genai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Config selects and tunes the backing model.
type Config struct {
	// Provider is one of "anthropic", "openai", "ollama".
	Provider string `json:"provider" yaml:"provider"`

	// Model is the provider-specific model name.
	Model string `json:"model" yaml:"model"`

	// APIKey authenticates against the provider. Empty means no model:
	// calls return ErrNoModel and stages degrade to their sentinels.
	APIKey string `json:"-" yaml:"-"`

	// BaseURL overrides the provider endpoint (openai-compatible
	// gateways, local ollama).
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	Temperature float64      `json:"temperature" yaml:"temperature"`
	MaxTokens   int          `json:"max_tokens" yaml:"max_tokens"`
	Logger      *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.Provider == "" {
		c.Provider = "anthropic"
	}
	if c.Model == "" {
		c.Model = "claude-sonnet-4-20250514"
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.2
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client implements StructuredClient and VisionClient on top of a
// langchaingo model.
type Client struct {
	llm    llms.Model
	cfg    Config
	logger *slog.Logger
}

// NewClient builds a Client for the configured provider. A missing API
// key (for providers that need one) yields a client whose calls return
// ErrNoModel rather than a construction error, so the service can start
// without credentials and still serve the deterministic pipeline parts.
func NewClient(cfg Config) (*Client, error) {
	cfg.defaults()

	if cfg.APIKey == "" && cfg.Provider != "ollama" {
		cfg.Logger.Warn("genai: no API key, generation stages will degrade", "provider", cfg.Provider)
		return &Client{cfg: cfg, logger: cfg.Logger}, nil
	}

	var model llms.Model
	var err error
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		model, err = anthropic.New(
			anthropic.WithModel(cfg.Model),
			anthropic.WithToken(cfg.APIKey),
		)
	case "openai":
		opts := []openai.Option{
			openai.WithModel(cfg.Model),
			openai.WithToken(cfg.APIKey),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	case "ollama":
		host := cfg.BaseURL
		if host == "" {
			host = "http://127.0.0.1:11434"
		}
		model, err = ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(host),
		)
	default:
		return nil, fmt.Errorf("genai: unsupported provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("genai: create %s client: %w", cfg.Provider, err)
	}
	return &Client{llm: model, cfg: cfg, logger: cfg.Logger}, nil
}

// NewClientWithModel wraps an existing model. Used by tests.
func NewClientWithModel(m llms.Model, cfg Config) *Client {
	cfg.defaults()
	return &Client{llm: m, cfg: cfg, logger: cfg.Logger}
}

// GenerateStructured runs one schema-constrained text call and returns
// the validated JSON object.
func (c *Client) GenerateStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error) {
	if c.llm == nil {
		return nil, ErrNoModel
	}
	parts := []llms.ContentPart{llms.TextPart(PromptWithSchema(req.Prompt, req.Schema))}
	return c.generate(ctx, req.System, parts, req.MaxTokens, req.Schema)
}

// GenerateVision runs one schema-constrained call with page images.
func (c *Client) GenerateVision(ctx context.Context, req VisionRequest) (json.RawMessage, error) {
	if c.llm == nil {
		return nil, ErrNoModel
	}
	mime := req.ImageMIME
	if mime == "" {
		mime = "image/png"
	}
	parts := make([]llms.ContentPart, 0, len(req.Images)+1)
	for _, img := range req.Images {
		if strings.ToLower(c.cfg.Provider) == "openai" {
			parts = append(parts, llms.ImageURLPart("data:"+mime+";base64,"+base64.StdEncoding.EncodeToString(img)))
		} else {
			parts = append(parts, llms.BinaryPart(mime, img))
		}
	}
	parts = append(parts, llms.TextPart(PromptWithSchema(req.Prompt, req.Schema)))
	return c.generate(ctx, req.System, parts, req.MaxTokens, req.Schema)
}

func (c *Client) generate(ctx context.Context, system string, parts []llms.ContentPart, maxTokens int, schema Schema) (json.RawMessage, error) {
	var messages []llms.MessageContent
	if system != "" {
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: parts,
	})

	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	resp, err := c.llm.GenerateContent(ctx, messages,
		llms.WithMaxTokens(maxTokens),
		llms.WithTemperature(c.cfg.Temperature),
	)
	if err != nil {
		return nil, fmt.Errorf("genai: generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrSchemaViolation)
	}

	raw, err := ExtractJSON(resp.Choices[0].Content)
	if err != nil {
		return nil, err
	}
	if err := ValidateRequired(raw, schema); err != nil {
		return nil, err
	}
	return raw, nil
}
