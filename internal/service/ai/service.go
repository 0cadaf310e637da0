package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pachat/internal/config"
	"pachat/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// Capability names the pipeline resolves clients by.
const (
	CapabilityReasoning = "reasoning"
	CapabilityAnswer    = "answer"
)

// Client is a text-generation capability backed by one chat model.
// Timeouts and retries are the caller's concern through ctx.
type Client struct {
	name      string
	chatModel model.ToolCallingChatModel
}

func NewClient(name string, chatModel model.ToolCallingChatModel) *Client {
	return &Client{name: name, chatModel: chatModel}
}

// Name returns the provider the client talks to.
func (c *Client) Name() string { return c.name }

// NewChatModel builds the provider-specific chat model.
func NewChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	var temperature *float32
	if provCfg.Temperature != 0 {
		t := provCfg.Temperature
		temperature = &t
	}

	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     provCfg.BaseURL,
			Model:       provCfg.Model,
			APIKey:      provCfg.APIKey,
			Temperature: temperature,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client:      client,
			Model:       provCfg.Model,
			Temperature: temperature,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:      provCfg.APIKey,
			Model:       provCfg.Model,
			BaseURL:     baseURLPtr,
			MaxTokens:   3000,
			Temperature: temperature,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

// NewClients resolves every configured capability to a client. Providers
// shared by several capabilities get one chat model.
func NewClients(ctx context.Context, cfg *config.Config) (map[string]*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	names := make([]string, 0, len(cfg.Capabilities))
	for capability := range cfg.Capabilities {
		names = append(names, capability)
	}
	sort.Strings(names)

	byProvider := make(map[string]*Client)
	clients := make(map[string]*Client, len(names))
	for _, capability := range names {
		provider := cfg.Capabilities[capability]
		if c, ok := byProvider[provider]; ok {
			clients[capability] = c
			continue
		}
		provCfg, ok := cfg.Providers[provider]
		if !ok {
			return nil, fmt.Errorf("provider %s not configured", provider)
		}
		chatModel, err := NewChatModel(ctx, provider, provCfg)
		if err != nil {
			return nil, fmt.Errorf("init %s model: %w", provider, err)
		}
		c := NewClient(provider, chatModel)
		byProvider[provider] = c
		clients[capability] = c
	}
	return clients, nil
}

// Complete returns the free-form reply to messages.
func (c *Client) Complete(ctx context.Context, messages []*schema.Message) (string, error) {
	resp, err := c.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate failed: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// CompleteStructured binds shape as the only tool and decodes the values
// the model put in its field. Models that answer in plain JSON instead of a
// tool call are accepted too.
func (c *Client) CompleteStructured(ctx context.Context, messages []*schema.Message, shape Shape) ([]string, error) {
	bound, err := c.chatModel.WithTools([]*schema.ToolInfo{shape.ToolInfo()})
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", shape.Name, err)
	}
	resp, err := bound.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("generate failed: %w", err)
	}
	raw := ""
	for _, call := range resp.ToolCalls {
		if call.Function.Name == shape.Name || call.Function.Name == "" {
			raw = call.Function.Arguments
			break
		}
	}
	if raw == "" {
		raw = extractJSON(resp.Content)
	}
	return shape.Decode(raw)
}

// ConvertMessages maps a thread log to chat model messages.
func ConvertMessages(history []models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleHuman:
			role = schema.User
		case models.RoleAI:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return messages
}

func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}
