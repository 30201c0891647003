// Package fantasy extracts orders through the charm fantasy agent runtime.
// The provider has no strict schema mode here, so the schema travels in the
// prompt and the answer is decoded from text.
package fantasy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	core "charm.land/fantasy"
	provideropenai "charm.land/fantasy/providers/openai"

	"recambio/pkg/config"
	"recambio/pkg/extraction/schema"
	"recambio/pkg/extraction/types"
	"recambio/pkg/orders"
)

type languageModelProvider interface {
	LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error)
}

type Client struct {
	provider        languageModelProvider
	loader          schema.MediaLoader
	requestTimeout  time.Duration
	modelID         string
	maxOutputTokens *int64
	temperature     *float64
	generate        func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error)
}

func New(cfg *config.Config, loader schema.MediaLoader) (*Client, error) {
	apiKey := resolveAPIKey(cfg.Providers.OpenAI)
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY must be set")
	}

	modelID, err := normalizeOpenAIModel(cfg.Extraction.Model)
	if err != nil {
		return nil, err
	}

	providerOptions := []provideropenai.Option{provideropenai.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.Providers.OpenAI.BaseURL); baseURL != "" {
		providerOptions = append(providerOptions, provideropenai.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(cfg.Providers.OpenAI.Organization); organization != "" {
		providerOptions = append(providerOptions, provideropenai.WithOrganization(organization))
	}
	if project := strings.TrimSpace(cfg.Providers.OpenAI.Project); project != "" {
		providerOptions = append(providerOptions, provideropenai.WithProject(project))
	}

	fantasyProvider, err := provideropenai.New(providerOptions...)
	if err != nil {
		return nil, fmt.Errorf("initialize fantasy openai provider: %w", err)
	}

	client := &Client{
		provider:       fantasyProvider,
		loader:         loader,
		requestTimeout: time.Duration(cfg.Providers.OpenAI.RequestTimeoutSeconds) * time.Second,
		modelID:        modelID,
		generate:       generateWithFantasyAgent,
	}

	if cfg.Extraction.MaxTokens > 0 {
		maxTokens := int64(cfg.Extraction.MaxTokens)
		client.maxOutputTokens = &maxTokens
	}
	if cfg.Extraction.Temperature > 0 {
		temp := cfg.Extraction.Temperature
		client.temperature = &temp
	}

	return client, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.provider.LanguageModel(ctx, c.modelID); err != nil {
		return orders.Unavailable("fantasy health check", err)
	}

	return nil
}

func (c *Client) Extract(ctx context.Context, history []orders.Message) (types.Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	call, err := c.buildCall(ctx, history)
	if err != nil {
		return types.Result{}, err
	}

	languageModel, err := c.provider.LanguageModel(ctx, c.modelID)
	if err != nil {
		return types.Result{}, orders.Unavailable("resolve language model", err)
	}

	generate := c.generate
	if generate == nil {
		generate = generateWithFantasyAgent
	}

	result, err := generate(ctx, languageModel, call)
	if err != nil {
		return types.Result{}, orders.Unavailable("fantasy generate", err)
	}
	if result.Response.FinishReason == core.FinishReasonLength {
		return types.Result{}, orders.Malformed("answer truncated at max tokens", nil)
	}

	candidates, skipped, err := schema.Decode(extractText(result.Response.Content))
	if err != nil {
		return types.Result{}, err
	}

	usage := types.TokenUsage{
		InputTokens:         result.TotalUsage.InputTokens,
		OutputTokens:        result.TotalUsage.OutputTokens,
		TotalTokens:         result.TotalUsage.TotalTokens,
		ReasoningTokens:     result.TotalUsage.ReasoningTokens,
		CacheCreationTokens: result.TotalUsage.CacheCreationTokens,
		CacheReadTokens:     result.TotalUsage.CacheReadTokens,
	}

	return types.Result{
		Candidates: candidates,
		Skipped:    skipped,
		Metadata: types.Metadata{
			Provider: "fantasy/openai",
			Model:    c.modelID,
			Usage:    types.UsagePtr(usage),
		},
	}, nil
}

func (c *Client) buildCall(ctx context.Context, history []orders.Message) (core.AgentCall, error) {
	parts, err := schema.BuildEvidence(ctx, c.loader, history)
	if err != nil {
		return core.AgentCall{}, err
	}

	content := make([]core.MessagePart, 0, len(parts))
	for _, part := range parts {
		switch part.Kind {
		case schema.PartImage:
			content = append(content, core.FilePart{
				Filename:  part.Ref,
				Data:      part.Data,
				MediaType: part.MediaType,
			})
		default:
			content = append(content, core.TextPart{Text: part.Text})
		}
	}

	schemaJSON, err := json.Marshal(schema.Schema())
	if err != nil {
		return core.AgentCall{}, fmt.Errorf("marshal answer schema: %w", err)
	}

	messages := []core.Message{{
		Role:    core.MessageRoleSystem,
		Content: []core.MessagePart{core.TextPart{Text: schema.SystemPrompt()}},
	}}
	if len(content) > 0 {
		messages = append(messages, core.Message{Role: core.MessageRoleUser, Content: content})
	}

	call := core.AgentCall{
		Prompt: "Responde solo con un objeto JSON que cumpla este esquema, sin texto adicional:\n" +
			string(schemaJSON),
		Messages: messages,
	}
	if c.maxOutputTokens != nil {
		call.MaxOutputTokens = c.maxOutputTokens
	}
	if c.temperature != nil {
		call.Temperature = c.temperature
	}

	return call, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.OpenAIProviderConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func normalizeOpenAIModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("extraction.model is required")
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	providerID := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", errors.New("extraction.model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported by fantasy openai provider", providerID)
	}

	return modelID, nil
}

func extractText(content core.ResponseContent) string {
	lines := make([]string, 0)
	for _, part := range content {
		if part.GetType() != core.ContentTypeText {
			continue
		}

		textPart, ok := core.AsContentType[core.TextContent](part)
		if !ok {
			continue
		}

		line := strings.TrimSpace(textPart.Text)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func generateWithFantasyAgent(ctx context.Context, model core.LanguageModel, call core.AgentCall) (*core.AgentResult, error) {
	return core.NewAgent(model).Generate(ctx, call)
}
