// Package openai extracts orders with OpenAI Chat Completions structured
// outputs.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"recambio/pkg/config"
	"recambio/pkg/extraction/schema"
	"recambio/pkg/extraction/types"
	"recambio/pkg/orders"
)

const providerID = "openai"

type Client struct {
	client      osdk.Client
	loader      schema.MediaLoader
	model       string
	maxTokens   int64
	temperature float64
	imageDetail string
}

func New(cfg *config.Config, loader schema.MediaLoader) (*Client, error) {
	providerCfg := cfg.Providers.OpenAI
	apiKey := resolveAPIKey(providerCfg)
	if apiKey == "" {
		return nil, errors.New("providers.openai.api_key_env is required or OPENAI_API_KEY must be set")
	}

	model, err := normalizeModel(cfg.Extraction.Model)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}
	if providerCfg.RequestTimeoutSeconds > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(providerCfg.RequestTimeoutSeconds)*time.Second))
	}
	if providerCfg.MaxRetries != nil {
		opts = append(opts, option.WithMaxRetries(*providerCfg.MaxRetries))
	}

	detail := strings.TrimSpace(cfg.Extraction.ImageDetail)
	if detail == "" {
		detail = "high"
	}

	return &Client{
		client:      osdk.NewClient(opts...),
		loader:      loader,
		model:       model,
		maxTokens:   int64(cfg.Extraction.MaxTokens),
		temperature: cfg.Extraction.Temperature,
		imageDetail: detail,
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("provider request started")

	if _, err := c.client.Models.List(ctx); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return orders.Unavailable("openai health check", err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

func (c *Client) Extract(ctx context.Context, history []orders.Message) (types.Result, error) {
	log := providerLogger().With("operation", "extract")
	startedAt := time.Now()

	params, err := c.buildParams(ctx, history)
	if err != nil {
		return types.Result{}, err
	}
	log.Debug("provider request started", "model", c.model, "messages", len(history))

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return types.Result{}, orders.Unavailable("openai chat completion", err)
	}
	if len(completion.Choices) == 0 {
		return types.Result{}, orders.Malformed("openai returned no choices", nil)
	}

	choice := completion.Choices[0]
	if refusal := strings.TrimSpace(choice.Message.Refusal); refusal != "" {
		return types.Result{}, orders.Malformed("model refused: "+refusal, nil)
	}
	if choice.FinishReason == "length" || choice.FinishReason == "content_filter" {
		return types.Result{}, orders.Malformed("answer truncated: "+string(choice.FinishReason), nil)
	}

	candidates, skipped, err := schema.Decode(choice.Message.Content)
	if err != nil {
		return types.Result{}, err
	}
	log.Debug("provider request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"candidates", len(candidates),
		"skipped", skipped,
	)

	usage := types.TokenUsage{
		InputTokens:     completion.Usage.PromptTokens,
		OutputTokens:    completion.Usage.CompletionTokens,
		TotalTokens:     completion.Usage.TotalTokens,
		ReasoningTokens: completion.Usage.CompletionTokensDetails.ReasoningTokens,
		CacheReadTokens: completion.Usage.PromptTokensDetails.CachedTokens,
	}

	return types.Result{
		Candidates: candidates,
		Skipped:    skipped,
		Metadata: types.Metadata{
			Provider: providerID,
			Model:    c.model,
			Usage:    types.UsagePtr(usage),
		},
	}, nil
}

func (c *Client) buildParams(ctx context.Context, history []orders.Message) (osdk.ChatCompletionNewParams, error) {
	parts, err := schema.BuildEvidence(ctx, c.loader, history)
	if err != nil {
		return osdk.ChatCompletionNewParams{}, err
	}

	content := make([]osdk.ChatCompletionContentPartUnionParam, 0, len(parts))
	for _, part := range parts {
		switch part.Kind {
		case schema.PartImage:
			content = append(content, osdk.ImageContentPart(osdk.ChatCompletionContentPartImageImageURLParam{
				URL:    part.DataURL(),
				Detail: c.imageDetail,
			}))
		default:
			content = append(content, osdk.TextContentPart(part.Text))
		}
	}
	if len(content) == 0 {
		content = append(content, osdk.TextContentPart("(conversación vacía)"))
	}

	params := osdk.ChatCompletionNewParams{
		Model: c.model,
		Messages: []osdk.ChatCompletionMessageParamUnion{
			osdk.SystemMessage(schema.SystemPrompt()),
			osdk.UserMessage(content),
		},
		ResponseFormat: osdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &osdk.ResponseFormatJSONSchemaParam{
				JSONSchema: osdk.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        schema.Name,
					Description: osdk.String(schema.ToolDescription()),
					Schema:      schema.Schema(),
					Strict:      osdk.Bool(true),
				},
			},
		},
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = osdk.Int(c.maxTokens)
	}
	if c.temperature > 0 {
		params.Temperature = osdk.Float(c.temperature)
	}

	return params, nil
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "extraction.openai")
}

func resolveAPIKey(cfg config.OpenAIProviderConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("extraction.model is required")
	}

	providerPrefix, modelID, found := strings.Cut(model, "/")
	if !found {
		return model, nil
	}

	providerPrefix = strings.TrimSpace(providerPrefix)
	modelID = strings.TrimSpace(modelID)
	if providerPrefix == "" || modelID == "" {
		return "", errors.New("extraction.model is invalid")
	}
	if providerPrefix != providerID {
		return "", fmt.Errorf("model provider %q is not supported by openai extraction", providerPrefix)
	}

	return modelID, nil
}
