// Package anthropic extracts orders by forcing a single tool call whose input
// schema is the order list.
package anthropic

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"recambio/pkg/config"
	"recambio/pkg/extraction/schema"
	"recambio/pkg/extraction/types"
	"recambio/pkg/orders"
)

const (
	providerID       = "anthropic"
	defaultMaxTokens = 4096
)

type Client struct {
	client      anthropic.Client
	loader      schema.MediaLoader
	model       string
	maxTokens   int64
	temperature float64
}

func New(cfg *config.Config, loader schema.MediaLoader) (*Client, error) {
	providerCfg := cfg.Providers.Anthropic
	apiKey := resolveAPIKey(providerCfg)
	if apiKey == "" {
		return nil, errors.New("providers.anthropic.api_key_env is required or ANTHROPIC_API_KEY must be set")
	}

	model := strings.TrimSpace(cfg.Extraction.Model)
	model = strings.TrimPrefix(model, providerID+"/")
	if model == "" {
		return nil, errors.New("extraction.model is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := normalizeBaseURL(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if providerCfg.RequestTimeoutSeconds > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(providerCfg.RequestTimeoutSeconds)*time.Second))
	}
	if providerCfg.MaxRetries != nil {
		opts = append(opts, option.WithMaxRetries(*providerCfg.MaxRetries))
	}

	maxTokens := int64(cfg.Extraction.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Client{
		client:      anthropic.NewClient(opts...),
		loader:      loader,
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Extraction.Temperature,
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return orders.Unavailable("anthropic health check", err)
	}
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

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return types.Result{}, orders.Unavailable("anthropic messages call", err)
	}

	if resp.StopReason == anthropic.StopReasonMaxTokens {
		return types.Result{}, orders.Malformed("answer truncated at max tokens", nil)
	}
	if resp.StopReason == anthropic.StopReasonRefusal {
		return types.Result{}, orders.Malformed("model refused", nil)
	}

	var candidates []orders.CandidateOrder
	var skipped int
	var found bool
	for _, block := range resp.Content {
		if block.Type != "tool_use" {
			continue
		}
		toolUse := block.AsToolUse()
		if toolUse.Name != schema.Name {
			continue
		}
		candidates, skipped, err = schema.DecodeRaw(toolUse.Input)
		if err != nil {
			return types.Result{}, err
		}
		found = true
		break
	}
	if !found {
		return types.Result{}, orders.Malformed("answer has no "+schema.Name+" tool call", nil)
	}
	log.Debug("provider request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"candidates", len(candidates),
		"skipped", skipped,
	)

	usage := types.TokenUsage{
		InputTokens:         resp.Usage.InputTokens,
		OutputTokens:        resp.Usage.OutputTokens,
		TotalTokens:         resp.Usage.InputTokens + resp.Usage.OutputTokens,
		CacheCreationTokens: resp.Usage.CacheCreationInputTokens,
		CacheReadTokens:     resp.Usage.CacheReadInputTokens,
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

func (c *Client) buildParams(ctx context.Context, history []orders.Message) (anthropic.MessageNewParams, error) {
	parts, err := schema.BuildEvidence(ctx, c.loader, history)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(parts))
	for _, part := range parts {
		switch part.Kind {
		case schema.PartImage:
			blocks = append(blocks, anthropic.NewImageBlockBase64(part.MediaType, part.Base64()))
		default:
			blocks = append(blocks, anthropic.NewTextBlock(part.Text))
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropic.NewTextBlock("(conversación vacía)"))
	}

	tool := anthropic.ToolParam{
		Name:        schema.Name,
		Description: anthropic.String(schema.ToolDescription()),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: schema.Properties(),
			Required:   []string{"orders"},
		},
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: schema.SystemPrompt()}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
		Tools:     []anthropic.ToolUnionParam{{OfTool: &tool}},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: schema.Name},
		},
	}
	if c.temperature > 0 {
		params.Temperature = anthropic.Float(c.temperature)
	}

	return params, nil
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "extraction.anthropic")
}

func resolveAPIKey(cfg config.AnthropicProviderConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
}

// normalizeBaseURL strips a trailing /v1 since the SDK appends it.
func normalizeBaseURL(apiBase string) string {
	base := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	base, _ = strings.CutSuffix(base, "/v1")
	return base
}
