// Package opencode extracts orders through a running OpenCode server. Each
// extraction opens its own session; the schema travels in the prompt and the
// answer is decoded from the text parts of the reply.
package opencode

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	sdk "github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"

	"recambio/pkg/config"
	"recambio/pkg/extraction/schema"
	"recambio/pkg/extraction/types"
	"recambio/pkg/orders"
)

const sessionTitle = "recambio extraction"

type Client struct {
	client         *sdk.Client
	loader         schema.MediaLoader
	requestTimeout time.Duration
	model          string
}

type healthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

func New(cfg *config.Config, loader schema.MediaLoader) (*Client, error) {
	providerCfg := cfg.Providers.OpenCode
	baseURL := strings.TrimSpace(providerCfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("providers.opencode.base_url is required")
	}

	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if authHeader, ok := buildBasicAuthHeader(providerCfg); ok {
		opts = append(opts, option.WithHeader("Authorization", authHeader))
	}
	if providerCfg.MaxRetries != nil {
		opts = append(opts, option.WithMaxRetries(*providerCfg.MaxRetries))
	}

	return &Client{
		client:         sdk.NewClient(opts...),
		loader:         loader,
		requestTimeout: time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second,
		model:          strings.TrimSpace(cfg.Extraction.Model),
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("provider request started")

	var response healthResponse
	if err := c.client.Get(ctx, "/global/health", nil, &response); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return orders.Unavailable("opencode health check", err)
	}
	if !response.Healthy {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "server unhealthy")
		return orders.Unavailable("opencode server reported unhealthy status", nil)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "version", response.Version)

	return nil
}

func (c *Client) Extract(ctx context.Context, history []orders.Message) (types.Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "extract")

	params, err := c.buildParams(ctx, history)
	if err != nil {
		return types.Result{}, err
	}

	sessionID, err := c.createSession(ctx, log)
	if err != nil {
		return types.Result{}, err
	}

	startedAt := time.Now()
	log.Debug("provider request started", "session_id", sessionID, "model", c.model, "messages", len(history))

	// TODO: delete the session once the answer is decoded so the server does
	// not keep one per extraction.
	response, err := c.client.Session.Prompt(ctx, sessionID, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return types.Result{}, orders.Unavailable("opencode prompt", err)
	}

	text := extractText(response.Parts)
	if text == "" {
		return types.Result{}, orders.Malformed("opencode answer has no text parts", nil)
	}

	candidates, skipped, err := schema.Decode(text)
	if err != nil {
		return types.Result{}, err
	}
	log.Debug("provider request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"candidates", len(candidates),
		"skipped", skipped,
		"parts_count", len(response.Parts),
	)

	tokens := response.Info.Tokens
	usage := types.TokenUsage{
		InputTokens:     tokenCount(tokens.Input),
		OutputTokens:    tokenCount(tokens.Output),
		TotalTokens:     tokenCount(tokens.Input) + tokenCount(tokens.Output),
		ReasoningTokens: tokenCount(tokens.Reasoning),
		CacheReadTokens: tokenCount(tokens.Cache.Read),
	}

	model := strings.TrimSpace(response.Info.ModelID)
	if model == "" {
		model = c.model
	}

	return types.Result{
		Candidates: candidates,
		Skipped:    skipped,
		Metadata: types.Metadata{
			Provider: providerName(response.Info.ProviderID),
			Model:    model,
			Usage:    types.UsagePtr(usage),
		},
	}, nil
}

func (c *Client) createSession(ctx context.Context, log *slog.Logger) (string, error) {
	session, err := c.client.Session.New(ctx, sdk.SessionNewParams{Title: sdk.F(sessionTitle)})
	if err != nil {
		log.Debug("provider request failed", "operation", "create_session", "error", err)
		return "", orders.Unavailable("opencode create session", err)
	}
	if session.ID == "" {
		return "", orders.Unavailable("opencode create session returned empty session id", nil)
	}

	return session.ID, nil
}

func (c *Client) buildParams(ctx context.Context, history []orders.Message) (sdk.SessionPromptParams, error) {
	parts, err := schema.BuildEvidence(ctx, c.loader, history)
	if err != nil {
		return sdk.SessionPromptParams{}, err
	}

	schemaJSON, err := json.Marshal(schema.Schema())
	if err != nil {
		return sdk.SessionPromptParams{}, fmt.Errorf("marshal answer schema: %w", err)
	}

	input := make([]sdk.SessionPromptParamsPartUnion, 0, len(parts)+2)
	input = append(input, textPart(schema.SystemPrompt()))
	for _, part := range parts {
		switch part.Kind {
		case schema.PartImage:
			input = append(input, sdk.FilePartInputParam{
				Type:     sdk.F(sdk.FilePartInputTypeFile),
				Mime:     sdk.F(part.MediaType),
				Filename: sdk.F(part.Ref),
				URL:      sdk.F(part.DataURL()),
			})
		default:
			input = append(input, textPart(part.Text))
		}
	}
	input = append(input, textPart(
		"Responde solo con un objeto JSON que cumpla este esquema, sin texto adicional:\n"+string(schemaJSON),
	))

	params := sdk.SessionPromptParams{Parts: sdk.F(input)}
	if providerID, modelID, ok := parseModelRef(c.model); ok {
		params.Model = sdk.F(sdk.SessionPromptParamsModel{
			ProviderID: sdk.F(providerID),
			ModelID:    sdk.F(modelID),
		})
	}

	return params, nil
}

func textPart(text string) sdk.TextPartInputParam {
	return sdk.TextPartInputParam{
		Type: sdk.F(sdk.TextPartInputTypeText),
		Text: sdk.F(text),
	}
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "extraction.opencode")
}

func providerName(upstream string) string {
	upstream = strings.TrimSpace(upstream)
	if upstream == "" {
		return "opencode"
	}
	return "opencode/" + upstream
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

func buildBasicAuthHeader(cfg config.OpenCodeProviderConfig) (string, bool) {
	passwordEnv := strings.TrimSpace(cfg.PasswordEnv)
	if passwordEnv == "" {
		return "", false
	}

	password := strings.TrimSpace(os.Getenv(passwordEnv))
	if password == "" {
		return "", false
	}

	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "opencode"
	}

	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + token, true
}

// parseModelRef splits "provider/model". Anything else leaves the model to
// the server default.
func parseModelRef(input string) (providerID string, modelID string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(input), "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}

	providerID = strings.TrimSpace(parts[0])
	modelID = strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", "", false
	}

	return providerID, modelID, true
}

func extractText(parts []sdk.Part) string {
	var lines []string
	for _, part := range parts {
		if part.Type != sdk.PartTypeText {
			continue
		}
		if text := strings.TrimSpace(part.Text); text != "" {
			lines = append(lines, text)
		}
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func tokenCount(value float64) int64 {
	if value <= 0 {
		return 0
	}

	return int64(math.Round(value))
}
