// Package extraction turns a client's conversation history into candidate
// orders through a multimodal inference provider.
package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"recambio/pkg/config"
	extractionanthropic "recambio/pkg/extraction/anthropic"
	extractionfantasy "recambio/pkg/extraction/fantasy"
	extractionopenai "recambio/pkg/extraction/openai"
	extractionopencode "recambio/pkg/extraction/opencode"
	"recambio/pkg/extraction/schema"
	"recambio/pkg/extraction/types"
	"recambio/pkg/orders"
)

// Extractor proposes orders for a full, ordered history. Implementations
// hold no per-client state; failures are *orders.Error values in the
// extraction_unavailable or extraction_malformed category.
type Extractor interface {
	Health(ctx context.Context) error
	Extract(ctx context.Context, history []orders.Message) (types.Result, error)
}

func New(cfg *config.Config, loader schema.MediaLoader) (Extractor, error) {
	providerID := strings.TrimSpace(cfg.Extraction.Provider)
	if providerID == "" {
		providerID = "openai"
	}

	slog.Default().With("component", "extraction.factory").Debug("Resolving extraction client", "provider", providerID)

	switch providerID {
	case "openai":
		return extractionopenai.New(cfg, loader)
	case "anthropic":
		return extractionanthropic.New(cfg, loader)
	case "fantasy":
		return extractionfantasy.New(cfg, loader)
	case "opencode":
		return extractionopencode.New(cfg, loader)
	default:
		return nil, fmt.Errorf("unsupported extraction provider: %s", providerID)
	}
}
