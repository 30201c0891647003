package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"recambio/pkg/channel"
	"recambio/pkg/channel/telegram"
	"recambio/pkg/config"
	"recambio/pkg/gateway"

	"github.com/spf13/cobra"
)

const telegramChannelName = "telegram"

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run channel gateway mode",
	Long:  "Runs Recambio as a chat gateway: every inbound message is stored and the sender's order ledger reconciled before the acknowledgment goes out.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		a, err := openApp("cmd.gateway")
		if err != nil {
			fmt.Println(err)
			return
		}
		defer a.Close()
		log := a.log

		adapters, err := enabledAdapters(a.cfg, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(a.cfg, a.dependencies(), adapters, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started",
			"channels", enabledChannelNames(adapters),
			"webhook", a.cfg.Gateway.Webhook,
			"provider", a.cfg.Extraction.Provider,
			"model", a.cfg.Extraction.Model,
			"owner_id", a.cfg.Vendor.OwnerID,
		)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

// enabledAdapters builds the configured chat channels. The HTTP webhook
// counts as a channel, so a webhook-only gateway returns no adapters and no
// error.
func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 1)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, cfg.Media.MaxBytes, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", telegramChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 && !cfg.Gateway.Webhook {
		return nil, errors.New("no channels are enabled and the webhook is off")
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
