package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"recambio/pkg/bus"
	"recambio/pkg/gateway"
)

var (
	ingestClient string
	ingestName   string
	ingestMedia  []string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [message]",
	Short: "Store a message for a client and reconcile its orders",
	Long: `Stores one chat message, or one per line in interactive mode, exactly as
the gateway would and prints the acknowledgment. The client is given as
channel:sender (for example telegram:42); a bare value is a cli sender.`,
	Run: func(cmd *cobra.Command, args []string) {
		if strings.TrimSpace(ingestClient) == "" {
			fmt.Println("--client is required")
			return
		}

		a, err := openApp("cmd.ingest")
		if err != nil {
			fmt.Println(err)
			return
		}
		defer a.Close()

		svc, err := gateway.NewService(a.cfg, a.dependencies(), nil, a.log)
		if err != nil {
			a.log.Error("Failed to initialize ingest", "error", err)
			return
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		text := strings.TrimSpace(strings.Join(args, " "))
		if text != "" || len(ingestMedia) > 0 {
			inbound, err := buildInbound(ingestClient, ingestName, text, ingestMedia)
			if err != nil {
				fmt.Printf("failed to read media: %v\n", err)
				return
			}
			ingestOne(ctx, svc, inbound)
			return
		}

		runInteractive(ctx, os.Stdin, func(line string) {
			inbound, err := buildInbound(ingestClient, ingestName, line, nil)
			if err != nil {
				fmt.Printf("failed to build message: %v\n", err)
				return
			}
			ingestOne(ctx, svc, inbound)
		})
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVarP(&ingestClient, "client", "c", "", "sender as channel:sender, or a bare cli sender id")
	ingestCmd.Flags().StringVarP(&ingestName, "name", "n", "", "display name used when the client is first seen")
	ingestCmd.Flags().StringArrayVarP(&ingestMedia, "media", "m", nil, "attachment file to send with the message (repeatable)")
}

func buildInbound(client string, name string, text string, mediaPaths []string) (bus.InboundMessage, error) {
	channelName, sender := splitContact(contactFromFlag(client))
	inbound := bus.InboundMessage{
		Channel:    channelName,
		SenderID:   sender,
		SenderName: strings.TrimSpace(name),
		ChatID:     sender,
		Content:    strings.TrimSpace(text),
	}

	for _, path := range mediaPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return bus.InboundMessage{}, fmt.Errorf("read %s: %w", path, err)
		}
		inbound.Attachments = append(inbound.Attachments, bus.Attachment{
			Filename:  filepath.Base(path),
			MediaType: mimetype.Detect(data).String(),
			Data:      data,
		})
	}

	return inbound, nil
}

func ingestOne(ctx context.Context, svc *gateway.Service, inbound bus.InboundMessage) {
	outbound, err := svc.HandleInbound(ctx, inbound)
	if err != nil {
		fmt.Printf("ingest failed: %v\n", err)
		return
	}

	printReplyMessage(outbound)
}

// runInteractive feeds each non-empty stdin line to handle until EOF or an
// exit command.
func runInteractive(ctx context.Context, in io.Reader, handle func(line string)) {
	scanner := bufio.NewScanner(in)

	for {
		if ctx.Err() != nil {
			return
		}

		fmt.Print("🔧 ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				fmt.Printf("input error: %v\n", err)
			}
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if isExitCommand(line) {
			return
		}

		handle(line)
	}
}

func printReplyMessage(outbound bus.OutboundMessage) {
	lines := replyLines(outbound.Content)
	for _, line := range lines {
		fmt.Printf("📦 %s\n", line)
	}
	if category := outbound.Metadata["reconcile_error"]; category != "" {
		fmt.Printf("⚠️  reconcile failed (%s); the message is stored and will be picked up next time\n", category)
	}
	if len(lines) > 0 {
		fmt.Println()
	}
}

func replyLines(message string) []string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}
