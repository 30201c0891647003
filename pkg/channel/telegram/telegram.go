package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"recambio/pkg/bus"
	"recambio/pkg/channel"
	"recambio/pkg/config"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"
const messagePreviewLimit = 240
const typingRefreshInterval = 4 * time.Second

// Adapter bridges Telegram updates into inbound chat messages.
type Adapter struct {
	cfg                config.TelegramConfig
	allowFrom          map[string]struct{}
	maxAttachmentBytes int64
	log                *slog.Logger
}

// fileFetcher downloads the bytes behind a Telegram file id.
type fileFetcher interface {
	Fetch(ctx context.Context, fileID string) ([]byte, error)
}

type botFetcher struct {
	bot *telego.Bot
}

func (f botFetcher) Fetch(ctx context.Context, fileID string) ([]byte, error) {
	file, err := f.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", fileID, err)
	}

	data, err := tu.DownloadFile(f.bot.FileDownloadURL(file.FilePath))
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	return data, nil
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, maxAttachmentBytes int64, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:                cfg,
		allowFrom:          allowFromSet(cfg.AllowFrom),
		maxAttachmentBytes: maxAttachmentBytes,
		log:                log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in contacts and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts Telegram long polling and forwards messages through the shared channel handler.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token))
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started")
	fetcher := botFetcher{bot: bot}

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			message := update.Message
			if message == nil {
				continue
			}

			inbound, ok := a.inboundFromMessage(ctx, fetcher, update.UpdateID, message)
			if !ok {
				continue
			}
			a.log.Info("Received message",
				"chat_id", inbound.ChatID,
				"sender_id", inbound.SenderID,
				"attachments", len(inbound.Attachments),
				"content", previewText(inbound.Content),
			)

			stopTyping := a.startTypingIndicator(ctx, bot, message.Chat.ID)

			outbound, err := handler(ctx, inbound)
			stopTyping()
			if err != nil {
				a.log.Error("Failed to process inbound message", "error", err)
				outbound = bus.OutboundMessage{Error: err.Error()}
			}

			responseText := strings.TrimSpace(outbound.Content)
			if responseText == "" {
				responseText = strings.TrimSpace(outbound.Error)
			}
			if responseText == "" {
				continue
			}
			a.log.Info("Sending message", "chat_id", inbound.ChatID, "content", previewText(responseText))

			if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(message.Chat.ID), responseText)); err != nil {
				a.log.Error("Failed to send telegram message", "error", err)
			}
		}
	}
}

// inboundFromMessage converts one Telegram message, downloading its photo or
// document. ok is false for messages that carry nothing to store.
func (a *Adapter) inboundFromMessage(ctx context.Context, fetcher fileFetcher, updateID int, message *telego.Message) (bus.InboundMessage, bool) {
	if message.From == nil {
		a.log.Debug("Ignoring message without sender")
		return bus.InboundMessage{}, false
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return bus.InboundMessage{}, false
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		content = strings.TrimSpace(message.Caption)
	}

	var attachments []bus.Attachment
	for _, ref := range attachmentRefs(message) {
		if a.maxAttachmentBytes > 0 && ref.size > a.maxAttachmentBytes {
			a.log.Warn("Skipping oversized attachment", "file_id", ref.fileID, "size", ref.size)
			continue
		}

		data, err := fetcher.Fetch(ctx, ref.fileID)
		if err != nil {
			a.log.Error("Failed to download attachment", "file_id", ref.fileID, "error", err)
			continue
		}
		attachments = append(attachments, bus.Attachment{
			Filename:  ref.filename,
			MediaType: ref.mediaType,
			Data:      data,
		})
	}

	if content == "" && len(attachments) == 0 {
		return bus.InboundMessage{}, false
	}

	return bus.InboundMessage{
		Channel:     channelName,
		SenderID:    senderID,
		SenderName:  senderName(message.From),
		ChatID:      strconv.FormatInt(message.Chat.ID, 10),
		Content:     content,
		Attachments: attachments,
		Metadata: map[string]string{
			"update_id":  strconv.Itoa(updateID),
			"message_id": strconv.Itoa(message.MessageID),
		},
	}, true
}

type attachmentRef struct {
	fileID    string
	filename  string
	mediaType string
	size      int64
}

// attachmentRefs returns the largest photo size and any document.
func attachmentRefs(message *telego.Message) []attachmentRef {
	var refs []attachmentRef

	if len(message.Photo) > 0 {
		largest := message.Photo[0]
		for _, photo := range message.Photo[1:] {
			if photo.Width*photo.Height > largest.Width*largest.Height {
				largest = photo
			}
		}
		refs = append(refs, attachmentRef{
			fileID:    largest.FileID,
			filename:  largest.FileUniqueID + ".jpg",
			mediaType: "image/jpeg",
			size:      int64(largest.FileSize),
		})
	}

	if doc := message.Document; doc != nil {
		refs = append(refs, attachmentRef{
			fileID:    doc.FileID,
			filename:  doc.FileName,
			mediaType: doc.MimeType,
			size:      int64(doc.FileSize),
		})
	}

	return refs
}

func senderName(user *telego.User) string {
	name := strings.TrimSpace(strings.TrimSpace(user.FirstName) + " " + strings.TrimSpace(user.LastName))
	if name == "" && user.Username != "" {
		return "@" + user.Username
	}
	return name
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}

// startTypingIndicator sends an initial typing action and refreshes it periodically
// until the returned cancel function is called.
func (a *Adapter) startTypingIndicator(ctx context.Context, bot *telego.Bot, chatID int64) context.CancelFunc {
	typingCtx, cancel := context.WithCancel(ctx)

	sendTyping := func() {
		if err := bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
			a.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
		}
	}

	sendTyping()

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()

	return cancel
}
