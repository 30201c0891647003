package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"recambio/pkg/bus"
	"recambio/pkg/orders"
	"recambio/pkg/reconcile"
)

const (
	ackText = "Mensaje recibido."

	metaClientIDKey       = "client_id"
	metaMessageIDKey      = "message_id"
	metaOrdersKey         = "orders"
	metaReconcileErrorKey = "reconcile_error"
	metaSkippedMediaKey   = "skipped_media"
)

// contactFor is the client identity a sender maps to within the vendor.
func contactFor(inbound bus.InboundMessage) string {
	channelName := strings.TrimSpace(inbound.Channel)
	if channelName == "" {
		channelName = "http"
	}
	return channelName + ":" + strings.TrimSpace(inbound.SenderID)
}

// handleInbound stores one chat message and reconciles the sender's ledger
// before acknowledging. Reconciliation failures are logged and reported in
// metadata but never turn into a handler error; only failing to store the
// message does.
func (s *Service) handleInbound(ctx context.Context, inbound bus.InboundMessage) (bus.OutboundMessage, error) {
	outbound := bus.OutboundMessage{
		Channel:  inbound.Channel,
		ChatID:   inbound.ChatID,
		Metadata: map[string]string{},
	}

	if strings.TrimSpace(inbound.SenderID) == "" {
		err := errors.New("sender id is required")
		outbound.Error = err.Error()
		return outbound, err
	}

	client, err := s.store.ResolveClient(ctx, s.cfg.Vendor.OwnerID, contactFor(inbound), inbound.SenderName)
	if err != nil {
		err = fmt.Errorf("resolve client: %w", err)
		outbound.Error = err.Error()
		return outbound, err
	}
	outbound.Metadata[metaClientIDKey] = client.ID
	log := s.log.With("client_id", client.ID, "channel", inbound.Channel)

	refs := make([]string, 0, len(inbound.Attachments))
	skipped := 0
	for _, attachment := range inbound.Attachments {
		ref, err := s.media.Save(ctx, attachment.Data)
		if err != nil {
			skipped++
			log.Warn("Dropping attachment", "filename", attachment.Filename, "error", err)
			continue
		}
		refs = append(refs, ref)
	}
	if skipped > 0 {
		outbound.Metadata[metaSkippedMediaKey] = fmt.Sprint(skipped)
	}

	message, err := s.store.Append(ctx, client.ID, strings.TrimSpace(inbound.Content), refs)
	if err != nil {
		err = fmt.Errorf("store message: %w", err)
		outbound.Error = err.Error()
		return outbound, err
	}
	outbound.Metadata[metaMessageIDKey] = message.ID.String()

	s.metrics.MessageStored(inbound.Channel)
	s.bus.PublishEvent(ctx, bus.Event{
		Type:     bus.EventMessageStored,
		Channel:  inbound.Channel,
		ClientID: client.ID,
		Payload: map[string]string{
			"message_id": message.ID.String(),
			"media":      fmt.Sprint(len(refs)),
		},
	})

	result, err := s.engine.ReconcileClient(ctx, client.ID)
	if err != nil {
		outbound.Content = ackText
		outbound.Metadata[metaReconcileErrorKey] = orders.CategoryFromError(err)
		return outbound, nil
	}

	outbound.Metadata[metaOrdersKey] = fmt.Sprint(len(result.Orders))
	outbound.Content = ackText
	if s.cfg.Gateway.ReplySummaries {
		outbound.Content = summarize(result)
	}

	return outbound, nil
}

// summarize renders the client's ledger as a short chat reply.
func summarize(result reconcile.Result) string {
	if len(result.Orders) == 0 {
		return ackText + " No hay pedidos abiertos."
	}

	var b strings.Builder
	b.WriteString(ackText)
	b.WriteString(" Pedidos:")
	for _, order := range result.Orders {
		b.WriteString("\n- ")
		b.WriteString(order.VehiclePlate)
		if vehicle := strings.TrimSpace(order.VehicleBrand + " " + order.VehicleModel); vehicle != "" {
			b.WriteString(" (" + vehicle + ")")
		}
		b.WriteString(" [" + string(order.Status) + "]")
		if len(order.Requirements) > 0 {
			b.WriteString(": " + strings.Join(order.Requirements, ", "))
		}
	}
	return b.String()
}
