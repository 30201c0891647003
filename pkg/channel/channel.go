package channel

import (
	"context"

	"recambio/pkg/bus"
)

// Handler processes one inbound chat message and returns the acknowledgment
// to send back to the sender.
type Handler func(context.Context, bus.InboundMessage) (bus.OutboundMessage, error)

// Adapter bridges one external chat transport (for example Telegram) into
// the ingress handler.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}
