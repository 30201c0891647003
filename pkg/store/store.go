// Package store persists clients, their conversation log and their order
// ledger.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"recambio/pkg/config"
	"recambio/pkg/orders"
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrEmptyMessage   = errors.New("message has neither content nor media")
)

// ConversationStore is the append-only message log per client.
type ConversationStore interface {
	Append(ctx context.Context, clientID string, content string, media []string) (orders.Message, error)
	// History returns every message for the client ordered by creation time,
	// then by id.
	History(ctx context.Context, clientID string) ([]orders.Message, error)
}

// Ledger holds the plate-keyed orders per client.
type Ledger interface {
	// Apply merges candidates into the client's ledger in one atomic
	// check-and-write. Candidate plates must already be normalized; later
	// duplicates in the slice win.
	Apply(ctx context.Context, clientID string, candidates []orders.CandidateOrder) (ApplyResult, error)
	List(ctx context.Context, clientID string) ([]orders.Order, error)
	ListByPlate(ctx context.Context, clientID string, plate string) ([]orders.Order, error)
}

// ClientDirectory resolves vendor counterparties.
type ClientDirectory interface {
	// ResolveClient returns the client for (ownerID, contact), creating it on
	// first sight.
	ResolveClient(ctx context.Context, ownerID string, contact string, name string) (orders.Client, error)
	GetClient(ctx context.Context, clientID string) (orders.Client, error)
	ListClients(ctx context.Context, ownerID string) ([]orders.Client, error)
}

// Store is the full persistence surface used by the gateway and the CLI.
type Store interface {
	ConversationStore
	Ledger
	ClientDirectory
	Close() error
}

// ApplyResult is the outcome of one ledger merge. Plates are listed in the
// order they first appeared among the candidates.
type ApplyResult struct {
	Orders    []orders.Order
	Created   []string
	Updated   []string
	Unchanged []string
}

// Open builds the store selected by cfg.Driver.
func Open(cfg config.StorageConfig, log *slog.Logger) (Store, error) {
	switch strings.TrimSpace(cfg.Driver) {
	case "", "badger":
		return OpenBadger(cfg.Path, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

const (
	actionCreated   = "created"
	actionUpdated   = "updated"
	actionUnchanged = "unchanged"
)

// applyTracker records the final action per plate across a candidate list
// where the same plate may occur more than once.
type applyTracker struct {
	order   []string
	actions map[string]string
}

func newApplyTracker(size int) *applyTracker {
	return &applyTracker{actions: make(map[string]string, size)}
}

func (t *applyTracker) record(plate string, action string) {
	prev, seen := t.actions[plate]
	if !seen {
		t.order = append(t.order, plate)
		t.actions[plate] = action
		return
	}

	switch {
	case prev == actionCreated:
	case action == actionUnchanged:
	default:
		t.actions[plate] = action
	}
}

func (t *applyTracker) result(list []orders.Order) ApplyResult {
	result := ApplyResult{Orders: list}
	for _, plate := range t.order {
		switch t.actions[plate] {
		case actionCreated:
			result.Created = append(result.Created, plate)
		case actionUpdated:
			result.Updated = append(result.Updated, plate)
		default:
			result.Unchanged = append(result.Unchanged, plate)
		}
	}
	return result
}

func validateAppend(clientID string, content string, media []string) error {
	if strings.TrimSpace(clientID) == "" {
		return ErrClientNotFound
	}
	if strings.TrimSpace(content) == "" && len(media) == 0 {
		return ErrEmptyMessage
	}
	return nil
}
