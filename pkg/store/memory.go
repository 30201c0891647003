package store

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"recambio/pkg/orders"
)

// Memory keeps everything in process. Reads return copies.
type Memory struct {
	mu         sync.RWMutex
	clients    map[string]orders.Client
	clientKeys map[string]string
	messages   map[string][]orders.Message
	ledger     map[string]map[string]orders.Order
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		clients:    make(map[string]orders.Client),
		clientKeys: make(map[string]string),
		messages:   make(map[string][]orders.Message),
		ledger:     make(map[string]map[string]orders.Order),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Close() error {
	return nil
}

func memoryClientKey(ownerID string, contact string) string {
	return ownerID + "\x00" + contact
}

func (m *Memory) ResolveClient(ctx context.Context, ownerID string, contact string, name string) (orders.Client, error) {
	if err := ctx.Err(); err != nil {
		return orders.Client{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.clientKeys[memoryClientKey(ownerID, contact)]; ok {
		return m.clients[id], nil
	}

	client := orders.Client{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Contact:   contact,
		Name:      strings.TrimSpace(name),
		CreatedAt: m.now(),
	}
	m.clients[client.ID] = client
	m.clientKeys[memoryClientKey(ownerID, contact)] = client.ID
	return client, nil
}

func (m *Memory) GetClient(ctx context.Context, clientID string) (orders.Client, error) {
	if err := ctx.Err(); err != nil {
		return orders.Client{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	client, ok := m.clients[clientID]
	if !ok {
		return orders.Client{}, ErrClientNotFound
	}
	return client, nil
}

func (m *Memory) ListClients(ctx context.Context, ownerID string) ([]orders.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	clients := lo.Filter(lo.Values(m.clients), func(c orders.Client, _ int) bool {
		return c.OwnerID == ownerID
	})
	slices.SortFunc(clients, func(a, b orders.Client) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return clients, nil
}

func (m *Memory) Append(ctx context.Context, clientID string, content string, media []string) (orders.Message, error) {
	if err := validateAppend(clientID, content, media); err != nil {
		return orders.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return orders.Message{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[clientID]; !ok {
		return orders.Message{}, ErrClientNotFound
	}

	message := orders.Message{
		ID:        uuid.New(),
		ClientID:  clientID,
		Content:   content,
		Media:     slices.Clone(media),
		CreatedAt: m.now(),
	}
	m.messages[clientID] = append(m.messages[clientID], message)
	return message.Clone(), nil
}

func (m *Memory) History(ctx context.Context, clientID string) ([]orders.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.messages[clientID]
	if len(stored) == 0 {
		return nil, nil
	}

	history := lo.Map(stored, func(msg orders.Message, _ int) orders.Message {
		return msg.Clone()
	})
	orders.SortMessages(history)
	return history, nil
}

// Apply merges into a copy of the client's ledger and swaps it in only once
// every candidate has been applied.
func (m *Memory) Apply(ctx context.Context, clientID string, candidates []orders.CandidateOrder) (ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return ApplyResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[clientID]; !ok {
		return ApplyResult{}, ErrClientNotFound
	}

	next := maps.Clone(m.ledger[clientID])
	if next == nil {
		next = make(map[string]orders.Order, len(candidates))
	}

	now := m.now()
	tracker := newApplyTracker(len(candidates))
	for _, candidate := range candidates {
		existing, found := next[candidate.VehiclePlate]
		switch {
		case !found:
			next[candidate.VehiclePlate] = orders.NewOrder(clientID, candidate, now)
			tracker.record(candidate.VehiclePlate, actionCreated)
		case existing.Matches(candidate):
			tracker.record(candidate.VehiclePlate, actionUnchanged)
		default:
			existing = existing.Clone()
			existing.Overwrite(candidate, now)
			next[candidate.VehiclePlate] = existing
			tracker.record(candidate.VehiclePlate, actionUpdated)
		}
	}

	m.ledger[clientID] = next
	return tracker.result(m.snapshot(clientID)), nil
}

func (m *Memory) snapshot(clientID string) []orders.Order {
	stored := m.ledger[clientID]
	if len(stored) == 0 {
		return nil
	}

	list := make([]orders.Order, 0, len(stored))
	for _, order := range stored {
		list = append(list, order.Clone())
	}
	orders.SortOrders(list)
	return list
}

func (m *Memory) List(ctx context.Context, clientID string) ([]orders.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.snapshot(clientID), nil
}

func (m *Memory) ListByPlate(ctx context.Context, clientID string, plate string) ([]orders.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.ledger[clientID][orders.NormalizePlate(plate)]
	if !ok {
		return nil, nil
	}
	return []orders.Order{order.Clone()}, nil
}
