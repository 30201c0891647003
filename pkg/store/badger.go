package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"recambio/pkg/orders"
)

// Badger is the on-disk store.
//
// Key layout:
//
//	client:key:{owner}:{contact} -> client id
//	client:id:{id}               -> client
//	msg:{client}:{ts19}:{uuid}   -> message
//	order:{client}:{plate}       -> order
//
// Key parts are query-escaped so ':' inside a contact never splits a key.
// The 19-digit zero-padded timestamp makes a prefix scan return messages in
// creation order with the uuid breaking ties.
type Badger struct {
	db  *badger.DB
	log *slog.Logger
	now func() time.Time
}

// OpenBadger opens (or creates) the database at path.
func OpenBadger(path string, log *slog.Logger) (*Badger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log == nil {
		log = slog.Default()
	}

	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}

	return &Badger{
		db:  db,
		log: log.With("component", "store.badger"),
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func keyPart(value string) string {
	return url.QueryEscape(value)
}

func clientKey(ownerID string, contact string) []byte {
	return []byte("client:key:" + keyPart(ownerID) + ":" + keyPart(contact))
}

func clientIDKey(clientID string) []byte {
	return []byte("client:id:" + keyPart(clientID))
}

func messagePrefix(clientID string) []byte {
	return []byte("msg:" + keyPart(clientID) + ":")
}

func messageKey(m orders.Message) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", keyPart(m.ClientID), m.CreatedAt.UnixNano(), m.ID))
}

func orderPrefix(clientID string) []byte {
	return []byte("order:" + keyPart(clientID) + ":")
}

func orderKey(clientID string, plate string) []byte {
	return []byte("order:" + keyPart(clientID) + ":" + keyPart(plate))
}

func getJSON(txn *badger.Txn, key []byte, out any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func scanJSON[T any](txn *badger.Txn, prefix []byte) ([]T, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []T
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var value T
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &value)
		})
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		out = append(out, value)
	}
	return out, nil
}

func requireClient(txn *badger.Txn, clientID string) error {
	_, err := txn.Get(clientIDKey(clientID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrClientNotFound
	}
	return err
}

// ResolveClient checks and creates inside one update transaction, so two
// concurrent first messages from the same contact yield one client.
func (b *Badger) ResolveClient(ctx context.Context, ownerID string, contact string, name string) (orders.Client, error) {
	if err := ctx.Err(); err != nil {
		return orders.Client{}, err
	}

	var client orders.Client
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(clientKey(ownerID, contact))
		switch {
		case err == nil:
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			found, err := getJSON(txn, clientIDKey(string(id)), &client)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("client index points to missing client %s", id)
			}
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		client = orders.Client{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			Contact:   contact,
			Name:      strings.TrimSpace(name),
			CreatedAt: b.now(),
		}
		if err := txn.Set(clientKey(ownerID, contact), []byte(client.ID)); err != nil {
			return err
		}
		return setJSON(txn, clientIDKey(client.ID), client)
	})
	if err != nil {
		return orders.Client{}, fmt.Errorf("resolve client %s/%s: %w", ownerID, contact, err)
	}

	return client, nil
}

func (b *Badger) GetClient(ctx context.Context, clientID string) (orders.Client, error) {
	if err := ctx.Err(); err != nil {
		return orders.Client{}, err
	}

	var client orders.Client
	err := b.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, clientIDKey(clientID), &client)
		if err != nil {
			return err
		}
		if !found {
			return ErrClientNotFound
		}
		return nil
	})
	return client, err
}

func (b *Badger) ListClients(ctx context.Context, ownerID string) ([]orders.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var clients []orders.Client
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte("client:key:" + keyPart(ownerID) + ":")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		var ids []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ids = append(ids, string(id))
		}

		for _, id := range ids {
			var client orders.Client
			found, err := getJSON(txn, clientIDKey(id), &client)
			if err != nil {
				return err
			}
			if found {
				clients = append(clients, client)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list clients for %s: %w", ownerID, err)
	}

	slices.SortFunc(clients, func(a, c orders.Client) int {
		return a.CreatedAt.Compare(c.CreatedAt)
	})
	return clients, nil
}

func (b *Badger) Append(ctx context.Context, clientID string, content string, media []string) (orders.Message, error) {
	if err := validateAppend(clientID, content, media); err != nil {
		return orders.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return orders.Message{}, err
	}

	message := orders.Message{
		ID:        uuid.New(),
		ClientID:  clientID,
		Content:   content,
		Media:     slices.Clone(media),
		CreatedAt: b.now(),
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		if err := requireClient(txn, clientID); err != nil {
			return err
		}
		return setJSON(txn, messageKey(message), message)
	})
	if err != nil {
		return orders.Message{}, fmt.Errorf("append message for %s: %w", clientID, err)
	}

	return message, nil
}

func (b *Badger) History(ctx context.Context, clientID string) ([]orders.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var history []orders.Message
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		history, err = scanJSON[orders.Message](txn, messagePrefix(clientID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", clientID, err)
	}

	return history, nil
}

func (b *Badger) Apply(ctx context.Context, clientID string, candidates []orders.CandidateOrder) (ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return ApplyResult{}, err
	}

	var result ApplyResult
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := requireClient(txn, clientID); err != nil {
			return err
		}

		now := b.now()
		tracker := newApplyTracker(len(candidates))
		for _, candidate := range candidates {
			key := orderKey(clientID, candidate.VehiclePlate)

			var existing orders.Order
			found, err := getJSON(txn, key, &existing)
			if err != nil {
				return err
			}

			switch {
			case !found:
				if err := setJSON(txn, key, orders.NewOrder(clientID, candidate, now)); err != nil {
					return err
				}
				tracker.record(candidate.VehiclePlate, actionCreated)
			case existing.Matches(candidate):
				tracker.record(candidate.VehiclePlate, actionUnchanged)
			default:
				existing.Overwrite(candidate, now)
				if err := setJSON(txn, key, existing); err != nil {
					return err
				}
				tracker.record(candidate.VehiclePlate, actionUpdated)
			}
		}

		list, err := scanJSON[orders.Order](txn, orderPrefix(clientID))
		if err != nil {
			return err
		}
		orders.SortOrders(list)
		result = tracker.result(list)
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrClientNotFound):
		return ApplyResult{}, err
	case errors.Is(err, badger.ErrConflict):
		return ApplyResult{}, orders.NewError(orders.ErrorLedgerWriteConflict, "apply orders for "+clientID, err)
	default:
		return ApplyResult{}, orders.NewError(orders.ErrorLedgerWrite, "apply orders for "+clientID, err)
	}

	b.log.Debug("Ledger updated",
		"client_id", clientID,
		"created", len(result.Created),
		"updated", len(result.Updated),
		"unchanged", len(result.Unchanged),
	)
	return result, nil
}

func (b *Badger) List(ctx context.Context, clientID string) ([]orders.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var list []orders.Order
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		list, err = scanJSON[orders.Order](txn, orderPrefix(clientID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list orders for %s: %w", clientID, err)
	}

	orders.SortOrders(list)
	return list, nil
}

func (b *Badger) ListByPlate(ctx context.Context, clientID string, plate string) ([]orders.Order, error) {
	plate = orders.NormalizePlate(plate)
	if plate == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var order orders.Order
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, orderKey(clientID, plate), &order)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get order %s for %s: %w", plate, clientID, err)
	}

	return lo.Ternary(found, []orders.Order{order}, nil), nil
}
