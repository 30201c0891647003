// Package reconcile keeps a client's order ledger consistent with its
// conversation: read history, extract candidates, merge them by plate.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"recambio/pkg/bus"
	"recambio/pkg/config"
	"recambio/pkg/extraction"
	"recambio/pkg/extraction/types"
	"recambio/pkg/metrics"
	"recambio/pkg/orders"
	"recambio/pkg/store"
)

const defaultTimeout = 120 * time.Second

// Options tunes an Engine. Zero values are usable.
type Options struct {
	Timeout            time.Duration
	MaxConflictRetries int
	Provider           string
	Bus                *bus.MessageBus
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
}

// OptionsFromConfig maps the extraction and reconcile sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Timeout:            time.Duration(cfg.Extraction.TimeoutSeconds) * time.Second,
		MaxConflictRetries: cfg.Reconcile.MaxConflictRetries,
		Provider:           cfg.Extraction.Provider,
	}
}

// Result is the outcome of one reconcile call. Orders is the full ledger of
// the client after the merge.
type Result struct {
	ClientID  string
	Orders    []orders.Order
	Created   []string
	Updated   []string
	Unchanged []string
	Skipped   int
	Attempts  int
	Metadata  types.Metadata
}

type Engine struct {
	conversations store.ConversationStore
	ledger        store.Ledger
	extractor     extraction.Extractor
	validate      *validator.Validate
	locks         *clientLocks

	timeout            time.Duration
	maxConflictRetries int
	provider           string
	bus                *bus.MessageBus
	metrics            *metrics.Metrics
	log                *slog.Logger
}

func New(conversations store.ConversationStore, ledger store.Ledger, extractor extraction.Extractor, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Engine{
		conversations:      conversations,
		ledger:             ledger,
		extractor:          extractor,
		validate:           validator.New(validator.WithRequiredStructEnabled()),
		locks:              newClientLocks(),
		timeout:            timeout,
		maxConflictRetries: max(opts.MaxConflictRetries, 0),
		provider:           lo.Ternary(opts.Provider == "", "unknown", opts.Provider),
		bus:                opts.Bus,
		metrics:            opts.Metrics,
		log:                log.With("component", "reconcile.engine"),
	}
}

// ReconcileClient reads the client's full history under the client lock and
// reconciles it.
func (e *Engine) ReconcileClient(ctx context.Context, clientID string) (Result, error) {
	return e.run(ctx, clientID, nil)
}

// Reconcile merges what the extractor finds in history into the client's
// ledger. history must be the client's full conversation in arrival order.
// Prefer ReconcileClient: a history read outside the client lock may be
// stale, so once the lock is held the stored history replaces it when the
// store holds more messages. A ledger write conflict restarts the cycle from
// a fresh history read.
func (e *Engine) Reconcile(ctx context.Context, clientID string, history []orders.Message) (Result, error) {
	if history == nil {
		history = []orders.Message{}
	}
	return e.run(ctx, clientID, history)
}

func (e *Engine) run(ctx context.Context, clientID string, history []orders.Message) (Result, error) {
	requestID := uuid.NewString()
	log := e.log.With("client_id", clientID, "request_id", requestID)
	startedAt := time.Now()

	unlock, err := e.locks.acquire(ctx, clientID)
	if err != nil {
		return Result{}, fmt.Errorf("wait for client lock: %w", err)
	}
	defer unlock()

	e.bus.PublishEvent(ctx, bus.Event{Type: bus.EventReconcileStarted, ClientID: clientID, RequestID: requestID})
	log.Debug("Reconcile started", "history_supplied", history != nil)

	var result Result
	if history != nil {
		history, err = e.freshest(ctx, log, clientID, history)
	}
	for attempt := 1; err == nil; attempt++ {
		if history == nil {
			history, err = e.conversations.History(ctx, clientID)
			if err != nil {
				err = fmt.Errorf("read history: %w", err)
				break
			}
		}

		result, err = e.cycle(ctx, log, clientID, history)
		result.Attempts = attempt
		if err == nil || !errors.Is(err, orders.ErrLedgerWriteConflict) || attempt > e.maxConflictRetries {
			break
		}

		log.Warn("Ledger write conflict, retrying from fresh history", "attempt", attempt, "error", err)
		history, err = nil, nil
	}

	if err != nil {
		category := orders.CategoryFromError(err)
		e.metrics.ReconcileRun(category)
		e.bus.PublishEvent(context.WithoutCancel(ctx), bus.Event{
			Type:      bus.EventReconcileFailed,
			ClientID:  clientID,
			RequestID: requestID,
			Category:  category,
			Error:     err.Error(),
		})
		log.Error("Reconcile failed",
			"category", category,
			"retryable", orders.Retryable(err),
			"duration_ms", time.Since(startedAt).Milliseconds(),
			"error", err,
		)
		return Result{}, err
	}

	e.metrics.ReconcileRun("ok")
	e.metrics.OrdersWritten(len(result.Created), len(result.Updated), len(result.Unchanged))
	e.metrics.CandidatesSkipped(result.Skipped)
	e.bus.PublishEvent(context.WithoutCancel(ctx), bus.Event{
		Type:      bus.EventReconcileCompleted,
		ClientID:  clientID,
		RequestID: requestID,
		Payload: map[string]string{
			"orders":    strconv.Itoa(len(result.Orders)),
			"created":   strconv.Itoa(len(result.Created)),
			"updated":   strconv.Itoa(len(result.Updated)),
			"unchanged": strconv.Itoa(len(result.Unchanged)),
			"skipped":   strconv.Itoa(result.Skipped),
			"model":     result.Metadata.Model,
		},
	})
	log.Info("Reconcile completed",
		"orders", len(result.Orders),
		"created", len(result.Created),
		"updated", len(result.Updated),
		"unchanged", len(result.Unchanged),
		"skipped", result.Skipped,
		"attempts", result.Attempts,
		"duration_ms", time.Since(startedAt).Milliseconds(),
	)

	return result, nil
}

// freshest returns the stored history when it is longer than the supplied
// snapshot. The caller holds the client lock.
func (e *Engine) freshest(ctx context.Context, log *slog.Logger, clientID string, supplied []orders.Message) ([]orders.Message, error) {
	stored, err := e.conversations.History(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if len(stored) > len(supplied) {
		log.Debug("Supplied history is stale, using stored history",
			"supplied", len(supplied),
			"stored", len(stored),
		)
		return stored, nil
	}
	return supplied, nil
}

// cycle is one read-extract-merge-write pass. The caller holds the client
// lock.
func (e *Engine) cycle(ctx context.Context, log *slog.Logger, clientID string, history []orders.Message) (Result, error) {
	if len(history) == 0 {
		current, err := e.ledger.List(ctx, clientID)
		if err != nil {
			return Result{}, orders.NewError(orders.ErrorInternal, "read ledger", err)
		}
		return Result{ClientID: clientID, Orders: current}, nil
	}

	extracted, err := e.extract(ctx, history)
	if err != nil {
		return Result{}, err
	}

	candidates, skipped := e.sanitize(log, extracted.Candidates, history)
	if extracted.Skipped > 0 {
		log.Warn("Extraction answer carried undecodable order items", "skipped", extracted.Skipped)
		skipped += extracted.Skipped
	}

	// The write must land whole even if the caller goes away now.
	applied, err := e.ledger.Apply(context.WithoutCancel(ctx), clientID, candidates)
	if err != nil {
		if orders.CategoryFromError(err) == orders.ErrorInternal {
			err = orders.NewError(orders.ErrorLedgerWrite, "apply candidates", err)
		}
		return Result{}, err
	}

	return Result{
		ClientID:  clientID,
		Orders:    applied.Orders,
		Created:   applied.Created,
		Updated:   applied.Updated,
		Unchanged: applied.Unchanged,
		Skipped:   skipped,
		Metadata:  extracted.Metadata,
	}, nil
}

func (e *Engine) extract(ctx context.Context, history []orders.Message) (types.Result, error) {
	extractCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	startedAt := time.Now()
	result, err := e.extractor.Extract(extractCtx, history)
	elapsed := time.Since(startedAt)

	if err != nil {
		var categorized *orders.Error
		switch {
		case errors.Is(extractCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, orders.ErrExtractionMalformed):
			err = orders.Unavailable(fmt.Sprintf("extraction timed out after %s", e.timeout), err)
		case !errors.As(err, &categorized):
			err = orders.Unavailable("extraction failed", err)
		}
		e.metrics.ObserveExtraction(e.provider, orders.CategoryFromError(err), elapsed)
		return types.Result{}, err
	}

	e.metrics.ObserveExtraction(e.provider, "ok", elapsed)
	return result, nil
}

// sanitize normalizes plates, trims text, drops evidence the history never
// referenced and skips candidates that fail validation.
func (e *Engine) sanitize(log *slog.Logger, candidates []orders.CandidateOrder, history []orders.Message) ([]orders.CandidateOrder, int) {
	known := lo.Keyify(lo.FlatMap(history, func(m orders.Message, _ int) []string {
		return m.Media
	}))

	valid := make([]orders.CandidateOrder, 0, len(candidates))
	skipped := 0
	for i, c := range candidates {
		c.VehiclePlate = orders.NormalizePlate(c.VehiclePlate)
		c.VehicleBrand = strings.TrimSpace(c.VehicleBrand)
		c.VehicleModel = strings.TrimSpace(c.VehicleModel)
		c.VehicleFrame = strings.TrimSpace(c.VehicleFrame)
		c.Requirements = lo.Compact(lo.Map(c.Requirements, func(r string, _ int) string {
			return strings.TrimSpace(r)
		}))
		c.EvidenceMedia = orders.EvidenceSet(lo.Filter(c.EvidenceMedia, func(ref string, _ int) bool {
			_, ok := known[ref]
			return ok
		}))

		if err := e.validate.Struct(c); err != nil {
			skipped++
			log.Warn("Skipping invalid candidate order", "index", i, "plate", c.VehiclePlate, "error", err)
			continue
		}
		valid = append(valid, c)
	}

	return valid, skipped
}
