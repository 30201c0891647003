package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"recambio/pkg/bus"
	"recambio/pkg/extraction/schema"
	"recambio/pkg/extraction/types"
	"recambio/pkg/metrics"
	"recambio/pkg/orders"
	"recambio/pkg/store"
)

// scriptedExtractor answers with whatever respond returns for the history.
type scriptedExtractor struct {
	mu      sync.Mutex
	calls   int
	respond func(ctx context.Context, history []orders.Message) ([]orders.CandidateOrder, error)
}

func (s *scriptedExtractor) Health(context.Context) error { return nil }

func (s *scriptedExtractor) Extract(ctx context.Context, history []orders.Message) (types.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	candidates, err := s.respond(ctx, history)
	if err != nil {
		return types.Result{}, err
	}
	return types.Result{Candidates: candidates, Metadata: types.Metadata{Provider: "fake", Model: "fake-1"}}, nil
}

func (s *scriptedExtractor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fixed(candidates ...orders.CandidateOrder) *scriptedExtractor {
	return &scriptedExtractor{respond: func(context.Context, []orders.Message) ([]orders.CandidateOrder, error) {
		return candidates, nil
	}}
}

type fixture struct {
	store  *store.Memory
	client orders.Client
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := store.NewMemory()
	client, err := s.ResolveClient(context.Background(), "vendor-1", "telegram:42", "Taller Pepe")
	require.NoError(t, err)
	return fixture{store: s, client: client}
}

func (f fixture) say(t *testing.T, content string, media ...string) []orders.Message {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.Append(ctx, f.client.ID, content, media)
	require.NoError(t, err)
	history, err := f.store.History(ctx, f.client.ID)
	require.NoError(t, err)
	return history
}

func (f fixture) engine(extractor *scriptedExtractor, opts Options) *Engine {
	return New(f.store, f.store, extractor, opts)
}

func TestScenarioCreateThenUpdateInPlace(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	extractor := &scriptedExtractor{respond: func(_ context.Context, history []orders.Message) ([]orders.CandidateOrder, error) {
		c := orders.CandidateOrder{
			VehiclePlate: "1234ABC",
			VehicleBrand: "Seat",
			VehicleModel: "Ibiza",
			Requirements: []string{"pastillas de freno"},
		}
		if len(history) > 1 {
			c.Requirements = append(c.Requirements, "filtro de aire")
		}
		return []orders.CandidateOrder{c}, nil
	}}
	engine := f.engine(extractor, Options{})

	history := f.say(t, "Necesito pastillas de freno para el Seat Ibiza matrícula 1234ABC")
	first, err := engine.Reconcile(ctx, f.client.ID, history)
	req.NoError(err)
	req.Len(first.Orders, 1)
	req.Equal([]string{"1234ABC"}, first.Created)
	req.Equal(orders.StatusPendingPrice, first.Orders[0].Status)
	req.Equal("Seat", first.Orders[0].VehicleBrand)

	history = f.say(t, "también necesito un filtro de aire para el mismo coche")
	second, err := engine.Reconcile(ctx, f.client.ID, history)
	req.NoError(err)
	req.Len(second.Orders, 1)
	req.Equal([]string{"1234ABC"}, second.Updated)
	req.Equal(first.Orders[0].ID, second.Orders[0].ID)
	req.Equal([]string{"pastillas de freno", "filtro de aire"}, second.Orders[0].Requirements)
}

func TestReconcileIsIdempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	engine := f.engine(fixed(
		orders.CandidateOrder{VehiclePlate: "1234ABC", Requirements: []string{"filtro de aceite"}},
		orders.CandidateOrder{VehiclePlate: "9999XYZ", Requirements: []string{"bujías"}},
	), Options{})
	history := f.say(t, "hola")

	first, err := engine.Reconcile(ctx, f.client.ID, history)
	req.NoError(err)
	second, err := engine.Reconcile(ctx, f.client.ID, history)
	req.NoError(err)

	req.Equal(first.Orders, second.Orders)
	req.Empty(second.Created)
	req.Empty(second.Updated)
	req.ElementsMatch([]string{"1234ABC", "9999XYZ"}, second.Unchanged)
}

func TestLastExtractionReplacesRequirements(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	history := f.say(t, "filtro de aceite para el 1234ABC")
	_, err := f.engine(fixed(orders.CandidateOrder{
		VehiclePlate: "1234ABC",
		Requirements: []string{"filtro de aceite"},
	}), Options{}).Reconcile(ctx, f.client.ID, history)
	req.NoError(err)

	history = f.say(t, "y pastillas de freno")
	result, err := f.engine(fixed(orders.CandidateOrder{
		VehiclePlate: "1234ABC",
		Requirements: []string{"filtro de aceite", "pastillas de freno"},
	}), Options{}).Reconcile(ctx, f.client.ID, history)
	req.NoError(err)

	req.Len(result.Orders, 1)
	req.Equal([]string{"filtro de aceite", "pastillas de freno"}, result.Orders[0].Requirements)

	history = f.say(t, "al final solo pastillas")
	result, err = f.engine(fixed(orders.CandidateOrder{
		VehiclePlate: "1234ABC",
		Requirements: []string{"pastillas de freno"},
	}), Options{}).Reconcile(ctx, f.client.ID, history)
	req.NoError(err)
	req.Equal([]string{"pastillas de freno"}, result.Orders[0].Requirements)
}

func TestOmittedPlateIsLeftUntouched(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	history := f.say(t, "bujías para el 9999XYZ")
	first, err := f.engine(fixed(orders.CandidateOrder{
		VehiclePlate: "9999XYZ",
		VehicleBrand: "Renault",
		Requirements: []string{"bujías"},
	}), Options{}).Reconcile(ctx, f.client.ID, history)
	req.NoError(err)
	before := first.Orders[0]

	history = f.say(t, "y pastillas para el 1234ABC")
	second, err := f.engine(fixed(orders.CandidateOrder{
		VehiclePlate: "1234ABC",
		Requirements: []string{"pastillas de freno"},
	}), Options{}).Reconcile(ctx, f.client.ID, history)
	req.NoError(err)

	req.Len(second.Orders, 2)
	untouched, err := f.store.ListByPlate(ctx, f.client.ID, "9999XYZ")
	req.NoError(err)
	req.Equal([]orders.Order{before}, untouched)
}

func TestExtractionFailureLeavesLedgerUnchanged(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name     string
		err      error
		category string
	}{
		{name: "unavailable", err: orders.Unavailable("quota", nil), category: orders.ErrorExtractionUnavailable},
		{name: "malformed", err: orders.Malformed("not json", nil), category: orders.ErrorExtractionMalformed},
		{name: "uncategorized", err: errors.New("boom"), category: orders.ErrorExtractionUnavailable},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			f := newFixture(t)

			history := f.say(t, "pastillas para el 1234ABC")
			_, err := f.engine(fixed(orders.CandidateOrder{
				VehiclePlate: "1234ABC",
				Requirements: []string{"pastillas de freno"},
			}), Options{}).Reconcile(ctx, f.client.ID, history)
			req.NoError(err)
			before, err := f.store.List(ctx, f.client.ID)
			req.NoError(err)

			failing := &scriptedExtractor{respond: func(context.Context, []orders.Message) ([]orders.CandidateOrder, error) {
				return nil, tc.err
			}}
			_, err = f.engine(failing, Options{}).Reconcile(ctx, f.client.ID, f.say(t, "y un filtro"))
			req.Error(err)
			req.Equal(tc.category, orders.CategoryFromError(err))

			after, err := f.store.List(ctx, f.client.ID)
			req.NoError(err)
			req.Equal(before, after)
		})
	}
}

func TestExtractionTimeoutIsUnavailable(t *testing.T) {
	f := newFixture(t)
	history := f.say(t, "hola")

	slow := &scriptedExtractor{respond: func(ctx context.Context, _ []orders.Message) ([]orders.CandidateOrder, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	_, err := f.engine(slow, Options{Timeout: 20 * time.Millisecond}).Reconcile(context.Background(), f.client.ID, history)
	require.ErrorIs(t, err, orders.ErrExtractionUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDuplicatePlatesLaterWins(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	result, err := f.engine(fixed(
		orders.CandidateOrder{VehiclePlate: "1234 abc", Requirements: []string{"primero"}},
		orders.CandidateOrder{VehiclePlate: "1234-ABC", Requirements: []string{"segundo"}},
	), Options{}).Reconcile(context.Background(), f.client.ID, f.say(t, "hola"))
	req.NoError(err)

	req.Len(result.Orders, 1)
	req.Equal("1234ABC", result.Orders[0].VehiclePlate)
	req.Equal([]string{"segundo"}, result.Orders[0].Requirements)
}

func TestInvalidCandidatesAreSkipped(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	m := metrics.New()

	history := f.say(t, "foto de la matrícula", "plate.jpg")
	result, err := f.engine(fixed(
		orders.CandidateOrder{VehiclePlate: "  ", Requirements: []string{"sin matrícula"}},
		orders.CandidateOrder{
			VehiclePlate:  "1234abc",
			VehicleBrand:  " Seat ",
			Requirements:  []string{" pastillas de freno ", ""},
			EvidenceMedia: []string{"plate.jpg", "plate.jpg", "invented.jpg"},
		},
	), Options{Metrics: m}).Reconcile(context.Background(), f.client.ID, history)
	req.NoError(err)

	req.Equal(1, result.Skipped)
	req.Len(result.Orders, 1)
	order := result.Orders[0]
	req.Equal("1234ABC", order.VehiclePlate)
	req.Equal("Seat", order.VehicleBrand)
	req.Equal([]string{"pastillas de freno"}, order.Requirements)
	req.Equal([]string{"plate.jpg"}, order.EvidenceMedia)
}

// answeringExtractor decodes a canned model answer the way the adapters do.
type answeringExtractor struct {
	answer string
}

func (a answeringExtractor) Health(context.Context) error { return nil }

func (a answeringExtractor) Extract(context.Context, []orders.Message) (types.Result, error) {
	candidates, skipped, err := schema.Decode(a.answer)
	if err != nil {
		return types.Result{}, err
	}
	return types.Result{Candidates: candidates, Skipped: skipped}, nil
}

func TestIllTypedAnswerItemIsSkipped(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	history := f.say(t, "pastillas para el 1234ABC")

	extractor := answeringExtractor{answer: `{"orders":[
		{"car_plate": 5678, "order_requirements": ["filtro"]},
		{"car_plate": "1234ABC", "order_requirements": ["pastillas de freno"]}
	]}`}
	result, err := New(f.store, f.store, extractor, Options{Metrics: metrics.New()}).
		Reconcile(context.Background(), f.client.ID, history)
	req.NoError(err)
	req.Equal(1, result.Skipped)
	req.Len(result.Orders, 1)
	req.Equal("1234ABC", result.Orders[0].VehiclePlate)
	req.Equal([]string{"1234ABC"}, result.Created)
}

func TestReorderedEvidenceLeavesOrderUnchanged(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.say(t, "matrícula", "a.jpg")
	history := f.say(t, "pieza", "b.jpg")

	var evidence []string
	extractor := &scriptedExtractor{respond: func(context.Context, []orders.Message) ([]orders.CandidateOrder, error) {
		return []orders.CandidateOrder{{VehiclePlate: "1234ABC", Requirements: []string{"a"}, EvidenceMedia: evidence}}, nil
	}}
	engine := f.engine(extractor, Options{})

	evidence = []string{"a.jpg", "b.jpg"}
	_, err := engine.Reconcile(context.Background(), f.client.ID, history)
	req.NoError(err)

	evidence = []string{"b.jpg", "a.jpg"}
	result, err := engine.Reconcile(context.Background(), f.client.ID, history)
	req.NoError(err)
	req.Equal([]string{"1234ABC"}, result.Unchanged)
	req.Empty(result.Updated)
}

func TestIdentityInvariantAcrossRuns(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	plates := [][]string{
		{"1234ABC"},
		{"1234ABC", "9999XYZ"},
		{"9999 xyz", "1234abc", "5555DEF"},
		{"5555-def"},
	}
	for i, run := range plates {
		candidates := make([]orders.CandidateOrder, 0, len(run))
		for _, plate := range run {
			candidates = append(candidates, orders.CandidateOrder{VehiclePlate: plate, Requirements: []string{"run"}})
		}
		_, err := f.engine(fixed(candidates...), Options{}).Reconcile(ctx, f.client.ID, f.say(t, "mensaje"))
		req.NoError(err, "run %d", i)
	}

	list, err := f.store.List(ctx, f.client.ID)
	req.NoError(err)
	seen := map[string]bool{}
	for _, order := range list {
		req.False(seen[order.VehiclePlate], "duplicate plate %s", order.VehiclePlate)
		seen[order.VehiclePlate] = true
	}
	req.Len(list, 3)
}

func TestWriteCompletesWhenCallerCancelsAfterExtraction(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	history := f.say(t, "hola")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	extractor := &scriptedExtractor{respond: func(context.Context, []orders.Message) ([]orders.CandidateOrder, error) {
		cancel()
		return []orders.CandidateOrder{
			{VehiclePlate: "1234ABC", Requirements: []string{"a"}},
			{VehiclePlate: "9999XYZ", Requirements: []string{"b"}},
		}, nil
	}}

	_, err := f.engine(extractor, Options{}).Reconcile(ctx, f.client.ID, history)
	req.NoError(err)

	list, err := f.store.List(context.Background(), f.client.ID)
	req.NoError(err)
	req.Len(list, 2)
}

func TestReconcileClientReadsHistory(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.say(t, "uno")
	f.say(t, "dos")

	var seen int
	extractor := &scriptedExtractor{respond: func(_ context.Context, history []orders.Message) ([]orders.CandidateOrder, error) {
		seen = len(history)
		return nil, nil
	}}

	result, err := f.engine(extractor, Options{}).ReconcileClient(context.Background(), f.client.ID)
	req.NoError(err)
	req.Equal(2, seen)
	req.Empty(result.Orders)
}

func TestEmptyHistorySkipsExtraction(t *testing.T) {
	f := newFixture(t)
	extractor := fixed(orders.CandidateOrder{VehiclePlate: "1234ABC"})

	result, err := f.engine(extractor, Options{}).ReconcileClient(context.Background(), f.client.ID)
	require.NoError(t, err)
	require.Empty(t, result.Orders)
	require.Zero(t, extractor.callCount())
}

func TestStaleSuppliedHistoryIsRefreshed(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	stale := f.say(t, "uno")
	f.say(t, "dos")

	var seen int
	extractor := &scriptedExtractor{respond: func(_ context.Context, history []orders.Message) ([]orders.CandidateOrder, error) {
		seen = len(history)
		return nil, nil
	}}

	_, err := f.engine(extractor, Options{}).Reconcile(context.Background(), f.client.ID, stale)
	req.NoError(err)
	req.Equal(2, seen)
}

// brokenLedger fails every read.
type brokenLedger struct {
	store.Ledger
}

func (brokenLedger) List(context.Context, string) ([]orders.Order, error) {
	return nil, errors.New("disk gone")
}

func TestEmptyHistoryLedgerReadFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	extractor := fixed()

	_, err := New(f.store, brokenLedger{Ledger: f.store}, extractor, Options{}).
		ReconcileClient(context.Background(), f.client.ID)
	require.Error(t, err)
	require.Equal(t, orders.ErrorInternal, orders.CategoryFromError(err))
	require.Zero(t, extractor.callCount())
}

// conflictingLedger fails the first n applies with a write conflict.
type conflictingLedger struct {
	store.Ledger
	remaining atomic.Int32
}

func (c *conflictingLedger) Apply(ctx context.Context, clientID string, candidates []orders.CandidateOrder) (store.ApplyResult, error) {
	if c.remaining.Add(-1) >= 0 {
		return store.ApplyResult{}, orders.NewError(orders.ErrorLedgerWriteConflict, "test conflict", nil)
	}
	return c.Ledger.Apply(ctx, clientID, candidates)
}

// countingHistory counts fresh history reads.
type countingHistory struct {
	store.ConversationStore
	reads atomic.Int32
}

func (c *countingHistory) History(ctx context.Context, clientID string) ([]orders.Message, error) {
	c.reads.Add(1)
	return c.ConversationStore.History(ctx, clientID)
}

func TestConflictRetriesFromFreshHistory(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	history := f.say(t, "hola")

	ledger := &conflictingLedger{Ledger: f.store}
	ledger.remaining.Store(2)
	conversations := &countingHistory{ConversationStore: f.store}
	extractor := fixed(orders.CandidateOrder{VehiclePlate: "1234ABC", Requirements: []string{"a"}})

	engine := New(conversations, ledger, extractor, Options{MaxConflictRetries: 2})
	result, err := engine.Reconcile(context.Background(), f.client.ID, history)
	req.NoError(err)
	req.Equal(3, result.Attempts)
	req.Equal(3, extractor.callCount())
	req.EqualValues(3, conversations.reads.Load())
	req.Len(result.Orders, 1)
}

func TestConflictRetriesAreBounded(t *testing.T) {
	f := newFixture(t)
	history := f.say(t, "hola")

	ledger := &conflictingLedger{Ledger: f.store}
	ledger.remaining.Store(10)
	extractor := fixed(orders.CandidateOrder{VehiclePlate: "1234ABC"})

	_, err := New(f.store, ledger, extractor, Options{MaxConflictRetries: 1}).Reconcile(context.Background(), f.client.ID, history)
	require.ErrorIs(t, err, orders.ErrLedgerWriteConflict)
	require.Equal(t, 2, extractor.callCount())
}

func TestSameClientRunsAreSerialized(t *testing.T) {
	f := newFixture(t)
	history := f.say(t, "hola")

	var inFlight, peak atomic.Int32
	extractor := &scriptedExtractor{respond: func(context.Context, []orders.Message) ([]orders.CandidateOrder, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return []orders.CandidateOrder{{VehiclePlate: "1234ABC", Requirements: []string{"a"}}}, nil
	}}
	engine := f.engine(extractor, Options{})

	errs := make(chan error, 8)
	for range 8 {
		go func() {
			_, err := engine.Reconcile(context.Background(), f.client.ID, history)
			errs <- err
		}()
	}
	for range 8 {
		require.NoError(t, <-errs)
	}

	require.EqualValues(t, 1, peak.Load())
	require.Zero(t, engine.locks.size())
}

func TestDifferentClientsRunConcurrently(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := store.NewMemory()

	a, err := s.ResolveClient(ctx, "vendor-1", "telegram:1", "")
	req.NoError(err)
	b, err := s.ResolveClient(ctx, "vendor-1", "telegram:2", "")
	req.NoError(err)
	_, err = s.Append(ctx, a.ID, "hola", nil)
	req.NoError(err)
	_, err = s.Append(ctx, b.ID, "hola", nil)
	req.NoError(err)

	var entered sync.WaitGroup
	entered.Add(2)
	both := make(chan struct{})
	go func() {
		entered.Wait()
		close(both)
	}()

	extractor := &scriptedExtractor{respond: func(context.Context, []orders.Message) ([]orders.CandidateOrder, error) {
		entered.Done()
		select {
		case <-both:
			return nil, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("clients were serialized")
		}
	}}
	engine := New(s, s, extractor, Options{})

	errs := make(chan error, 2)
	for _, id := range []string{a.ID, b.ID} {
		go func() {
			_, err := engine.ReconcileClient(ctx, id)
			errs <- err
		}()
	}
	req.NoError(<-errs)
	req.NoError(<-errs)
}

func TestLockWaitHonorsContext(t *testing.T) {
	f := newFixture(t)
	engine := f.engine(fixed(), Options{})

	unlock, err := engine.locks.acquire(context.Background(), f.client.ID)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = engine.ReconcileClient(ctx, f.client.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLifecycleEventsArePublished(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	mb := bus.NewMessageBus()
	defer mb.Close()

	events, unsubscribe := mb.SubscribeEvents(context.Background(), 8)
	defer unsubscribe()

	engine := f.engine(fixed(orders.CandidateOrder{VehiclePlate: "1234ABC"}), Options{Bus: mb})
	_, err := engine.Reconcile(context.Background(), f.client.ID, f.say(t, "hola"))
	req.NoError(err)

	started := <-events
	req.Equal(bus.EventReconcileStarted, started.Type)
	completed := <-events
	req.Equal(bus.EventReconcileCompleted, completed.Type)
	req.Equal("1", completed.Payload["created"])
	req.Equal(started.RequestID, completed.RequestID)

	failing := &scriptedExtractor{respond: func(context.Context, []orders.Message) ([]orders.CandidateOrder, error) {
		return nil, orders.Malformed("bad", nil)
	}}
	_, err = New(f.store, f.store, failing, Options{Bus: mb}).ReconcileClient(context.Background(), f.client.ID)
	req.Error(err)

	req.Equal(bus.EventReconcileStarted, (<-events).Type)
	failed := <-events
	req.Equal(bus.EventReconcileFailed, failed.Type)
	req.Equal(orders.ErrorExtractionMalformed, failed.Category)
}
