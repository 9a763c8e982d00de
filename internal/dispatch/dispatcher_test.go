package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"bronco-trade-agent-go/internal/execution"
	"bronco-trade-agent-go/internal/market"
	"bronco-trade-agent-go/internal/pool"
	"bronco-trade-agent-go/internal/strategy"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory RecordStore that enforces the same rules as the
// database repository.
type memStore struct {
	mu     sync.Mutex
	open   map[string]OpenRecord
	closed []ClosedRecord
	fail   error
}

func newMemStore() *memStore {
	return &memStore{open: make(map[string]OpenRecord)}
}

func (s *memStore) Transition(ctx context.Context, closed *ClosedRecord, opened *OpenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if closed != nil {
		if _, ok := s.open[closed.ID]; !ok {
			return ErrRecordNotOpen
		}
	}
	if opened != nil {
		for id, r := range s.open {
			if r.Instrument == opened.Instrument && (closed == nil || id != closed.ID) {
				return ErrOpenRecordExists
			}
		}
	}
	if closed != nil {
		delete(s.open, closed.ID)
		s.closed = append(s.closed, *closed)
	}
	if opened != nil {
		s.open[opened.ID] = *opened
	}
	return nil
}

func (s *memStore) OpenRecords(ctx context.Context, instrument string) ([]OpenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OpenRecord
	for _, r := range s.open {
		if r.Instrument == instrument {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) openCount(instrument string) int {
	recs, _ := s.OpenRecords(context.Background(), instrument)
	return len(recs)
}

type MockSink struct {
	mock.Mock
}

func (m *MockSink) OnActivation(a execution.Activation)    { m.Called(a) }
func (m *MockSink) OnSignal(fill strategy.VirtualFill) { m.Called(fill) }

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Transition(ctx context.Context, closed *ClosedRecord, opened *OpenRecord) error {
	args := m.Called(ctx, closed, opened)
	return args.Error(0)
}

func (m *MockStore) OpenRecords(ctx context.Context, instrument string) ([]OpenRecord, error) {
	args := m.Called(ctx, instrument)
	return args.Get(0).([]OpenRecord), args.Error(1)
}

var session = time.Date(2025, 7, 1, 13, 31, 0, 0, time.UTC) // 09:31 ET

type fixture struct {
	pool  *pool.Pool
	store *memStore
	sink  *MockSink
	d     *Dispatcher
	clock time.Time
	ids   int
}

func newFixture(t *testing.T) *fixture {
	p := pool.New("AAPL", pool.Options{Windows: []time.Duration{time.Hour}}, zap.NewNop())
	for _, spec := range []strategy.Spec{
		{ID: "A", Kind: strategy.KindTrend, Size: 1},
		{ID: "B", Kind: strategy.KindMeanReversion, Size: 1},
	} {
		s, err := strategy.New(spec, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, p.Register(s))
	}

	f := &fixture{pool: p, store: newMemStore(), sink: new(MockSink), clock: session}
	f.sink.On("OnActivation", mock.Anything).Return()
	f.d = New("AAPL", p, f.store, f.sink, zap.NewNop())
	f.d.now = func() time.Time { return f.clock }
	f.d.newID = func() string {
		f.ids++
		return fmt.Sprintf("rec-%d", f.ids)
	}
	return f
}

func (f *fixture) observe(t *testing.T, seq uint64, minute int, price float64) {
	_, err := f.pool.Observe(market.Observation{
		Instrument: "AAPL",
		Sequence:   seq,
		Timestamp:  session.Add(time.Duration(minute) * time.Minute),
		Price:      price,
		Size:       100,
	})
	require.NoError(t, err)
	f.clock = session.Add(time.Duration(minute) * time.Minute)
}

func TestDispatcher_SwitchScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.observe(t, 1, 0, 100) // 09:31
	f.observe(t, 2, 4, 102) // 09:35

	a, _ := f.pool.Strategy("A")
	b, _ := f.pool.Strategy("B")
	assert.Equal(t, strategy.Long, a.CurrentPosition().Direction)
	assert.True(t, b.CurrentPosition().IsFlat())

	changed, err := f.d.ApplyDecision(ctx, Decision{StrategyID: "A", Reason: "trend regime", Price: 102, RiskWeight: 0.6, ModelVersion: "v1"})
	require.NoError(t, err)
	assert.True(t, changed)

	first, ok := f.d.OpenRecord()
	require.True(t, ok)
	assert.Equal(t, "102", first.InitialPrice.String())
	assert.Equal(t, uint64(2), first.StartSequence)
	assert.Equal(t, PhaseActive, f.d.Phase())

	f.observe(t, 3, 9, 95) // A exits: -5 against its $100 entry

	changed, err = f.d.ApplyDecision(ctx, Decision{StrategyID: "B", Reason: "regime shift", Price: 105})
	require.NoError(t, err)
	assert.True(t, changed)

	require.Len(t, f.store.closed, 1)
	closed := f.store.closed[0]
	assert.Equal(t, "A", closed.StrategyID)
	assert.Equal(t, StatusCompleted, closed.Status)
	assert.Equal(t, "105", closed.FinalPrice.String())
	assert.Equal(t, "-5", closed.PnL.String())
	assert.Equal(t, session.Add(9*time.Minute), closed.EndTime)
	assert.True(t, closed.PnLPercentage.Equal(decimal.RequireFromString("-4.902")), closed.PnLPercentage.String())

	second, ok := f.d.OpenRecord()
	require.True(t, ok)
	assert.Equal(t, "B", second.StrategyID)
	assert.Equal(t, "105", second.InitialPrice.String())
	assert.Equal(t, 1, f.store.openCount("AAPL"))

	f.sink.AssertNumberOfCalls(t, "OnActivation", 2)
}

func TestDispatcher_ReapplyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.observe(t, 1, 0, 100)

	_, err := f.d.ApplyDecision(ctx, Decision{StrategyID: "A", Reason: "first", Price: 100})
	require.NoError(t, err)
	before, _ := f.d.OpenRecord()

	f.observe(t, 2, 5, 101)
	changed, err := f.d.ApplyDecision(ctx, Decision{StrategyID: "A", Reason: "again", Price: 101})
	require.NoError(t, err)
	assert.False(t, changed)

	after, _ := f.d.OpenRecord()
	assert.Equal(t, before, after)
	assert.Equal(t, 1, f.store.openCount("AAPL"))
	assert.Empty(t, f.store.closed)
	f.sink.AssertNumberOfCalls(t, "OnActivation", 1)
}

func TestDispatcher_ConfigErrorsLeaveStateUnchanged(t *testing.T) {
	testCases := []struct {
		name    string
		dec     Decision
		wantErr error
	}{
		{name: "unregistered strategy", dec: Decision{StrategyID: "C", Price: 100}, wantErr: ErrUnregisteredStrategy},
		{name: "empty strategy", dec: Decision{Price: 100}, wantErr: ErrUnregisteredStrategy},
		{name: "zero price", dec: Decision{StrategyID: "B", Price: 0}, wantErr: ErrInvalidPrice},
		{name: "negative price", dec: Decision{StrategyID: "B", Price: -3}, wantErr: ErrInvalidPrice},
		{name: "NaN price", dec: Decision{StrategyID: "B", Price: math.NaN()}, wantErr: ErrInvalidPrice},
		{name: "infinite price", dec: Decision{StrategyID: "B", Price: math.Inf(1)}, wantErr: ErrInvalidPrice},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.observe(t, 1, 0, 100)
			_, err := f.d.ApplyDecision(ctx, Decision{StrategyID: "A", Price: 100})
			require.NoError(t, err)
			before, _ := f.d.OpenRecord()

			changed, err := f.d.ApplyDecision(ctx, tc.dec)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.False(t, changed)
			assert.False(t, IsInvariantViolation(err))

			after, _ := f.d.OpenRecord()
			assert.Equal(t, before, after)
			assert.Empty(t, f.store.closed)
		})
	}
}

func TestDispatcher_StoreFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.observe(t, 1, 0, 100)
	_, err := f.d.ApplyDecision(ctx, Decision{StrategyID: "A", Price: 100})
	require.NoError(t, err)

	f.store.fail = errors.New("disk full")
	changed, err := f.d.ApplyDecision(ctx, Decision{StrategyID: "B", Price: 101})
	require.Error(t, err)
	assert.False(t, changed)
	assert.False(t, IsInvariantViolation(err))

	active, ok := f.d.Active()
	require.True(t, ok)
	assert.Equal(t, "A", active.StrategyID)
	f.sink.AssertNumberOfCalls(t, "OnActivation", 1)

	stopped, err := f.d.ForceStop(ctx, "market closed")
	require.Error(t, err)
	assert.False(t, stopped)
	_, ok = f.d.Active()
	assert.True(t, ok)
}

func TestDispatcher_StoreConflictIsInvariantViolation(t *testing.T) {
	store := new(MockStore)
	sink := new(MockSink)
	p := pool.New("AAPL", pool.Options{}, zap.NewNop())
	s, err := strategy.New(strategy.Spec{ID: "A", Kind: strategy.KindBuyAndHold}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Register(s))

	store.On("Transition", mock.Anything, (*ClosedRecord)(nil), mock.AnythingOfType("*dispatch.OpenRecord")).
		Return(fmt.Errorf("insert: %w", ErrOpenRecordExists))

	d := New("AAPL", p, store, sink, zap.NewNop())
	_, err = d.ApplyDecision(context.Background(), Decision{StrategyID: "A", Price: 10})

	var iv *InvariantViolation
	require.ErrorAs(t, err, &iv)
	assert.Equal(t, "AAPL", iv.Instrument)
	assert.ErrorIs(t, err, ErrOpenRecordExists)
	_, ok := d.Active()
	assert.False(t, ok)
	sink.AssertNotCalled(t, "OnActivation", mock.Anything)
	store.AssertExpectations(t)
}

func TestDispatcher_ForceStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stopped, err := f.d.ForceStop(ctx, "market closed")
	require.NoError(t, err)
	assert.False(t, stopped, "nothing active yet")
	assert.Equal(t, PhaseUnstarted, f.d.Phase())

	f.observe(t, 1, 0, 100)
	_, err = f.d.ApplyDecision(ctx, Decision{StrategyID: "A", Reason: "open", Price: 100})
	require.NoError(t, err)
	f.observe(t, 2, 3, 104)

	stopped, err = f.d.ForceStop(ctx, "market closed")
	require.NoError(t, err)
	assert.True(t, stopped)

	_, ok := f.d.Active()
	assert.False(t, ok)
	assert.Equal(t, PhaseStopped, f.d.Phase())
	assert.Zero(t, f.store.openCount("AAPL"))

	require.Len(t, f.store.closed, 1)
	closed := f.store.closed[0]
	assert.Equal(t, StatusForceStopped, closed.Status)
	assert.Equal(t, "market closed", closed.StopReason)
	assert.Equal(t, "104", closed.FinalPrice.String())

	f.sink.AssertCalled(t, "OnActivation", execution.Activation{
		Instrument: "AAPL",
		Reason:     "market closed",
		At:         session.Add(3 * time.Minute),
	})

	// a new session may activate again
	changed, err := f.d.ApplyDecision(ctx, Decision{StrategyID: "B", Price: 104})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, PhaseActive, f.d.Phase())
}

func TestDispatcher_Restore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.observe(t, 1, 0, 100)

	older := OpenRecord{ID: "old", Instrument: "AAPL", StrategyID: "B", StartTime: session, InitialPrice: decimal.NewFromInt(99)}
	newer := OpenRecord{ID: "new", Instrument: "AAPL", StrategyID: "A", StartTime: session.Add(time.Minute), InitialPrice: decimal.NewFromInt(100)}
	f.store.open["old"] = older
	f.store.open["new"] = newer

	require.NoError(t, f.d.Restore(ctx))

	active, ok := f.d.Active()
	require.True(t, ok)
	assert.Equal(t, "A", active.StrategyID)
	assert.Equal(t, "new", active.RecordID)
	assert.Equal(t, 1, f.store.openCount("AAPL"))
	require.Len(t, f.store.closed, 1)
	assert.Equal(t, "old", f.store.closed[0].ID)
	assert.Equal(t, StatusForceStopped, f.store.closed[0].Status)

	// Restored state behaves like a live one.
	changed, err := f.d.ApplyDecision(ctx, Decision{StrategyID: "A", Price: 100})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestDispatcher_RestoreUnregisteredStrategy(t *testing.T) {
	f := newFixture(t)
	f.store.open["gone"] = OpenRecord{ID: "gone", Instrument: "AAPL", StrategyID: "retired", StartTime: session, InitialPrice: decimal.NewFromInt(50)}

	require.NoError(t, f.d.Restore(context.Background()))

	_, ok := f.d.Active()
	assert.False(t, ok)
	assert.Equal(t, PhaseStopped, f.d.Phase())
	require.Len(t, f.store.closed, 1)
	assert.Equal(t, "strategy no longer registered", f.store.closed[0].StopReason)
	assert.Equal(t, "50", f.store.closed[0].FinalPrice.String(), "no observed price falls back to the initial price")
}

func TestDispatcher_NeverObservedWithoutActiveStrategy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.observe(t, 1, 0, 100)
	_, err := f.d.ApplyDecision(ctx, Decision{StrategyID: "A", Price: 100})
	require.NoError(t, err)

	done := make(chan struct{})
	var gaps int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				if _, ok := f.d.Active(); !ok {
					gaps++
				}
			}
		}
	}()

	for i := 0; i < 200; i++ {
		id := "B"
		if i%2 == 1 {
			id = "A"
		}
		_, err := f.d.ApplyDecision(ctx, Decision{StrategyID: id, Price: 100})
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()

	assert.Zero(t, gaps)
	assert.Equal(t, 1, f.store.openCount("AAPL"))
	assert.Len(t, f.store.closed, 200)
}

func TestOpenRecord_Close(t *testing.T) {
	r := OpenRecord{ID: "x", StrategyID: "A", InitialPrice: decimal.NewFromInt(200), StartTime: session}
	end := session.Add(time.Hour)

	c := r.Complete(end, decimal.NewFromInt(210), decimal.NewFromInt(10))
	assert.Equal(t, StatusCompleted, c.Status)
	assert.Equal(t, "5", c.PnLPercentage.String())
	assert.Equal(t, r, c.OpenRecord)

	fs := r.ForceStop(end, decimal.NewFromInt(190), decimal.NewFromInt(-10), "instrument removed")
	assert.Equal(t, StatusForceStopped, fs.Status)
	assert.Equal(t, "instrument removed", fs.StopReason)
	assert.Equal(t, "-5", fs.PnLPercentage.String())

	zero := OpenRecord{}.Complete(end, decimal.NewFromInt(1), decimal.NewFromInt(1))
	assert.True(t, zero.PnLPercentage.IsZero())
}
