package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"bronco-trade-agent-go/internal/execution"
	"bronco-trade-agent-go/internal/logger"
	"bronco-trade-agent-go/internal/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger is the dispatcher's read view of the instrument's strategy pool.
type Ledger interface {
	Has(strategyID string) bool
	RealizedAfter(strategyID string, seq uint64) decimal.Decimal
	LastSequence() uint64
	LastPrice() (float64, time.Time, bool)
}

// RecordStore persists decision records. Transition must apply the close and
// the open in one unit: either both are stored or neither is. Either argument
// may be nil. A store reports ErrOpenRecordExists when opened would give the
// instrument a second open record and ErrRecordNotOpen when closed is not open.
type RecordStore interface {
	Transition(ctx context.Context, closed *ClosedRecord, opened *OpenRecord) error
	OpenRecords(ctx context.Context, instrument string) ([]OpenRecord, error)
}

// Decision is a validated selection to apply.
type Decision struct {
	StrategyID   string
	Reason       string
	ModelVersion string
	RiskWeight   float64
	// Price is the reference price the switch happens at.
	Price float64
}

// Phase of the per-instrument state machine.
type Phase int

const (
	PhaseUnstarted Phase = iota
	PhaseActive
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseStopped:
		return "stopped"
	default:
		return "unstarted"
	}
}

// ActiveState is the instrument's currently active strategy.
type ActiveState struct {
	StrategyID  string    `json:"strategy_id"`
	Reason      string    `json:"reason"`
	RiskWeight  float64   `json:"risk_weight"`
	ActivatedAt time.Time `json:"activated_at"`
	RecordID    string    `json:"record_id"`
}

// Dispatcher enforces a single active strategy for one instrument and writes
// the decision record lifecycle. Mutating calls are expected from the
// instrument's worker; readers may call Active and Phase from anywhere.
type Dispatcher struct {
	instrument string
	ledger     Ledger
	store      RecordStore
	sink       execution.Sink
	logger     *zap.Logger

	now   func() time.Time
	newID func() string

	mu    sync.RWMutex
	open  *OpenRecord
	phase Phase
}

func New(instrument string, ledger Ledger, store RecordStore, sink execution.Sink, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		instrument: instrument,
		ledger:     ledger,
		store:      store,
		sink:       sink,
		logger:     logger.ForInstrument(log.Named("dispatcher"), instrument),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

func (d *Dispatcher) Instrument() string { return d.instrument }

// Active returns the active strategy, if any.
func (d *Dispatcher) Active() (ActiveState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.open == nil {
		return ActiveState{}, false
	}
	return ActiveState{
		StrategyID:  d.open.StrategyID,
		Reason:      d.open.Reason,
		RiskWeight:  d.open.RiskWeight,
		ActivatedAt: d.open.StartTime,
		RecordID:    d.open.ID,
	}, true
}

// OpenRecord returns a copy of the open decision record.
func (d *Dispatcher) OpenRecord() (OpenRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.open == nil {
		return OpenRecord{}, false
	}
	return *d.open, true
}

func (d *Dispatcher) Phase() Phase {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.phase
}

// ApplyDecision makes dec.StrategyID the active strategy. The previous record,
// if any, is completed and the new one opened in a single store transition.
// Re-applying the active strategy changes nothing and returns false.
func (d *Dispatcher) ApplyDecision(ctx context.Context, dec Decision) (bool, error) {
	if err := d.validate(dec); err != nil {
		metrics.IncTransition(d.instrument, metrics.TransitionRejected)
		return false, err
	}

	current, hasCurrent := d.OpenRecord()
	if hasCurrent && current.Instrument != d.instrument {
		return false, &InvariantViolation{Instrument: d.instrument, Detail: "open record belongs to " + current.Instrument}
	}
	if hasCurrent && current.StrategyID == dec.StrategyID {
		metrics.IncTransition(d.instrument, metrics.TransitionNoop)
		d.logger.Debug("Strategy already active, decision ignored", zap.String("strategy", dec.StrategyID))
		return false, nil
	}

	at := d.now()
	price := decimal.NewFromFloat(dec.Price)

	var closed *ClosedRecord
	if hasCurrent {
		c := current.Complete(at, price, d.ledger.RealizedAfter(current.StrategyID, current.StartSequence))
		closed = &c
	}
	opened := &OpenRecord{
		ID:            d.newID(),
		Instrument:    d.instrument,
		StrategyID:    dec.StrategyID,
		Reason:        dec.Reason,
		ModelVersion:  dec.ModelVersion,
		RiskWeight:    dec.RiskWeight,
		StartTime:     at,
		InitialPrice:  price,
		StartSequence: d.ledger.LastSequence(),
	}

	if err := d.store.Transition(ctx, closed, opened); err != nil {
		metrics.IncTransition(d.instrument, metrics.TransitionFailed)
		return false, d.storeError("activate "+dec.StrategyID, err)
	}

	d.mu.Lock()
	d.open = opened
	d.phase = PhaseActive
	d.mu.Unlock()

	metrics.IncTransition(d.instrument, metrics.TransitionActivated)
	fields := []zap.Field{
		zap.String("strategy", dec.StrategyID),
		zap.String("reason", dec.Reason),
		zap.String("price", price.String()),
		zap.String("record_id", opened.ID),
	}
	if closed != nil {
		fields = append(fields,
			zap.String("previous", closed.StrategyID),
			zap.String("previous_pnl", closed.PnL.String()))
	}
	d.logger.Info("Strategy activated", fields...)

	d.sink.OnActivation(execution.Activation{
		Instrument: d.instrument,
		StrategyID: dec.StrategyID,
		RiskWeight: dec.RiskWeight,
		Reason:     dec.Reason,
		At:         at,
	})
	return true, nil
}

// ForceStop closes the open record as force_stopped and leaves the instrument
// without an active strategy. It returns false when nothing was active.
func (d *Dispatcher) ForceStop(ctx context.Context, reason string) (bool, error) {
	current, ok := d.OpenRecord()
	if !ok {
		return false, nil
	}

	closed := d.forceClose(current, reason)
	if err := d.store.Transition(ctx, &closed, nil); err != nil {
		metrics.IncTransition(d.instrument, metrics.TransitionFailed)
		return false, d.storeError("force stop "+current.StrategyID, err)
	}

	d.mu.Lock()
	d.open = nil
	d.phase = PhaseStopped
	d.mu.Unlock()

	metrics.IncTransition(d.instrument, metrics.TransitionForceStopped)
	d.logger.Info("Strategy force stopped",
		zap.String("strategy", current.StrategyID),
		zap.String("reason", reason),
		zap.String("pnl", closed.PnL.String()))

	d.sink.OnActivation(execution.Activation{
		Instrument: d.instrument,
		Reason:     reason,
		At:         closed.EndTime,
	})
	return true, nil
}

// Restore rebuilds the active state from the store. Extra open records are
// force stopped, keeping the newest; a record whose strategy is no longer
// registered is force stopped as well.
func (d *Dispatcher) Restore(ctx context.Context) error {
	records, err := d.store.OpenRecords(ctx, d.instrument)
	if err != nil {
		return fmt.Errorf("failed to load open records for %s: %w", d.instrument, err)
	}
	for _, r := range records {
		if r.Instrument != d.instrument {
			return &InvariantViolation{Instrument: d.instrument, Detail: fmt.Sprintf("store returned open record %s of %s", r.ID, r.Instrument)}
		}
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].StartTime.Before(records[j].StartTime) })

	d.mu.Lock()
	d.open = nil
	d.phase = PhaseUnstarted
	d.mu.Unlock()

	if len(records) == 0 {
		return nil
	}

	newest := records[len(records)-1]
	for _, r := range records[:len(records)-1] {
		closed := d.forceClose(r, "superseded open record repaired on restore")
		if err := d.store.Transition(ctx, &closed, nil); err != nil {
			return fmt.Errorf("failed to repair open record %s: %w", r.ID, err)
		}
		d.logger.Warn("Repaired duplicate open record", zap.String("record_id", r.ID), zap.String("strategy", r.StrategyID))
	}

	if !d.ledger.Has(newest.StrategyID) {
		closed := d.forceClose(newest, "strategy no longer registered")
		if err := d.store.Transition(ctx, &closed, nil); err != nil {
			return fmt.Errorf("failed to close record %s of unregistered strategy: %w", newest.ID, err)
		}
		d.mu.Lock()
		d.phase = PhaseStopped
		d.mu.Unlock()
		d.logger.Warn("Open record closed, strategy no longer registered", zap.String("strategy", newest.StrategyID))
		return nil
	}

	d.mu.Lock()
	d.open = &newest
	d.phase = PhaseActive
	d.mu.Unlock()

	d.logger.Info("Active strategy restored",
		zap.String("strategy", newest.StrategyID),
		zap.Time("since", newest.StartTime))
	d.sink.OnActivation(execution.Activation{
		Instrument: d.instrument,
		StrategyID: newest.StrategyID,
		RiskWeight: newest.RiskWeight,
		Reason:     newest.Reason,
		At:         newest.StartTime,
	})
	return nil
}

func (d *Dispatcher) validate(dec Decision) error {
	if math.IsNaN(dec.Price) || math.IsInf(dec.Price, 0) || dec.Price <= 0 {
		return fmt.Errorf("%w: %v for %s", ErrInvalidPrice, dec.Price, d.instrument)
	}
	if dec.StrategyID == "" || !d.ledger.Has(dec.StrategyID) {
		return fmt.Errorf("%w: %q for %s", ErrUnregisteredStrategy, dec.StrategyID, d.instrument)
	}
	return nil
}

// forceClose marks r at the last observed price, or its initial price if the
// pool has not seen one.
func (d *Dispatcher) forceClose(r OpenRecord, reason string) ClosedRecord {
	final := r.InitialPrice
	if p, _, ok := d.ledger.LastPrice(); ok {
		final = decimal.NewFromFloat(p)
	}
	return r.ForceStop(d.now(), final, d.ledger.RealizedAfter(r.StrategyID, r.StartSequence), reason)
}

func (d *Dispatcher) storeError(op string, err error) error {
	if errors.Is(err, ErrOpenRecordExists) || errors.Is(err, ErrRecordNotOpen) {
		return &InvariantViolation{Instrument: d.instrument, Detail: op, Err: err}
	}
	return fmt.Errorf("failed to %s for %s: %w", op, d.instrument, err)
}
