package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bronco-trade-agent-go/internal/dispatch"
	"bronco-trade-agent-go/internal/execution"
	"bronco-trade-agent-go/internal/logger"
	"bronco-trade-agent-go/internal/market"
	"bronco-trade-agent-go/internal/metrics"
	"bronco-trade-agent-go/internal/pool"
	"bronco-trade-agent-go/internal/strategy"
	"go.uber.org/zap"
)

// FillStore persists virtual fills.
type FillStore interface {
	Append(ctx context.Context, fills []strategy.VirtualFill) error
	ListByInstrument(ctx context.Context, instrument string) ([]strategy.VirtualFill, error)
	DeleteStrategy(ctx context.Context, instrument, strategyID string) error
}

// envelope is a mailbox entry: an observation or a command.
type envelope struct {
	obs   *market.Observation
	cmd   func(ctx context.Context, st *instrumentState) error
	reply chan error
}

// instrumentState is owned by the worker goroutine.
type instrumentState struct {
	pool       *pool.Pool
	dispatcher *dispatch.Dispatcher
}

type panicError struct {
	value interface{}
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func isFatal(err error) bool {
	var pe *panicError
	return dispatch.IsInvariantViolation(err) || errors.As(err, &pe)
}

// worker is the single control flow of one instrument. Observations and
// commands share one bounded FIFO mailbox, so a command sees every
// observation queued before it.
type worker struct {
	instrument string
	poolOpts   pool.Options
	backoff    time.Duration
	fills      FillStore
	records    dispatch.RecordStore
	sink       execution.Sink
	baseLogger *zap.Logger
	logger     *zap.Logger

	mailbox chan envelope
	done    chan struct{}

	mu     sync.Mutex
	specs  []strategy.Spec
	cancel context.CancelFunc
	halted bool

	dispatcher   atomic.Pointer[dispatch.Dispatcher]
	restarts     atomic.Uint64
	dropped      atomic.Uint64
	lastSequence atomic.Uint64
}

func newWorker(instrument string, specs []strategy.Spec, e *Engine, root *zap.Logger) *worker {
	return &worker{
		instrument: instrument,
		poolOpts:   e.opts.Pool,
		backoff:    e.opts.RestartBackoff,
		fills:      e.fills,
		records:    e.records,
		sink:       e.sink,
		baseLogger: root,
		logger:     logger.ForInstrument(root.Named("worker"), instrument),
		mailbox:    make(chan envelope, e.opts.QueueSize),
		done:       make(chan struct{}),
		specs:      append([]strategy.Spec(nil), specs...),
	}
}

// start runs the worker under its own cancel so it can be halted alone.
func (w *worker) start(parent context.Context) func() error {
	ctx, cancel := context.WithCancel(parent)
	w.mu.Lock()
	w.cancel = cancel
	if w.halted {
		cancel()
	}
	w.mu.Unlock()
	return func() error { return w.run(ctx) }
}

// halt stops the worker, or keeps it from running if it has not started.
func (w *worker) halt() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.halted = true
	if w.cancel != nil {
		w.cancel()
	}
}

// run serves the mailbox until ctx is done, restarting after fatal errors.
func (w *worker) run(ctx context.Context) error {
	defer close(w.done)
	for {
		err := w.serve(ctx)
		if ctx.Err() != nil {
			w.logger.Info("Instrument worker stopped")
			return nil
		}

		w.restarts.Add(1)
		metrics.IncWorkerRestart(w.instrument)
		w.logger.Error("Instrument processing restarted",
			zap.Error(err),
			zap.Uint64("restarts", w.restarts.Load()))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.backoff):
		}
	}
}

func (w *worker) serve(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()

	st, err := w.rebuild(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-w.mailbox:
			if err := w.handle(ctx, st, env); isFatal(err) {
				return err
			}
		}
	}
}

// rebuild creates the pool from configuration and replays persisted state.
func (w *worker) rebuild(ctx context.Context) (*instrumentState, error) {
	p := pool.New(w.instrument, w.poolOpts, w.baseLogger)
	for _, spec := range w.currentSpecs() {
		s, err := strategy.New(spec, w.baseLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to build strategy %s: %w", spec.ID, err)
		}
		if err := p.Register(s); err != nil {
			return nil, err
		}
	}

	history, err := w.fills.ListByInstrument(ctx, w.instrument)
	if err != nil {
		return nil, fmt.Errorf("failed to load fill history: %w", err)
	}
	if len(history) > 0 {
		p.Restore(history)
	}

	d := dispatch.New(w.instrument, p, w.records, w.sink, w.baseLogger)
	if err := d.Restore(ctx); err != nil {
		return nil, err
	}

	w.dispatcher.Store(d)
	w.lastSequence.Store(p.LastSequence())
	return &instrumentState{pool: p, dispatcher: d}, nil
}

func (w *worker) handle(ctx context.Context, st *instrumentState, env envelope) (err error) {
	if env.cmd == nil {
		w.observe(ctx, st, *env.obs)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
		env.reply <- err
	}()
	return env.cmd(ctx, st)
}

func (w *worker) observe(ctx context.Context, st *instrumentState, obs market.Observation) {
	fills, err := st.pool.Observe(obs)
	w.dropped.Store(st.pool.Dropped())
	if err != nil {
		reason := metrics.DropMalformed
		if errors.Is(err, pool.ErrStaleObservation) {
			reason = metrics.DropStale
		}
		metrics.IncObservationDropped(w.instrument, reason)
		w.logger.Debug("Observation dropped", zap.Error(err))
		return
	}
	w.lastSequence.Store(obs.Sequence)
	metrics.IncObservationAccepted(w.instrument)

	if len(fills) == 0 {
		return
	}
	if err := w.fills.Append(ctx, fills); err != nil {
		w.logger.Error("Failed to persist virtual fills", zap.Error(err), zap.Int("fills", len(fills)))
	}

	active, ok := st.dispatcher.Active()
	for _, f := range fills {
		metrics.IncVirtualFill(w.instrument, f.StrategyID)
		if ok && f.StrategyID == active.StrategyID {
			w.sink.OnSignal(f)
		}
	}
}

// post enqueues an observation, waiting while the mailbox is full.
func (w *worker) post(ctx context.Context, obs market.Observation) error {
	select {
	case w.mailbox <- envelope{obs: &obs}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, w.instrument)
	}
}

// do runs cmd on the worker goroutine and waits for its result.
func (w *worker) do(ctx context.Context, cmd func(ctx context.Context, st *instrumentState) error) error {
	env := envelope{cmd: cmd, reply: make(chan error, 1)}
	select {
	case w.mailbox <- env:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, w.instrument)
	}
	select {
	case err := <-env.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, w.instrument)
	}
}

func (w *worker) currentSpecs() []strategy.Spec {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]strategy.Spec(nil), w.specs...)
}

func (w *worker) removeSpec(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, s := range w.specs {
		if s.ID == id {
			w.specs = append(w.specs[:i], w.specs[i+1:]...)
			return
		}
	}
}

// status is safe to call from any goroutine.
func (w *worker) status() InstrumentStatus {
	st := InstrumentStatus{
		Instrument:   w.instrument,
		Phase:        dispatch.PhaseUnstarted.String(),
		Dropped:      w.dropped.Load(),
		LastSequence: w.lastSequence.Load(),
		Restarts:     w.restarts.Load(),
		Queued:       len(w.mailbox),
	}
	for _, s := range w.currentSpecs() {
		st.Strategies = append(st.Strategies, s.ID)
	}
	if d := w.dispatcher.Load(); d != nil {
		st.Phase = d.Phase().String()
		if active, ok := d.Active(); ok {
			st.ActiveStrategy = active.StrategyID
			at := active.ActivatedAt
			st.ActivatedAt = &at
		}
	}
	return st
}

func (w *worker) forceStop(ctx context.Context, reason string) (bool, error) {
	var changed bool
	err := w.do(ctx, func(ctx context.Context, st *instrumentState) error {
		var err error
		changed, err = st.dispatcher.ForceStop(ctx, reason)
		return err
	})
	return changed, err
}
