package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bronco-trade-agent-go/internal/clock"
	"bronco-trade-agent-go/internal/config"
	"bronco-trade-agent-go/internal/dispatch"
	"bronco-trade-agent-go/internal/execution"
	"bronco-trade-agent-go/internal/market"
	"bronco-trade-agent-go/internal/metrics"
	"bronco-trade-agent-go/internal/oracle"
	"bronco-trade-agent-go/internal/pool"
	"bronco-trade-agent-go/internal/strategy"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownInstrument is returned for instruments that are not configured.
	ErrUnknownInstrument = errors.New("unknown instrument")
	// ErrMarketClosed is returned by Submit outside tradable sessions.
	ErrMarketClosed = errors.New("market closed")
)

// SessionClock tells the engine when the market is tradable.
type SessionClock interface {
	At(now time.Time) clock.State
	TimeUntilNextTradable(now time.Time) (time.Duration, bool)
	Refresh(ctx context.Context) error
}

// InstrumentSpec is an instrument and its strategies in registration order.
type InstrumentSpec struct {
	Symbol     string
	Strategies []strategy.Spec
}

// Options tune the engine.
type Options struct {
	Name           string
	Instruments    []InstrumentSpec
	Pool           pool.Options
	QueueSize      int
	RestartBackoff time.Duration
	ClockPoll      time.Duration
	MaxSleep       time.Duration
	OracleInterval time.Duration
	OracleTimeout  time.Duration
}

// OptionsFromConfig maps the loaded configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		Name: "bronco-trade-agent",
		Pool: pool.Options{
			Windows:            cfg.Pool.Windows,
			VolatilityLookback: cfg.Pool.VolatilityLookback,
		},
		QueueSize:      cfg.Pool.QueueSize,
		RestartBackoff: cfg.Pool.RestartBackoff,
		ClockPoll:      cfg.Market.PollInterval,
		MaxSleep:       time.Hour,
		OracleInterval: cfg.Oracle.Interval,
		OracleTimeout:  cfg.Oracle.Timeout,
	}
	for _, inst := range cfg.Instruments {
		spec := InstrumentSpec{Symbol: inst.Symbol}
		for _, s := range inst.Strategies {
			spec.Strategies = append(spec.Strategies, strategy.Spec{
				ID:     s.ID,
				Kind:   strategy.Kind(s.Kind),
				Size:   s.Size,
				Params: s.Params,
			})
		}
		opts.Instruments = append(opts.Instruments, spec)
	}
	return opts
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Clock     SessionClock
	Feed      market.Feed
	Oracle    oracle.Oracle
	Sentiment oracle.SentimentSource
	Fills     FillStore
	Records   dispatch.RecordStore
	Sink      execution.Sink
}

// Engine owns one worker per instrument and the session lifecycle around them.
type Engine struct {
	UUID      string
	Name      string
	StartTime time.Time

	opts      Options
	logger    *zap.Logger
	clock     SessionClock
	feed      market.Feed
	oracle    oracle.Oracle
	sentiment oracle.SentimentSource
	fills     FillStore
	records   dispatch.RecordStore
	sink      execution.Sink
	now       func() time.Time

	mu      sync.RWMutex
	workers map[string]*worker
	order   []string
	session clock.State
}

// NewEngine validates the strategy configuration and creates the workers.
func NewEngine(logger *zap.Logger, opts Options, deps Deps) (*Engine, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.ClockPoll <= 0 {
		opts.ClockPoll = 30 * time.Second
	}
	if opts.MaxSleep <= 0 {
		opts.MaxSleep = time.Hour
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = time.Second
	}
	if deps.Sink == nil {
		deps.Sink = execution.NewLogSink(logger)
	}

	e := &Engine{
		UUID:      uuid.NewString(),
		Name:      opts.Name,
		StartTime: time.Now(),
		opts:      opts,
		logger:    logger.Named("engine"),
		clock:     deps.Clock,
		feed:      deps.Feed,
		oracle:    deps.Oracle,
		sentiment: deps.Sentiment,
		fills:     deps.Fills,
		records:   deps.Records,
		sink:      deps.Sink,
		now:       time.Now,
		workers:   make(map[string]*worker, len(opts.Instruments)),
		session:   clock.State{Phase: clock.PhaseClosed},
	}

	for _, inst := range opts.Instruments {
		if _, dup := e.workers[inst.Symbol]; dup {
			return nil, fmt.Errorf("instrument %s configured twice", inst.Symbol)
		}
		for _, spec := range inst.Strategies {
			if _, err := strategy.New(spec, logger); err != nil {
				return nil, err
			}
		}
		e.workers[inst.Symbol] = newWorker(inst.Symbol, inst.Strategies, e, logger)
		e.order = append(e.order, inst.Symbol)
	}
	return e, nil
}

// Run starts the instrument workers and the session loop, blocking until ctx
// is done or a component fails.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Initializing trading agent...", zap.Strings("instruments", e.Instruments()))

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range e.snapshotWorkers() {
		g.Go(w.start(gctx))
	}
	if e.clock != nil {
		g.Go(func() error { return e.runSession(gctx) })
	}

	err := g.Wait()
	e.logger.Info("Trading agent stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Instruments returns the configured symbols in order.
func (e *Engine) Instruments() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.order...)
}

// Submit enqueues an observation for its instrument. With a session clock
// configured, observations are only accepted while the market is tradable.
func (e *Engine) Submit(ctx context.Context, obs market.Observation) error {
	w, err := e.worker(obs.Instrument)
	if err != nil {
		return err
	}
	if e.clock != nil && !e.clock.At(e.now()).Tradable {
		return fmt.Errorf("%w: %s", ErrMarketClosed, obs.Instrument)
	}
	return w.post(ctx, obs)
}

// ApplyDecision activates dec on the instrument's worker after every
// observation queued before it has been processed.
func (e *Engine) ApplyDecision(ctx context.Context, instrument string, dec dispatch.Decision) (bool, error) {
	w, err := e.worker(instrument)
	if err != nil {
		return false, err
	}
	var changed bool
	err = w.do(ctx, func(ctx context.Context, st *instrumentState) error {
		var err error
		changed, err = st.dispatcher.ApplyDecision(ctx, dec)
		return err
	})
	return changed, err
}

// ForceStop closes the active record of instrument, if any.
func (e *Engine) ForceStop(ctx context.Context, instrument, reason string) (bool, error) {
	w, err := e.worker(instrument)
	if err != nil {
		return false, err
	}
	return w.forceStop(ctx, reason)
}

// ForceStopAll stops every active strategy and reports the first error.
func (e *Engine) ForceStopAll(ctx context.Context, reason string) error {
	var first error
	for _, w := range e.snapshotWorkers() {
		if _, err := w.forceStop(ctx, reason); err != nil {
			w.logger.Error("Failed to force stop", zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// SnapshotPerformance returns the performance matrix of instrument as of asOf.
func (e *Engine) SnapshotPerformance(ctx context.Context, instrument string, asOf time.Time) (pool.Matrix, error) {
	w, err := e.worker(instrument)
	if err != nil {
		return pool.Matrix{}, err
	}
	var m pool.Matrix
	err = w.do(ctx, func(ctx context.Context, st *instrumentState) error {
		start := time.Now()
		m = st.pool.Snapshot(asOf)
		metrics.ObserveSnapshot(instrument, time.Since(start))
		return nil
	})
	return m, err
}

// Active reports the active strategy of instrument without going through the
// worker mailbox.
func (e *Engine) Active(instrument string) (dispatch.ActiveState, bool) {
	w, err := e.worker(instrument)
	if err != nil {
		return dispatch.ActiveState{}, false
	}
	d := w.dispatcher.Load()
	if d == nil {
		return dispatch.ActiveState{}, false
	}
	return d.Active()
}

// UnregisterStrategy removes a strategy and its history from instrument,
// force stopping it first when it is active.
func (e *Engine) UnregisterStrategy(ctx context.Context, instrument, strategyID string) error {
	w, err := e.worker(instrument)
	if err != nil {
		return err
	}
	return w.do(ctx, func(ctx context.Context, st *instrumentState) error {
		if !st.pool.Has(strategyID) {
			return fmt.Errorf("%w: %s", dispatch.ErrUnregisteredStrategy, strategyID)
		}
		if active, ok := st.dispatcher.Active(); ok && active.StrategyID == strategyID {
			if _, err := st.dispatcher.ForceStop(ctx, "strategy unregistered"); err != nil {
				return err
			}
		}
		if err := st.pool.Unregister(strategyID); err != nil {
			return err
		}
		w.removeSpec(strategyID)
		if err := w.fills.DeleteStrategy(ctx, instrument, strategyID); err != nil {
			w.logger.Error("Failed to delete fills of unregistered strategy",
				zap.String("strategy", strategyID), zap.Error(err))
		}
		w.logger.Info("Strategy unregistered", zap.String("strategy", strategyID))
		return nil
	})
}

// DeregisterInstrument force stops the instrument and shuts its worker down.
func (e *Engine) DeregisterInstrument(ctx context.Context, instrument string) error {
	w, err := e.worker(instrument)
	if err != nil {
		return err
	}
	if _, err := w.forceStop(ctx, "instrument deregistered"); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.workers, instrument)
	for i, s := range e.order {
		if s == instrument {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	w.halt()
	w.logger.Info("Instrument deregistered")
	return nil
}

// InstrumentStatus is the externally visible state of one instrument.
type InstrumentStatus struct {
	Instrument     string     `json:"instrument"`
	ActiveStrategy string     `json:"active_strategy,omitempty"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	Phase          string     `json:"dispatcher_phase"`
	Strategies     []string   `json:"strategies"`
	Dropped        uint64     `json:"dropped_observations"`
	LastSequence   uint64     `json:"last_sequence"`
	Restarts       uint64     `json:"restarts"`
	Queued         int        `json:"queued"`
}

// Status returns the state of every instrument in configuration order.
func (e *Engine) Status() []InstrumentStatus {
	workers := e.snapshotWorkers()
	out := make([]InstrumentStatus, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.status())
	}
	return out
}

// Session returns the last observed market session state.
func (e *Engine) Session() clock.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session
}

func (e *Engine) setSession(s clock.State) {
	e.mu.Lock()
	e.session = s
	e.mu.Unlock()
}

func (e *Engine) worker(instrument string) (*worker, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.workers[instrument]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}
	return w, nil
}

func (e *Engine) snapshotWorkers() []*worker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*worker, 0, len(e.order))
	for _, s := range e.order {
		out = append(out, e.workers[s])
	}
	return out
}
