package agent

import (
	"context"
	"sync"
	"time"

	"bronco-trade-agent-go/internal/market"
	"bronco-trade-agent-go/internal/metrics"
	"go.uber.org/zap"
)

// tradingSession is the set of goroutines that run while the market is tradable.
type tradingSession struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// stop cancels the producers and the decision loop and waits for them.
func (s *tradingSession) stop() {
	s.cancel()
	s.wg.Wait()
}

// runSession follows the market clock, opening a trading session while the
// market is tradable and force stopping every instrument when it closes.
func (e *Engine) runSession(ctx context.Context) error {
	var (
		current *tradingSession
		started bool
	)
	defer func() {
		if current != nil {
			current.stop()
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		now := e.now()
		state := e.clock.At(now)
		e.setSession(state)
		metrics.SetSessionTradable(state.Tradable)

		switch {
		case state.Tradable && current == nil:
			e.logger.Info("Market session opened", zap.String("phase", string(state.Phase)))
			current = e.openSession(ctx)
		case !state.Tradable && (current != nil || !started):
			if current != nil {
				e.logger.Info("Market session closed", zap.String("phase", string(state.Phase)))
				// Producers are stopped first so the force stop queues behind
				// every observation already in the mailboxes.
				current.stop()
				current = nil
			}
			if err := e.ForceStopAll(ctx, "market closed"); err != nil && ctx.Err() == nil {
				e.logger.Error("Failed to stop strategies at market close", zap.Error(err))
			}
		}
		started = true

		wait := e.opts.ClockPoll
		if !state.Tradable {
			if err := e.clock.Refresh(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("Failed to refresh market calendar", zap.Error(err))
			}
			wait = e.opts.MaxSleep
			if d, ok := e.clock.TimeUntilNextTradable(now); ok && d < wait {
				wait = d
			}
			e.logger.Debug("Market closed, sleeping", zap.Duration("wait", wait))
		}
		timer.Reset(wait)
	}
}

func (e *Engine) openSession(ctx context.Context) *tradingSession {
	sctx, cancel := context.WithCancel(ctx)
	s := &tradingSession{cancel: cancel}

	if e.feed != nil {
		for _, w := range e.snapshotWorkers() {
			w := w
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				e.produce(sctx, w)
			}()
		}
	}
	if e.oracle != nil && e.opts.OracleInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			e.runDecisions(sctx)
		}()
	}
	return s
}

// produce streams observations of one instrument into its worker mailbox,
// restarting the feed after failures until ctx is done or the worker stops.
func (e *Engine) produce(ctx context.Context, w *worker) {
	for {
		err := e.stream(ctx, w)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-w.done:
			return
		default:
		}
		w.logger.Error("Market feed stopped, restarting", zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-time.After(e.opts.RestartBackoff):
		}
	}
}

func (e *Engine) stream(ctx context.Context, w *worker) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan market.Observation)
	errc := make(chan error, 1)
	go func() { errc <- e.feed.Stream(ctx, w.instrument, out) }()

	for {
		select {
		case obs := <-out:
			if err := w.post(ctx, obs); err != nil {
				cancel()
				<-errc
				return err
			}
		case err := <-errc:
			return err
		case <-w.done:
			cancel()
			<-errc
			return nil
		}
	}
}
