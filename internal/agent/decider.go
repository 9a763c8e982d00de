package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"bronco-trade-agent-go/internal/dispatch"
	"bronco-trade-agent-go/internal/metrics"
	"bronco-trade-agent-go/internal/oracle"
	"go.uber.org/zap"
)

// runDecisions asks the oracle for every instrument on each interval.
func (e *Engine) runDecisions(ctx context.Context) {
	ticker := time.NewTicker(e.opts.OracleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var wg sync.WaitGroup
			for _, w := range e.snapshotWorkers() {
				w := w
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := e.decide(ctx, w); err != nil && ctx.Err() == nil {
						w.logger.Error("Decision round failed", zap.Error(err))
					}
				}()
			}
			wg.Wait()
		}
	}
}

// decide runs one oracle round for an instrument. The oracle call happens off
// the worker so observations keep flowing while it is pending.
func (e *Engine) decide(ctx context.Context, w *worker) error {
	var req oracle.Request
	err := w.do(ctx, func(ctx context.Context, st *instrumentState) error {
		start := time.Now()
		asOf := e.now()
		req = oracle.Request{
			Instrument: w.instrument,
			AsOf:       asOf,
			Matrix:     st.pool.Snapshot(asOf),
			Features:   oracle.Features{Volatility: st.pool.Volatility()},
		}
		metrics.ObserveSnapshot(w.instrument, time.Since(start))
		if active, ok := st.dispatcher.Active(); ok {
			req.ActiveStrategyID = active.StrategyID
		}
		return nil
	})
	if err != nil {
		return err
	}

	if e.sentiment != nil {
		score, err := e.sentiment.Sentiment(ctx, w.instrument)
		if err != nil {
			w.logger.Warn("Sentiment unavailable", zap.Error(err))
		} else {
			req.Features.Sentiment = score
		}
	}

	resp, ok := e.ask(ctx, w, req)
	if !ok {
		return nil
	}

	var changed bool
	err = w.do(ctx, func(ctx context.Context, st *instrumentState) error {
		price, _, ok := st.pool.LastPrice()
		if !ok {
			w.logger.Warn("No price observed yet, selection skipped",
				zap.String("strategy", resp.SelectedStrategyID))
			return nil
		}
		var err error
		changed, err = st.dispatcher.ApplyDecision(ctx, dispatch.Decision{
			StrategyID:   resp.SelectedStrategyID,
			Reason:       resp.Reason,
			ModelVersion: resp.ModelVersion,
			RiskWeight:   resp.RiskWeight,
			Price:        price,
		})
		return err
	})
	if errors.Is(err, dispatch.ErrUnregisteredStrategy) {
		w.logger.Warn("Oracle selected an unregistered strategy", zap.String("strategy", resp.SelectedStrategyID))
		return nil
	}
	if err == nil && changed {
		w.logger.Info("Oracle selection applied",
			zap.String("strategy", resp.SelectedStrategyID),
			zap.String("reason", resp.Reason))
	}
	return err
}

// ask calls the oracle with the configured timeout. It reports false when the
// current strategy should be retained.
func (e *Engine) ask(ctx context.Context, w *worker, req oracle.Request) (oracle.Response, bool) {
	octx := ctx
	if e.opts.OracleTimeout > 0 {
		var cancel context.CancelFunc
		octx, cancel = context.WithTimeout(ctx, e.opts.OracleTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := e.oracle.Decide(octx, req)
	elapsed := time.Since(start)

	switch {
	case err != nil && ctx.Err() != nil:
		return oracle.Response{}, false
	case err != nil && errors.Is(err, context.DeadlineExceeded), err == nil && octx.Err() != nil:
		metrics.ObserveOracle(w.instrument, metrics.OracleTimeout, elapsed)
		w.logger.Warn("Oracle timed out, retaining current strategy", zap.Duration("elapsed", elapsed))
		return oracle.Response{}, false
	case err != nil && errors.Is(err, oracle.ErrInvalidResponse):
		metrics.ObserveOracle(w.instrument, metrics.OracleInvalid, elapsed)
		w.logger.Warn("Oracle answer rejected, retaining current strategy", zap.Error(err))
		return oracle.Response{}, false
	case err != nil:
		metrics.ObserveOracle(w.instrument, metrics.OracleError, elapsed)
		w.logger.Error("Oracle call failed, retaining current strategy", zap.Error(err))
		return oracle.Response{}, false
	}

	if err := resp.Validate(); err != nil {
		metrics.ObserveOracle(w.instrument, metrics.OracleInvalid, elapsed)
		w.logger.Warn("Oracle answer rejected, retaining current strategy", zap.Error(err))
		return oracle.Response{}, false
	}
	if resp.NoChange {
		metrics.ObserveOracle(w.instrument, metrics.OracleNoChange, elapsed)
		return oracle.Response{}, false
	}
	metrics.ObserveOracle(w.instrument, metrics.OracleSelected, elapsed)
	return resp, true
}
