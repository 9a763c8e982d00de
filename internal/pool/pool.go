package pool

import (
	"errors"
	"fmt"
	"math"
	"time"

	"bronco-trade-agent-go/internal/market"
	"bronco-trade-agent-go/internal/strategy"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrStaleObservation marks an observation whose sequence number is not
// strictly greater than the last accepted one.
var ErrStaleObservation = errors.New("stale observation")

// Pool owns the strategies registered for a single instrument and advances
// them in lockstep. It is not safe for concurrent use: the agent confines
// each pool to its instrument's worker.
type Pool struct {
	instrument string
	windows    []time.Duration
	logger     *zap.Logger

	strategies []strategy.Strategy
	index      map[string]int

	accepted  bool
	lastSeq   uint64
	dropped   uint64
	lastPrice float64
	lastTime  time.Time
	prices    *priceRing
}

// Options configure a Pool.
type Options struct {
	Windows            []time.Duration
	VolatilityLookback int
}

// New creates an empty pool for instrument.
func New(instrument string, opts Options, logger *zap.Logger) *Pool {
	lookback := opts.VolatilityLookback
	if lookback < 2 {
		lookback = 2
	}
	return &Pool{
		instrument: instrument,
		windows:    append([]time.Duration(nil), opts.Windows...),
		logger:     logger.Named("pool").With(zap.String("instrument", instrument)),
		index:      make(map[string]int),
		prices:     newPriceRing(lookback),
	}
}

func (p *Pool) Instrument() string { return p.instrument }

// Register appends s to the delivery order.
func (p *Pool) Register(s strategy.Strategy) error {
	if _, ok := p.index[s.ID()]; ok {
		return fmt.Errorf("strategy %s already registered for %s", s.ID(), p.instrument)
	}
	p.index[s.ID()] = len(p.strategies)
	p.strategies = append(p.strategies, s)
	p.logger.Info("Strategy registered", zap.String("strategy", s.ID()), zap.String("kind", string(s.Kind())))
	return nil
}

// Unregister removes a strategy and its state. The remaining delivery order is kept.
func (p *Pool) Unregister(id string) error {
	i, ok := p.index[id]
	if !ok {
		return fmt.Errorf("strategy %s is not registered for %s", id, p.instrument)
	}
	p.strategies = append(p.strategies[:i], p.strategies[i+1:]...)
	delete(p.index, id)
	for j := i; j < len(p.strategies); j++ {
		p.index[p.strategies[j].ID()] = j
	}
	p.logger.Info("Strategy unregistered", zap.String("strategy", id))
	return nil
}

func (p *Pool) Has(id string) bool {
	_, ok := p.index[id]
	return ok
}

// Strategy returns the registered strategy with the given id.
func (p *Pool) Strategy(id string) (strategy.Strategy, bool) {
	i, ok := p.index[id]
	if !ok {
		return nil, false
	}
	return p.strategies[i], true
}

// Strategies returns the registered strategies in registration order.
func (p *Pool) Strategies() []strategy.Strategy {
	return append([]strategy.Strategy(nil), p.strategies...)
}

// Observe delivers obs to every strategy in registration order and returns
// the fills produced. Stale and malformed observations are dropped, counted,
// and reported through the returned error without touching any strategy.
func (p *Pool) Observe(obs market.Observation) ([]strategy.VirtualFill, error) {
	if err := obs.Validate(); err != nil {
		p.dropped++
		return nil, err
	}
	if obs.Instrument != p.instrument {
		p.dropped++
		return nil, fmt.Errorf("%w: instrument %s delivered to %s pool", market.ErrMalformedObservation, obs.Instrument, p.instrument)
	}
	if p.accepted && obs.Sequence <= p.lastSeq {
		p.dropped++
		return nil, fmt.Errorf("%w: sequence %d <= %d", ErrStaleObservation, obs.Sequence, p.lastSeq)
	}

	p.accepted = true
	p.lastSeq = obs.Sequence
	p.lastPrice = obs.Price
	p.lastTime = obs.Timestamp
	p.prices.push(obs.Price)

	var fills []strategy.VirtualFill
	for _, s := range p.strategies {
		if fill, ok := s.OnObservation(obs); ok {
			fills = append(fills, fill)
		}
	}
	return fills, nil
}

// Dropped is the number of observations rejected so far.
func (p *Pool) Dropped() uint64 { return p.dropped }

// LastSequence is the sequence of the last accepted observation.
func (p *Pool) LastSequence() uint64 { return p.lastSeq }

// LastPrice returns the price and time of the last accepted observation.
func (p *Pool) LastPrice() (float64, time.Time, bool) {
	return p.lastPrice, p.lastTime, p.accepted
}

// Volatility is the sample standard deviation of log returns over the
// configured lookback, zero until three prices are known.
func (p *Pool) Volatility() float64 {
	return p.prices.logReturnStdDev()
}

// RealizedAfter sums the realized P&L of id's fills with a sequence greater than seq.
func (p *Pool) RealizedAfter(id string, seq uint64) decimal.Decimal {
	s, ok := p.Strategy(id)
	if !ok {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, f := range s.Fills() {
		if f.Sequence > seq {
			total = total.Add(f.RealizedPnL)
		}
	}
	return total
}

// Restore replays persisted fills into the registered strategies and resumes
// the sequence check after the newest of them. Fills of strategies that are
// no longer registered are ignored.
func (p *Pool) Restore(fills []strategy.VirtualFill) {
	byStrategy := make(map[string][]strategy.VirtualFill)
	for _, f := range fills {
		if !p.Has(f.StrategyID) {
			continue
		}
		byStrategy[f.StrategyID] = append(byStrategy[f.StrategyID], f)
		if !p.accepted || f.Sequence > p.lastSeq {
			p.accepted = true
			p.lastSeq = f.Sequence
			p.lastPrice, _ = f.Price.Float64()
			p.lastTime = f.Timestamp
		}
	}
	for _, s := range p.strategies {
		s.Restore(byStrategy[s.ID()])
	}
	p.logger.Info("Pool restored from fill history",
		zap.Int("fills", len(fills)),
		zap.Uint64("last_sequence", p.lastSeq))
}

type priceRing struct {
	values []float64
	head   int
	count  int
}

func newPriceRing(n int) *priceRing {
	return &priceRing{values: make([]float64, n)}
}

func (r *priceRing) push(v float64) {
	r.values[r.head] = v
	r.head = (r.head + 1) % len(r.values)
	if r.count < len(r.values) {
		r.count++
	}
}

func (r *priceRing) ordered() []float64 {
	out := make([]float64, 0, r.count)
	start := (r.head - r.count + len(r.values)) % len(r.values)
	for i := 0; i < r.count; i++ {
		out = append(out, r.values[(start+i)%len(r.values)])
	}
	return out
}

func (r *priceRing) logReturnStdDev() float64 {
	prices := r.ordered()
	if len(prices) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	var mean float64
	for _, v := range returns {
		mean += v
	}
	mean /= float64(len(returns))
	var ss float64
	for _, v := range returns {
		ss += (v - mean) * (v - mean)
	}
	return math.Sqrt(ss / float64(len(returns)-1))
}
