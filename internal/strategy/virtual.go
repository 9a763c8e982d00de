package strategy

import (
	"bronco-trade-agent-go/internal/market"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type signal int

const (
	hold signal = iota
	enterLong
	enterShort
	exit
)

// logic is the variant-specific part of a strategy: it turns prices into signals.
type logic interface {
	next(price float64, pos Direction) signal
	reset()
}

// virtualStrategy owns the bookkeeping shared by every variant.
type virtualStrategy struct {
	id     string
	kind   Kind
	logic  logic
	size   decimal.Decimal
	logger *zap.Logger

	position Position
	fills    []VirtualFill
}

func (s *virtualStrategy) ID() string                { return s.id }
func (s *virtualStrategy) Kind() Kind                { return s.kind }
func (s *virtualStrategy) CurrentPosition() Position { return s.position }
func (s *virtualStrategy) Fills() []VirtualFill      { return s.fills }

func (s *virtualStrategy) OnObservation(obs market.Observation) (VirtualFill, bool) {
	switch s.logic.next(obs.Price, s.position.Direction) {
	case enterLong:
		return s.open(Long, obs)
	case enterShort:
		return s.open(Short, obs)
	case exit:
		return s.close(obs)
	default:
		return VirtualFill{}, false
	}
}

func (s *virtualStrategy) open(dir Direction, obs market.Observation) (VirtualFill, bool) {
	if !s.position.IsFlat() {
		s.logger.Debug("Open rejected, position already open",
			zap.Uint64("sequence", obs.Sequence),
			zap.Stringer("held", s.position.Direction),
			zap.Stringer("requested", dir))
		return VirtualFill{}, false
	}

	price := decimal.NewFromFloat(obs.Price)
	side := SideBuy
	if dir == Short {
		side = SideSell
	}
	s.position = Position{Direction: dir, EntryPrice: price, Size: s.size, OpenedAt: obs.Timestamp}

	return s.record(VirtualFill{
		Side:        side,
		Price:       price,
		Size:        s.size,
		RealizedPnL: decimal.Zero,
		Opening:     true,
	}, obs), true
}

func (s *virtualStrategy) close(obs market.Observation) (VirtualFill, bool) {
	if s.position.IsFlat() {
		s.logger.Debug("Close rejected, no open position", zap.Uint64("sequence", obs.Sequence))
		return VirtualFill{}, false
	}

	price := decimal.NewFromFloat(obs.Price)
	side := SideSell
	if s.position.Direction == Short {
		side = SideBuy
	}
	realized := s.position.UnrealizedPnL(price)
	size := s.position.Size
	s.position = Position{}

	return s.record(VirtualFill{
		Side:        side,
		Price:       price,
		Size:        size,
		RealizedPnL: realized,
	}, obs), true
}

func (s *virtualStrategy) record(fill VirtualFill, obs market.Observation) VirtualFill {
	fill.StrategyID = s.id
	fill.Instrument = obs.Instrument
	fill.Sequence = obs.Sequence
	fill.Timestamp = obs.Timestamp
	s.fills = append(s.fills, fill)
	return fill
}

func (s *virtualStrategy) Reset() {
	s.logic.reset()
	s.position = Position{}
	s.fills = nil
}

func (s *virtualStrategy) Restore(fills []VirtualFill) {
	s.Reset()
	s.fills = append([]VirtualFill(nil), fills...)
	for _, f := range s.fills {
		if !f.Opening {
			s.position = Position{}
			continue
		}
		dir := Long
		if f.Side == SideSell {
			dir = Short
		}
		s.position = Position{Direction: dir, EntryPrice: f.Price, Size: f.Size, OpenedAt: f.Timestamp}
	}
}
