package execution

import (
	"time"

	"bronco-trade-agent-go/internal/strategy"
	"go.uber.org/zap"
)

// Activation announces a change of the active strategy for an instrument.
// An empty StrategyID means the instrument has no active strategy anymore.
type Activation struct {
	Instrument string    `json:"instrument"`
	StrategyID string    `json:"strategy_id"`
	RiskWeight float64   `json:"risk_weight"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// Deactivated reports whether the activation clears the instrument.
func (a Activation) Deactivated() bool { return a.StrategyID == "" }

// Sink receives activation changes and the signals of active strategies.
// Implementations must not block: they are called from instrument workers.
type Sink interface {
	OnActivation(a Activation)
	OnSignal(fill strategy.VirtualFill)
}

// LogSink writes every notification to the log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("execution")}
}

func (s *LogSink) OnActivation(a Activation) {
	if a.Deactivated() {
		s.logger.Info("Strategy deactivated",
			zap.String("instrument", a.Instrument),
			zap.String("reason", a.Reason))
		return
	}
	s.logger.Info("Strategy activated",
		zap.String("instrument", a.Instrument),
		zap.String("strategy", a.StrategyID),
		zap.Float64("risk_weight", a.RiskWeight),
		zap.String("reason", a.Reason))
}

func (s *LogSink) OnSignal(fill strategy.VirtualFill) {
	s.logger.Info("Active strategy signal",
		zap.String("instrument", fill.Instrument),
		zap.String("strategy", fill.StrategyID),
		zap.String("side", string(fill.Side)),
		zap.String("price", fill.Price.String()),
		zap.String("size", fill.Size.String()),
		zap.Uint64("sequence", fill.Sequence))
}

// MultiSink fans notifications out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) OnActivation(a Activation) {
	for _, s := range m {
		s.OnActivation(a)
	}
}

func (m MultiSink) OnSignal(fill strategy.VirtualFill) {
	for _, s := range m {
		s.OnSignal(fill)
	}
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = MultiSink(nil)
	_ Sink = (*Hub)(nil)
)
