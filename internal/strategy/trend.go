package strategy

import "fmt"

// trend follows an exponential moving average: long while price holds at or
// above the average, out once it falls exitBand below it.
type trend struct {
	alpha    float64
	exitBand float64

	ema    float64
	seeded bool
}

func newTrend(params map[string]float64) (*trend, error) {
	period := param(params, "period", 20)
	exitBand := param(params, "exit_band", 0.005)
	if period < 1 {
		return nil, fmt.Errorf("period must be >= 1, got %v", period)
	}
	if exitBand < 0 || exitBand >= 1 {
		return nil, fmt.Errorf("exit_band must be in [0, 1), got %v", exitBand)
	}
	return &trend{alpha: 2 / (period + 1), exitBand: exitBand}, nil
}

func (t *trend) next(price float64, pos Direction) signal {
	if !t.seeded {
		t.ema = price
		t.seeded = true
	} else {
		t.ema += t.alpha * (price - t.ema)
	}

	if pos == Long {
		if price < t.ema*(1-t.exitBand) {
			return exit
		}
		return hold
	}
	if price >= t.ema {
		return enterLong
	}
	return hold
}

func (t *trend) reset() {
	t.ema = 0
	t.seeded = false
}
