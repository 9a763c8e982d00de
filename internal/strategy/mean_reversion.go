package strategy

import "fmt"

// meanReversion fades moves away from a simple moving average. It enters once
// price leaves the band around the mean and exits when price crosses back.
type meanReversion struct {
	window int
	band   float64

	prices []float64
	head   int
	filled bool
}

func newMeanReversion(params map[string]float64) (*meanReversion, error) {
	window := int(param(params, "window", 20))
	band := param(params, "band", 0.01)
	if window < 2 {
		return nil, fmt.Errorf("window must be >= 2, got %d", window)
	}
	if band <= 0 || band >= 1 {
		return nil, fmt.Errorf("band must be in (0, 1), got %v", band)
	}
	return &meanReversion{window: window, band: band, prices: make([]float64, window)}, nil
}

func (m *meanReversion) next(price float64, pos Direction) signal {
	m.prices[m.head] = price
	m.head = (m.head + 1) % m.window
	if m.head == 0 {
		m.filled = true
	}
	if !m.filled {
		return hold
	}

	// Recomputed each tick rather than kept as a running sum.
	var sum float64
	for _, p := range m.prices {
		sum += p
	}
	mean := sum / float64(m.window)
	switch {
	case pos == Long && price >= mean:
		return exit
	case pos == Short && price <= mean:
		return exit
	case price <= mean*(1-m.band):
		return enterLong
	case price >= mean*(1+m.band):
		return enterShort
	}
	return hold
}

func (m *meanReversion) reset() {
	for i := range m.prices {
		m.prices[i] = 0
	}
	m.head = 0
	m.filled = false
}
