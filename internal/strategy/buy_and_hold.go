package strategy

// buyAndHold opens long on the first observation and never exits.
// It is the baseline the other strategies are ranked against.
type buyAndHold struct{}

func (buyAndHold) next(_ float64, pos Direction) signal {
	if pos == Flat {
		return enterLong
	}
	return hold
}

func (buyAndHold) reset() {}
