package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Observation is a single price/size print for one instrument.
// Sequence orders observations within an instrument; it is assigned by the feed.
type Observation struct {
	Instrument string    `json:"instrument"`
	Sequence   uint64    `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
	Price      float64   `json:"price"`
	Size       float64   `json:"size"`
}

var ErrMalformedObservation = errors.New("malformed observation")

// Validate rejects observations that cannot be fed to a strategy.
func (o Observation) Validate() error {
	switch {
	case o.Instrument == "":
		return fmt.Errorf("%w: empty instrument", ErrMalformedObservation)
	case math.IsNaN(o.Price) || math.IsInf(o.Price, 0) || o.Price <= 0:
		return fmt.Errorf("%w: price %v", ErrMalformedObservation, o.Price)
	case math.IsNaN(o.Size) || o.Size < 0:
		return fmt.Errorf("%w: size %v", ErrMalformedObservation, o.Size)
	case o.Timestamp.IsZero():
		return fmt.Errorf("%w: zero timestamp", ErrMalformedObservation)
	}
	return nil
}

// Feed produces observations for a single instrument. Stream blocks until ctx
// is done or the source fails, writing into out in sequence order.
type Feed interface {
	Stream(ctx context.Context, instrument string, out chan<- Observation) error
}
