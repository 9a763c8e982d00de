package massive

import (
	"context"
	"errors"
	"sort"
	"time"

	"bronco-trade-agent-go/internal/market"
	"go.uber.org/zap"
)

// Feed polls Massive for new trades and turns them into observations.
// Sequence numbers are the SIP timestamp in nanoseconds, bumped by one when
// two prints share a timestamp, so they keep increasing across restarts.
type Feed struct {
	client    Client
	interval  time.Duration
	pageLimit int
	logger    *zap.Logger
	now       func() time.Time
}

var _ market.Feed = (*Feed)(nil)

func NewFeed(client Client, interval time.Duration, pageLimit int, logger *zap.Logger) *Feed {
	return &Feed{
		client:    client,
		interval:  interval,
		pageLimit: pageLimit,
		logger:    logger.Named("massive-feed"),
		now:       time.Now,
	}
}

// Stream emits trades newer than the moment it was called until ctx is done.
// A failed poll is logged and retried on the next tick.
func (f *Feed) Stream(ctx context.Context, instrument string, out chan<- market.Observation) error {
	since := f.now()
	var lastSeq uint64

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		trades, err := f.client.ListTrades(ctx, instrument, TradesQuery{After: since, Limit: f.pageLimit, Order: OrderAsc})
		switch {
		case err == nil:
			sort.SliceStable(trades, func(i, j int) bool { return trades[i].SipTimestamp < trades[j].SipTimestamp })
			for _, t := range trades {
				obs := toObservation(instrument, t, &lastSeq)
				select {
				case out <- obs:
				case <-ctx.Done():
					return ctx.Err()
				}
				if ts := t.Time(); ts.After(since) {
					since = ts
				}
			}
			if len(trades) > 0 {
				f.logger.Debug("Trades polled", zap.String("instrument", instrument), zap.Int("count", len(trades)))
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		default:
			f.logger.Warn("Trade poll failed", zap.String("instrument", instrument), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func toObservation(instrument string, t Trade, lastSeq *uint64) market.Observation {
	seq := uint64(t.SipTimestamp)
	if seq <= *lastSeq {
		seq = *lastSeq + 1
	}
	*lastSeq = seq
	return market.Observation{
		Instrument: instrument,
		Sequence:   seq,
		Timestamp:  t.Time(),
		Price:      t.Price,
		Size:       t.Size,
	}
}
