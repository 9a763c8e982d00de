package market

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestObservation_Validate(t *testing.T) {
	ts := time.Date(2025, 7, 1, 13, 31, 0, 0, time.UTC)

	testCases := []struct {
		name    string
		obs     Observation
		wantErr bool
	}{
		{name: "valid", obs: Observation{Instrument: "AAPL", Sequence: 1, Timestamp: ts, Price: 100, Size: 10}},
		{name: "zero size is allowed", obs: Observation{Instrument: "AAPL", Timestamp: ts, Price: 100}},
		{name: "empty instrument", obs: Observation{Timestamp: ts, Price: 100}, wantErr: true},
		{name: "zero price", obs: Observation{Instrument: "AAPL", Timestamp: ts}, wantErr: true},
		{name: "nan price", obs: Observation{Instrument: "AAPL", Timestamp: ts, Price: math.NaN()}, wantErr: true},
		{name: "inf price", obs: Observation{Instrument: "AAPL", Timestamp: ts, Price: math.Inf(1)}, wantErr: true},
		{name: "negative size", obs: Observation{Instrument: "AAPL", Timestamp: ts, Price: 1, Size: -1}, wantErr: true},
		{name: "zero timestamp", obs: Observation{Instrument: "AAPL", Price: 1}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.obs.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrMalformedObservation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
