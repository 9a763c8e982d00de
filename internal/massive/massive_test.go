package massive

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bronco-trade-agent-go/internal/market"
	"bronco-trade-agent-go/internal/restclient"
	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// setupTestServer creates a test server and a RestClient configured to use it.
func setupTestServer(handler http.Handler) (*RestClient, *httptest.Server) {
	server := httptest.NewServer(handler)
	rest := restclient.NewWithLimiter(resty.New().SetBaseURL(server.URL), rate.NewLimiter(rate.Inf, 1), zap.NewNop()).
		SetBackoff(time.Millisecond)
	return &RestClient{rest: rest, apiKey: "test_api_key", logger: zap.NewNop()}, server
}

func TestListTrades(t *testing.T) {
	t.Run("FollowsNextURL", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/trades/AAPL", r.URL.Path)
			assert.Equal(t, "test_api_key", r.URL.Query().Get("apiKey"))
			w.Header().Set("Content-Type", "application/json")

			switch r.URL.Query().Get("cursor") {
			case "":
				assert.Equal(t, "2", r.URL.Query().Get("limit"))
				assert.Equal(t, "asc", r.URL.Query().Get("order"))
				assert.Equal(t, "2025-07-01", r.URL.Query().Get("timestamp"))
				fmt.Fprintf(w, `{"status":"OK","results":[{"id":"1","price":100,"size":5,"sip_timestamp":1000},{"id":"2","price":101,"size":1,"sip_timestamp":2000}],"next_url":"http://%s/trades/AAPL?cursor=p2"}`, r.Host)
			case "p2":
				assert.Empty(t, r.URL.Query().Get("limit"))
				_, _ = w.Write([]byte(`{"status":"OK","results":[{"id":"3","price":102.5,"size":7,"sip_timestamp":3000,"sequence_number":9}]}`))
			default:
				t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
			}
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		trades, err := rc.ListTrades(context.Background(), "AAPL", TradesQuery{Date: "2025-07-01", Limit: 2})
		require.NoError(t, err)
		require.Len(t, trades, 3)
		assert.Equal(t, "3", trades[2].ID)
		assert.Equal(t, 102.5, trades[2].Price)
		assert.Equal(t, int64(9), trades[2].SequenceNumber)
		assert.Equal(t, time.Unix(0, 3000).UTC(), trades[2].Time())
	})

	t.Run("StopsAtMaxResults", func(t *testing.T) {
		var calls int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"results":[{"id":"a","price":1,"size":1,"sip_timestamp":1},{"id":"b","price":1,"size":1,"sip_timestamp":2}],"next_url":"http://%s/trades/AAPL?cursor=more"}`, r.Host)
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		trades, err := rc.ListTrades(context.Background(), "AAPL", TradesQuery{MaxResults: 3})
		require.NoError(t, err)
		assert.Len(t, trades, 3)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("AfterFilter", func(t *testing.T) {
		after := time.Date(2025, 7, 1, 13, 30, 0, 0, time.UTC)
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, fmt.Sprint(after.UnixNano()), r.URL.Query().Get("timestamp.gt"))
			assert.Equal(t, "1000", r.URL.Query().Get("limit"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"results":[]}`))
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		trades, err := rc.ListTrades(context.Background(), "AAPL", TradesQuery{After: after})
		require.NoError(t, err)
		assert.Empty(t, trades)
	})

	t.Run("APIError", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"status":"NOT_AUTHORIZED"}`))
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		_, err := rc.ListTrades(context.Background(), "AAPL", TradesQuery{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to list trades for AAPL")
		assert.Contains(t, err.Error(), "NOT_AUTHORIZED")
	})
}

type MockClient struct {
	mock.Mock
	mu sync.Mutex
}

func (m *MockClient) ListTrades(ctx context.Context, ticker string, q TradesQuery) ([]Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := m.Called(ctx, ticker, q)
	trades, _ := args.Get(0).([]Trade)
	return trades, args.Error(1)
}

func TestFeed_Stream(t *testing.T) {
	start := time.Date(2025, 7, 1, 13, 30, 0, 0, time.UTC)
	ns := func(d time.Duration) int64 { return start.Add(d).UnixNano() }

	client := new(MockClient)
	client.On("ListTrades", mock.Anything, "AAPL", TradesQuery{After: start, Limit: 50, Order: OrderAsc}).
		Return([]Trade{
			{ID: "2", Price: 101, Size: 1, SipTimestamp: ns(2 * time.Second)},
			{ID: "1", Price: 100, Size: 5, SipTimestamp: ns(time.Second)},
			{ID: "3", Price: 102, Size: 2, SipTimestamp: ns(2 * time.Second)},
		}, nil).Once()
	client.On("ListTrades", mock.Anything, "AAPL", TradesQuery{After: start.Add(2 * time.Second), Limit: 50, Order: OrderAsc}).
		Return(nil, fmt.Errorf("request failed with status 502")).Once()
	client.On("ListTrades", mock.Anything, "AAPL", mock.Anything).Return([]Trade{}, nil)

	feed := NewFeed(client, 5*time.Millisecond, 50, zap.NewNop())
	feed.now = func() time.Time { return start }

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan market.Observation, 10)
	done := make(chan error, 1)
	go func() { done <- feed.Stream(ctx, "AAPL", out) }()

	var got []market.Observation
	for len(got) < 3 {
		select {
		case obs := <-out:
			got = append(got, obs)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for observations")
		}
	}

	// Let the failing poll and at least one empty poll happen.
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.Calls) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, 100.0, got[0].Price)
	assert.Equal(t, uint64(ns(time.Second)), got[0].Sequence)
	assert.Equal(t, uint64(ns(2*time.Second)), got[1].Sequence)
	assert.Equal(t, uint64(ns(2*time.Second))+1, got[2].Sequence, "shared timestamp gets the next sequence")
	for _, obs := range got {
		assert.Equal(t, "AAPL", obs.Instrument)
		assert.NoError(t, obs.Validate())
	}
}
