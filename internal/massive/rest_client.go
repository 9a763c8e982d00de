package massive

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bronco-trade-agent-go/internal/config"
	"bronco-trade-agent-go/internal/restclient"
	"go.uber.org/zap"
)

const (
	OrderAsc  = "asc"
	OrderDesc = "desc"

	defaultPageLimit = 1000
)

// Client is the subset of the Massive REST API the agent uses.
type Client interface {
	ListTrades(ctx context.Context, ticker string, q TradesQuery) ([]Trade, error)
}

// Trade is one print from GET /trades/{ticker}.
type Trade struct {
	ID                   string  `json:"id"`
	Price                float64 `json:"price"`
	Size                 float64 `json:"size"`
	Exchange             int     `json:"exchange"`
	Conditions           []int   `json:"conditions,omitempty"`
	Tape                 int     `json:"tape"`
	SequenceNumber       int64   `json:"sequence_number"`
	SipTimestamp         int64   `json:"sip_timestamp"`
	ParticipantTimestamp int64   `json:"participant_timestamp"`
}

// Time is the SIP timestamp of the trade.
func (t Trade) Time() time.Time { return time.Unix(0, t.SipTimestamp).UTC() }

// TradesQuery filters a trades listing.
type TradesQuery struct {
	// Date restricts to one day, "2006-01-02".
	Date string
	// After keeps trades strictly newer than this instant.
	After time.Time
	// Limit is the page size.
	Limit int
	Order string
	// MaxResults stops paging once this many trades were read. Zero reads all pages.
	MaxResults int
}

type tradesPage struct {
	Status    string  `json:"status"`
	RequestID string  `json:"request_id"`
	Results   []Trade `json:"results"`
	NextURL   string  `json:"next_url"`
}

// RestClient talks to the Massive v3 REST API. The API key travels as the
// apiKey query parameter on every request, including next_url pages.
type RestClient struct {
	rest   *restclient.Client
	apiKey string
	logger *zap.Logger
}

var _ Client = (*RestClient)(nil)

func NewRestClient(cfg *config.Massive, logger *zap.Logger) *RestClient {
	l := logger.Named("massive")
	return &RestClient{
		rest:   restclient.New(cfg.BaseURL, cfg.RateLimit, cfg.RateLimitBurst, l),
		apiKey: cfg.ApiKey,
		logger: l,
	}
}

// ListTrades reads trades for ticker, following next_url until the listing
// ends or MaxResults is reached.
func (c *RestClient) ListTrades(ctx context.Context, ticker string, q TradesQuery) ([]Trade, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	order := q.Order
	if order == "" {
		order = OrderAsc
	}

	params := map[string]string{
		"limit": strconv.Itoa(limit),
		"sort":  "timestamp",
		"order": order,
	}
	if q.Date != "" {
		params["timestamp"] = q.Date
	}
	if !q.After.IsZero() {
		params["timestamp.gt"] = strconv.FormatInt(q.After.UnixNano(), 10)
	}

	var trades []Trade
	url := "/trades/" + ticker
	for page := 1; ; page++ {
		var result tradesPage
		req := c.rest.R(ctx).
			SetHeader("Accept", "application/json").
			SetQueryParam("apiKey", c.apiKey).
			SetResult(&result)
		if page == 1 {
			req.SetQueryParams(params)
		}

		c.logger.Debug("Fetching trades page", zap.String("ticker", ticker), zap.Int("page", page))
		if _, err := c.rest.Do(ctx, http.MethodGet, url, req); err != nil {
			return nil, fmt.Errorf("failed to list trades for %s (page %d): %w", ticker, page, err)
		}

		trades = append(trades, result.Results...)
		if q.MaxResults > 0 && len(trades) >= q.MaxResults {
			return trades[:q.MaxResults], nil
		}
		if result.NextURL == "" {
			return trades, nil
		}
		url = result.NextURL
	}
}
