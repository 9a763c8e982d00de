package restclient

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultMaxRetries = 3

// Client executes resty requests behind a rate limiter, retrying throttled,
// server-side and network failures with exponential backoff.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	maxRetries int
	backoff    time.Duration
}

// New creates a client for baseURL allowing ratePerSecond requests with the given burst.
func New(baseURL string, ratePerSecond float64, burst int, logger *zap.Logger) *Client {
	return NewWithLimiter(resty.New().SetBaseURL(baseURL), rate.NewLimiter(rate.Limit(ratePerSecond), burst), logger)
}

// NewWithLimiter wraps an existing resty client and limiter.
func NewWithLimiter(client *resty.Client, limiter *rate.Limiter, logger *zap.Logger) *Client {
	return &Client{
		http:       client,
		limiter:    limiter,
		logger:     logger,
		maxRetries: defaultMaxRetries,
		backoff:    time.Second,
	}
}

// SetBackoff sets the first retry delay. Later retries double it.
func (c *Client) SetBackoff(d time.Duration) *Client {
	c.backoff = d
	return c
}

// SetTimeout bounds every single attempt.
func (c *Client) SetTimeout(d time.Duration) *Client {
	c.http.SetTimeout(d)
	return c
}

// R starts a request bound to ctx.
func (c *Client) R(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx)
}

func (c *Client) BaseURL() string { return c.http.BaseURL }

// Do executes req with rate limiting and retries.
func (c *Client) Do(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	for i := 0; i < c.maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		shouldRetry := false
		var retryAfter time.Duration

		if err == nil && resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
			err = fmt.Errorf("status %s: %s", resp.Status(), resp.String())
		} else {
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with %w", err)
		}

		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries, err)
}
