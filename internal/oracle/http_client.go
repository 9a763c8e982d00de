package oracle

import (
	"context"
	"fmt"
	"net/http"

	"bronco-trade-agent-go/internal/config"
	"bronco-trade-agent-go/internal/restclient"
	"go.uber.org/zap"
)

const decidePath = "/v1/decide"

// HTTPClient calls a remote decision service.
type HTTPClient struct {
	rest   *restclient.Client
	apiKey string
	logger *zap.Logger
}

var _ Oracle = (*HTTPClient)(nil)

func NewHTTPClient(cfg *config.Oracle, logger *zap.Logger) *HTTPClient {
	l := logger.Named("oracle")
	return &HTTPClient{
		rest:   restclient.New(cfg.URL, cfg.RateLimit, cfg.RateLimitBurst, l).SetTimeout(cfg.Timeout),
		apiKey: cfg.ApiKey,
		logger: l,
	}
}

// Decide posts the request and validates the answer.
func (c *HTTPClient) Decide(ctx context.Context, req Request) (Response, error) {
	var out Response
	r := c.rest.R(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out)
	if c.apiKey != "" {
		r.SetAuthToken(c.apiKey)
	}

	if _, err := c.rest.Do(ctx, http.MethodPost, decidePath, r); err != nil {
		return Response{}, fmt.Errorf("oracle decide for %s: %w", req.Instrument, err)
	}
	if err := out.Validate(); err != nil {
		return Response{}, err
	}

	c.logger.Debug("Oracle answered",
		zap.String("instrument", req.Instrument),
		zap.Bool("no_change", out.NoChange),
		zap.String("selected", out.SelectedStrategyID),
		zap.String("model_version", out.ModelVersion))
	return out, nil
}
