package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bronco-trade-agent-go/internal/pool"
	"github.com/go-playground/validator/v10"
)

// ErrInvalidResponse marks an oracle answer that cannot be applied.
var ErrInvalidResponse = errors.New("invalid oracle response")

// Features are the context signals sent alongside the performance matrix.
type Features struct {
	Volatility float64 `json:"volatility"`
	Sentiment  float64 `json:"sentiment"`
}

// Request asks the oracle which strategy should be active for an instrument.
type Request struct {
	Instrument       string      `json:"instrument"`
	AsOf             time.Time   `json:"as_of"`
	Matrix           pool.Matrix `json:"matrix"`
	Features         Features    `json:"features"`
	ActiveStrategyID string      `json:"active_strategy_id,omitempty"`
}

// Response is the oracle's selection, or NoChange to keep the current strategy.
type Response struct {
	NoChange           bool    `json:"no_change"`
	SelectedStrategyID string  `json:"selected_strategy_id" validate:"required_unless=NoChange true"`
	Reason             string  `json:"reason" validate:"required_unless=NoChange true"`
	RiskWeight         float64 `json:"risk_weight" validate:"gte=0,lte=1"`
	ModelVersion       string  `json:"model_version"`
}

var validate = validator.New()

// Validate checks the response shape. Whether the selected strategy is
// registered is checked by the dispatcher when the selection is applied.
func (r Response) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// Oracle selects the active strategy. Implementations must honor ctx.
type Oracle interface {
	Decide(ctx context.Context, req Request) (Response, error)
}

// SentimentSource supplies a sentiment score for an instrument.
type SentimentSource interface {
	Sentiment(ctx context.Context, instrument string) (float64, error)
}
