package generation

import (
	"context"

	"go.uber.org/zap"

	"github.com/Yufok1/Djinn-Council-Chat/internal/circuitbreaker"
)

// BreakerClient wraps a Client with a circuit breaker so a dead generation
// backend fails fast instead of stacking up blocked workers.
type BreakerClient struct {
	inner   Client
	breaker *circuitbreaker.Breaker
}

// NewBreakerClient wraps inner with a breaker tuned by settings.
func NewBreakerClient(inner Client, settings circuitbreaker.Settings, logger *zap.Logger) *BreakerClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerClient{
		inner:   inner,
		breaker: circuitbreaker.New("generation", settings, logger),
	}
}

// Generate runs the inner call through the breaker. An open breaker returns
// circuitbreaker.ErrOpen without touching the backend.
func (c *BreakerClient) Generate(ctx context.Context, req Request) (string, error) {
	var text string
	err := c.breaker.Execute(ctx, func() error {
		var innerErr error
		text, innerErr = c.inner.Generate(ctx, req)
		return innerErr
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// BreakerState exposes the breaker state for status reporting.
func (c *BreakerClient) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}
