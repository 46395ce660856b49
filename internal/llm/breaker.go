package llm

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerClient stops calling a failing completion backend for a cool-down period.
type BreakerClient struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerClient(name string, next Client, logger *zap.Logger) *BreakerClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	st := gobreaker.Settings{
		Name:     name,
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 3 {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.25
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("llm breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &BreakerClient{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *BreakerClient) GenerateResponse(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.GenerateResponse(ctx, systemPrompt, userPrompt, opts)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}
