package job

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultExpiryInterval = 5 * time.Minute

type PredictorExpirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// PredictorExpiry moves lapsed predictors to expired on a fixed tick.
type PredictorExpiry struct {
	tracer   trace.Tracer
	expirer  PredictorExpirer
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewPredictorExpiry(tracer trace.Tracer, expirer PredictorExpirer, intervalSecs int, logger *zap.Logger) *PredictorExpiry {
	interval := time.Duration(intervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultExpiryInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PredictorExpiry{
		tracer:   tracer,
		expirer:  expirer,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start sweeps once immediately and then on every tick. Blocks until ctx is cancelled.
func (j *PredictorExpiry) Start(ctx context.Context) {
	if j == nil || j.expirer == nil {
		<-ctx.Done()
		return
	}

	j.logger.Info("predictor expiry starting", zap.Duration("interval", j.interval))
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("predictor expiry stopped")
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *PredictorExpiry) runOnce(ctx context.Context) {
	ctx, span := j.tracer.Start(ctx, "predictor-expiry-job.sweep")
	defer span.End()

	if _, err := j.expirer.ExpireStale(ctx, j.now()); err != nil {
		span.RecordError(err)
		j.logger.Error("predictor expiry sweep failed", zap.Error(err))
	}
}
