package job

import (
	"context"
	"time"

	"forecastloop/internal/domain"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Rollup interface {
	RunDailyRollup(ctx context.Context, fork domain.Fork, date time.Time, analysts []string) ([]domain.AnalystPerformanceMetrics, error)
}

// AnalystRollup closes out the previous UTC day for both forks on a cron schedule.
type AnalystRollup struct {
	tracer  trace.Tracer
	rollup  Rollup
	spec    string
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
	now     func() time.Time
}

func NewAnalystRollup(tracer trace.Tracer, rollup Rollup, spec string, logger *zap.Logger) *AnalystRollup {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalystRollup{
		tracer: tracer,
		rollup: rollup,
		spec:   spec,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		logger: logger,
		now:    time.Now,
	}
}

// Start schedules the rollup and blocks until ctx is cancelled.
func (j *AnalystRollup) Start(ctx context.Context) error {
	j.baseCtx = ctx
	if _, err := j.cron.AddFunc(j.spec, func() { j.RunForDay(j.baseCtx, j.now().UTC().AddDate(0, 0, -1)) }); err != nil {
		return err
	}
	j.logger.Info("analyst rollup scheduled", zap.String("spec", j.spec))
	j.cron.Start()

	<-ctx.Done()
	stopped := j.cron.Stop()
	<-stopped.Done()
	j.logger.Info("analyst rollup stopped")
	return nil
}

// RunForDay ranks both forks for date. A failing fork is logged and the other still runs.
func (j *AnalystRollup) RunForDay(ctx context.Context, date time.Time) map[domain.Fork][]domain.AnalystPerformanceMetrics {
	ctx, span := j.tracer.Start(ctx, "analyst-rollup-job.run")
	defer span.End()

	out := make(map[domain.Fork][]domain.AnalystPerformanceMetrics, 2)
	for _, fork := range []domain.Fork{domain.ForkUser, domain.ForkAgent} {
		rows, err := j.rollup.RunDailyRollup(ctx, fork, date, nil)
		if err != nil {
			span.RecordError(err)
			j.logger.Error("analyst rollup failed",
				zap.String("fork", string(fork)),
				zap.Time("date", date),
				zap.Error(err))
			continue
		}
		out[fork] = rows
		j.logger.Info("analyst rollup complete",
			zap.String("fork", string(fork)),
			zap.Int("analysts", len(rows)))
	}
	return out
}
