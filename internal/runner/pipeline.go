package runner

import (
	"context"
	"time"

	"forecastloop/internal/domain"
	"forecastloop/internal/triage"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type PredictorExpirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

type SignalSource interface {
	GetTargetBySymbol(ctx context.Context, symbol string) (*domain.Target, error)
	ListPendingSignals(ctx context.Context, targetID string, limit int) ([]domain.Signal, error)
}

type Triager interface {
	ProcessSignal(ctx context.Context, signal domain.Signal, target domain.Target) (*triage.Result, error)
}

// PipelineRunner triages every pending signal for the agent's instruments.
type PipelineRunner struct {
	tracer     trace.Tracer
	predictors PredictorExpirer
	signals    SignalSource
	triage     Triager
	logger     *zap.Logger
	batchSize  int
	now        func() time.Time
}

func NewPipelineRunner(
	tracer trace.Tracer,
	predictors PredictorExpirer,
	signals SignalSource,
	triager Triager,
	logger *zap.Logger,
) *PipelineRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PipelineRunner{
		tracer:     tracer,
		predictors: predictors,
		signals:    signals,
		triage:     triager,
		logger:     logger,
		batchSize:  50,
		now:        time.Now,
	}
}

func (p *PipelineRunner) Run(ctx context.Context, agent domain.Agent, cfg domain.RunnerConfig) (*Report, error) {
	ctx, span := p.tracer.Start(ctx, "runner.pipeline")
	defer span.End()
	span.SetAttributes(attribute.String("agent.id", agent.ID))

	report := &Report{AgentID: agent.ID}
	expired, err := p.predictors.ExpireStale(ctx, p.now())
	if err != nil {
		return nil, err
	}
	report.Expired = expired

	for _, symbol := range cfg.Instruments {
		target, err := p.signals.GetTargetBySymbol(ctx, symbol)
		if err != nil {
			return report, domain.NewOpError("get", "target", symbol, err)
		}
		if target == nil {
			p.logger.Warn("instrument has no target record", zap.String("agent_id", agent.ID), zap.String("symbol", symbol))
			continue
		}
		if target.Domain == "" && cfg.Domain != "" {
			target.Domain = domain.InstrumentDomain(cfg.Domain)
		}

		pending, err := p.signals.ListPendingSignals(ctx, target.ID, p.batchSize)
		if err != nil {
			return report, domain.NewOpError("list-pending", "signal", target.ID, err)
		}
		for _, sig := range pending {
			report.Processed++
			res, err := p.triage.ProcessSignal(ctx, sig, *target)
			if err != nil {
				report.Failed++
				p.logger.Error("signal triage failed",
					zap.String("agent_id", agent.ID),
					zap.String("signal_id", sig.ID),
					zap.Error(err))
				continue
			}
			if res.Accepted {
				report.Accepted++
			}
		}
	}

	span.SetAttributes(
		attribute.Int("runner.processed", report.Processed),
		attribute.Int("runner.failed", report.Failed),
	)
	return report, nil
}
