package job

import (
	"context"
	"errors"
	"time"

	"forecastloop/internal/domain"
	"forecastloop/internal/runner"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultRunnerInterval = 15 * time.Minute

type AgentLister interface {
	ListAgents(ctx context.Context) ([]domain.Agent, error)
}

type RunnerResolver interface {
	ForAgent(agent domain.Agent) (runner.Runner, *domain.RunnerConfig, error)
}

type RunnerMetrics interface {
	ObserveRunner(runnerType string, seconds float64, err error)
}

// RunnerPoller drives every configured agent through its runner on a fixed tick.
type RunnerPoller struct {
	tracer      trace.Tracer
	agents      AgentLister
	resolver    RunnerResolver
	metrics     RunnerMetrics
	interval    time.Duration
	concurrency int
	logger      *zap.Logger
}

func NewRunnerPoller(
	tracer trace.Tracer,
	agents AgentLister,
	resolver RunnerResolver,
	intervalSecs int,
	logger *zap.Logger,
) *RunnerPoller {
	interval := time.Duration(intervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultRunnerInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunnerPoller{
		tracer:      tracer,
		agents:      agents,
		resolver:    resolver,
		interval:    interval,
		concurrency: 4,
		logger:      logger,
	}
}

func (p *RunnerPoller) WithMetrics(m RunnerMetrics) *RunnerPoller {
	p.metrics = m
	return p
}

// Start runs one cycle immediately and then on every tick. Blocks until ctx is cancelled.
func (p *RunnerPoller) Start(ctx context.Context) {
	if p == nil || p.agents == nil || p.resolver == nil {
		<-ctx.Done()
		return
	}

	p.logger.Info("runner poller starting", zap.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("runner poller stopped")
			return
		case <-ticker.C:
			p.RunCycle(ctx)
		}
	}
}

// RunCycle runs every agent that has a usable runner config. Agents without one are skipped;
// one agent failing does not stop the others.
func (p *RunnerPoller) RunCycle(ctx context.Context) []runner.Report {
	ctx, span := p.tracer.Start(ctx, "runner-poller.cycle")
	defer span.End()

	agents, err := p.agents.ListAgents(ctx)
	if err != nil {
		span.RecordError(err)
		p.logger.Error("list agents failed", zap.Error(err))
		return nil
	}

	reports := make([]*runner.Report, len(agents))
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, agent := range agents {
		rn, cfg, err := p.resolver.ForAgent(agent)
		if err != nil {
			p.logSkip(agent, err)
			continue
		}
		g.Go(func() error {
			start := time.Now()
			report, err := rn.Run(ctx, agent, *cfg)
			if p.metrics != nil {
				p.metrics.ObserveRunner(cfg.RunnerType, time.Since(start).Seconds(), err)
			}
			if err != nil {
				p.logger.Error("agent run failed",
					zap.String("agent_id", agent.ID),
					zap.String("runner_type", cfg.RunnerType),
					zap.Error(err))
				return nil
			}
			reports[i] = report
			return nil
		})
	}
	_ = g.Wait()

	out := make([]runner.Report, 0, len(agents))
	for _, r := range reports {
		if r != nil {
			out = append(out, *r)
		}
	}
	span.SetAttributes(attribute.Int("runner.agents", len(agents)), attribute.Int("runner.completed", len(out)))
	return out
}

func (p *RunnerPoller) logSkip(agent domain.Agent, err error) {
	var nf *runner.NotFoundError
	if errors.As(err, &nf) {
		p.logger.Warn("agent names an unregistered runner",
			zap.String("agent_id", agent.ID),
			zap.String("runner_type", string(nf.RunnerType)))
		return
	}
	p.logger.Debug("agent skipped", zap.String("agent_id", agent.ID), zap.Error(err))
}
