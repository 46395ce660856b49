package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"forecastloop/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Store interface {
	InsertPredictor(ctx context.Context, p domain.Predictor) (*domain.Predictor, error)
	InsertSettlingSignal(
		ctx context.Context,
		p domain.Predictor,
		urgency domain.Urgency,
		evaluation domain.SignalEvaluation,
	) (*domain.Predictor, bool, error)
	GetPredictor(ctx context.Context, id string) (*domain.Predictor, error)
	MarkConsumed(ctx context.Context, id, recommendationID string) (bool, error)
	ExpireActiveBefore(ctx context.Context, now time.Time) (int64, error)
	ListActive(ctx context.Context, targetID string, now time.Time) ([]domain.Predictor, error)
}

// Draft is what triage hands over once a signal has been accepted.
type Draft struct {
	TargetID    string
	SignalID    string
	Direction   domain.Direction
	Strength    int
	Confidence  float64
	Reasoning   string
	Assessments []domain.EnsembleAssessment
	ExpiresAt   time.Time
	IsTest      bool
}

type Lifecycle struct {
	tracer trace.Tracer
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewLifecycle(tracer trace.Tracer, store Store, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{tracer: tracer, store: store, logger: logger, now: time.Now}
}

func (l *Lifecycle) Create(ctx context.Context, d Draft) (*domain.Predictor, error) {
	ctx, span := l.tracer.Start(ctx, "predictor.create")
	defer span.End()
	span.SetAttributes(attribute.String("signal.id", d.SignalID))

	row, err := l.fromDraft(d)
	if err != nil {
		return nil, err
	}
	p, err := l.store.InsertPredictor(ctx, row)
	if err != nil {
		return nil, domain.NewOpError("insert", "predictor", d.SignalID, err)
	}
	return p, nil
}

// CreateForSignal creates the predictor and settles its signal as accepted atomically.
// A signal that is no longer pending yields an invalid transition and no predictor.
func (l *Lifecycle) CreateForSignal(
	ctx context.Context,
	d Draft,
	urgency domain.Urgency,
	evaluation domain.SignalEvaluation,
) (*domain.Predictor, error) {
	ctx, span := l.tracer.Start(ctx, "predictor.create-for-signal")
	defer span.End()
	span.SetAttributes(attribute.String("signal.id", d.SignalID))

	row, err := l.fromDraft(d)
	if err != nil {
		return nil, err
	}
	p, settled, err := l.store.InsertSettlingSignal(ctx, row, urgency, evaluation)
	if err != nil {
		return nil, domain.NewOpError("insert", "predictor", d.SignalID, err)
	}
	if !settled {
		return nil, domain.NewOpError("settle", "signal", d.SignalID,
			fmt.Errorf("%w: signal is no longer pending", domain.ErrInvalidTransition))
	}
	return p, nil
}

func (l *Lifecycle) fromDraft(d Draft) (domain.Predictor, error) {
	if strings.TrimSpace(d.TargetID) == "" || strings.TrimSpace(d.SignalID) == "" {
		return domain.Predictor{}, domain.Invalid("predictor requires target and signal ids")
	}
	snapshot, err := json.Marshal(d.Assessments)
	if err != nil {
		return domain.Predictor{}, fmt.Errorf("marshal analyst assessment: %w", err)
	}
	return domain.Predictor{
		TargetID:          d.TargetID,
		SignalID:          d.SignalID,
		Direction:         d.Direction,
		Strength:          d.Strength,
		Confidence:        d.Confidence,
		Reasoning:         d.Reasoning,
		AnalystAssessment: snapshot,
		Status:            domain.PredictorActive,
		ExpiresAt:         d.ExpiresAt.UTC(),
		IsTest:            d.IsTest,
		CreatedAt:         l.now().UTC(),
	}, nil
}

// ExpireStale moves every active predictor whose expiry has passed to expired.
func (l *Lifecycle) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := l.tracer.Start(ctx, "predictor.expire-stale")
	defer span.End()

	n, err := l.store.ExpireActiveBefore(ctx, now.UTC())
	if err != nil {
		return 0, domain.NewOpError("expire", "predictor", "", err)
	}
	if n > 0 {
		l.logger.Info("expired stale predictors", zap.Int64("count", n))
	}
	span.SetAttributes(attribute.Int64("predictor.expired", n))
	return n, nil
}

// Consume folds active predictors into a recommendation. A predictor that is missing or
// no longer active fails the call; earlier predictors in the list stay consumed.
func (l *Lifecycle) Consume(ctx context.Context, predictorIDs []string, recommendationID string) error {
	ctx, span := l.tracer.Start(ctx, "predictor.consume")
	defer span.End()
	span.SetAttributes(attribute.String("recommendation.id", recommendationID))

	if strings.TrimSpace(recommendationID) == "" {
		return domain.Invalid("recommendation id is required")
	}

	for _, id := range predictorIDs {
		ok, err := l.store.MarkConsumed(ctx, id, recommendationID)
		if err != nil {
			return domain.NewOpError("consume", "predictor", id, err)
		}
		if ok {
			continue
		}

		existing, err := l.store.GetPredictor(ctx, id)
		if err != nil {
			return domain.NewOpError("get", "predictor", id, err)
		}
		if existing == nil {
			return domain.NotFound("predictor", id)
		}
		return domain.NewOpError("consume", "predictor", id,
			fmt.Errorf("%w: status is %s", domain.ErrInvalidTransition, existing.Status))
	}
	return nil
}

func (l *Lifecycle) ListActive(ctx context.Context, targetID string) ([]domain.Predictor, error) {
	ctx, span := l.tracer.Start(ctx, "predictor.list-active")
	defer span.End()

	out, err := l.store.ListActive(ctx, targetID, l.now().UTC())
	if err != nil {
		return nil, domain.NewOpError("list-active", "predictor", targetID, err)
	}
	return out, nil
}
