// Package analyst tracks how each ensemble analyst performs on its own and as part of the
// ensemble, per fork.
package analyst

import (
	"context"
	"sort"
	"strings"
	"time"

	"forecastloop/internal/domain"
	"forecastloop/internal/policy"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SoloBook exposes each analyst's isolated position book.
type SoloBook interface {
	RealizedPnL(ctx context.Context, fork domain.Fork, date time.Time, analyst string) ([]decimal.Decimal, error)
}

type MetricsStore interface {
	UpsertAnalystMetrics(ctx context.Context, rows []domain.AnalystPerformanceMetrics) error
	ListAnalystMetrics(ctx context.Context, fork domain.Fork, date time.Time) ([]domain.AnalystPerformanceMetrics, error)
}

// RecordSummary reports what one ensemble outcome added to the buffer.
type RecordSummary struct {
	Dissents      []domain.DissentRecord     `json:"dissents"`
	Contributions map[string]decimal.Decimal `json:"contributions"`
}

type ForkComparison struct {
	Analyst      string  `json:"analyst"`
	UserSoloPnL  float64 `json:"user_solo_pnl"`
	AgentSoloPnL float64 `json:"agent_solo_pnl"`
	UserRank     int     `json:"user_rank"`
	AgentRank    int     `json:"agent_rank"`
}

type Tracker struct {
	tracer trace.Tracer
	buffer DissentBuffer
	book   SoloBook
	store  MetricsStore
	logger *zap.Logger
}

func NewTracker(tracer trace.Tracer, buffer DissentBuffer, book SoloBook, store MetricsStore, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{tracer: tracer, buffer: buffer, book: book, store: store, logger: logger}
}

// RecordEnsembleOutcome buffers dissent records and contribution P&L for one resolved ensemble
// call as one batch. Each analyst's share is its weight over the number of assessments, so a
// zero-weight analyst contributes nothing.
func (t *Tracker) RecordEnsembleOutcome(
	ctx context.Context,
	fork domain.Fork,
	date time.Time,
	result domain.EnsembleResult,
	ensemblePnl decimal.Decimal,
	actualDirection string,
) (*RecordSummary, error) {
	ctx, span := t.tracer.Start(ctx, "analyst.record-ensemble-outcome")
	defer span.End()
	span.SetAttributes(attribute.String("analyst.fork", string(fork)))

	if !fork.IsValid() {
		return nil, domain.Invalid("unknown fork %q", fork)
	}
	day := truncateDay(date)
	ensembleDir := policy.NormalizeDirection(result.Direction)
	actualDir := policy.NormalizeDirection(actualDirection)

	summary := &RecordSummary{Contributions: make(map[string]decimal.Decimal)}
	total := decimal.NewFromInt(int64(len(result.Assessments)))
	if total.IsZero() {
		return summary, nil
	}

	var dissents []domain.DissentRecord
	for _, a := range result.Assessments {
		dir := policy.NormalizeDirection(a.Direction)
		dissent := !strings.EqualFold(string(dir), string(ensembleDir))

		contribution := decimal.NewFromFloat(a.Weight).Div(total).Mul(ensemblePnl)
		if dissent {
			contribution = contribution.Neg()
		}
		summary.Contributions[a.Analyst] = summary.Contributions[a.Analyst].Add(contribution)

		if !dissent {
			continue
		}
		dissents = append(dissents, domain.DissentRecord{
			Analyst:    a.Analyst,
			Fork:       fork,
			WasCorrect: dir == actualDir,
			Date:       day,
		})
	}

	batch := Batch{Fork: fork, Date: day, Contributions: summary.Contributions, Dissents: dissents}
	if err := t.buffer.AddBatch(ctx, batch); err != nil {
		return nil, domain.NewOpError("buffer", "ensemble-outcome", string(fork), err)
	}
	summary.Dissents = dissents
	return summary, nil
}

// DissentAccuracy is the share of correct dissents, or nil when there were none.
func DissentAccuracy(records []domain.DissentRecord) *float64 {
	if len(records) == 0 {
		return nil
	}
	correct := 0
	for _, r := range records {
		if r.WasCorrect {
			correct++
		}
	}
	acc := float64(correct) / float64(len(records))
	return &acc
}

func SoloPnL(realized []decimal.Decimal) decimal.Decimal {
	return decimal.Sum(decimal.Zero, realized...)
}

// RunDailyRollup ranks analysts by solo P&L, stores one row each and clears the day's buffer
// for the fork so a rerun does not double count. With no analysts given, every analyst seen in
// the buffer is ranked.
func (t *Tracker) RunDailyRollup(
	ctx context.Context,
	fork domain.Fork,
	date time.Time,
	analysts []string,
) ([]domain.AnalystPerformanceMetrics, error) {
	ctx, span := t.tracer.Start(ctx, "analyst.daily-rollup")
	defer span.End()
	span.SetAttributes(attribute.String("analyst.fork", string(fork)))

	if !fork.IsValid() {
		return nil, domain.Invalid("unknown fork %q", fork)
	}
	day := truncateDay(date)

	dissents, err := t.buffer.Dissents(ctx, fork, day)
	if err != nil {
		return nil, domain.NewOpError("read-dissents", "analyst-buffer", string(fork), err)
	}
	contributions, err := t.buffer.Contributions(ctx, fork, day)
	if err != nil {
		return nil, domain.NewOpError("read-contributions", "analyst-buffer", string(fork), err)
	}
	if len(analysts) == 0 {
		analysts = bufferedAnalysts(dissents, contributions)
	}

	byAnalyst := make(map[string][]domain.DissentRecord)
	for _, d := range dissents {
		byAnalyst[d.Analyst] = append(byAnalyst[d.Analyst], d)
	}

	rows := make([]domain.AnalystPerformanceMetrics, 0, len(analysts))
	for _, name := range analysts {
		var solo decimal.Decimal
		if t.book != nil {
			realized, err := t.book.RealizedPnL(ctx, fork, day, name)
			if err != nil {
				return nil, domain.NewOpError("solo-book", "analyst", name, err)
			}
			solo = SoloPnL(realized)
		}
		rows = append(rows, domain.AnalystPerformanceMetrics{
			Analyst:         name,
			Fork:            fork,
			Date:            day,
			SoloPnL:         solo.InexactFloat64(),
			ContributionPnL: contributions[name].InexactFloat64(),
			DissentAccuracy: DissentAccuracy(byAnalyst[name]),
			DissentCount:    len(byAnalyst[name]),
		})
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].SoloPnL > rows[j].SoloPnL })
	for i := range rows {
		rows[i].Rank = i + 1
		rows[i].TotalAnalysts = len(rows)
	}

	if err := t.store.UpsertAnalystMetrics(ctx, rows); err != nil {
		return nil, domain.NewOpError("upsert", "analyst-metrics", string(fork), err)
	}
	if err := t.buffer.Purge(ctx, fork, day); err != nil {
		return nil, domain.NewOpError("purge", "analyst-buffer", string(fork), err)
	}

	t.logger.Info("analyst rollup stored",
		zap.String("fork", string(fork)),
		zap.String("date", dayKey(day)),
		zap.Int("analysts", len(rows)))
	return rows, nil
}

func (t *Tracker) Rankings(ctx context.Context, fork domain.Fork, date time.Time) ([]domain.AnalystPerformanceMetrics, error) {
	ctx, span := t.tracer.Start(ctx, "analyst.rankings")
	defer span.End()

	rows, err := t.store.ListAnalystMetrics(ctx, fork, truncateDay(date))
	if err != nil {
		return nil, domain.NewOpError("list", "analyst-metrics", string(fork), err)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Rank < rows[j].Rank })
	return rows, nil
}

// CompareForks lines up each analyst's solo P&L under the user-curated and agent-curated
// ensembles for one day.
func (t *Tracker) CompareForks(ctx context.Context, date time.Time) ([]ForkComparison, error) {
	user, err := t.Rankings(ctx, domain.ForkUser, date)
	if err != nil {
		return nil, err
	}
	agent, err := t.Rankings(ctx, domain.ForkAgent, date)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int)
	var out []ForkComparison
	get := func(name string) *ForkComparison {
		if i, ok := index[name]; ok {
			return &out[i]
		}
		index[name] = len(out)
		out = append(out, ForkComparison{Analyst: name})
		return &out[len(out)-1]
	}
	for _, r := range user {
		c := get(r.Analyst)
		c.UserSoloPnL = r.SoloPnL
		c.UserRank = r.Rank
	}
	for _, r := range agent {
		c := get(r.Analyst)
		c.AgentSoloPnL = r.SoloPnL
		c.AgentRank = r.Rank
	}
	return out, nil
}

func bufferedAnalysts(dissents []domain.DissentRecord, contributions map[string]decimal.Decimal) []string {
	seen := make(map[string]struct{})
	for name := range contributions {
		seen[name] = struct{}{}
	}
	for _, d := range dissents {
		seen[d.Analyst] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func truncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
