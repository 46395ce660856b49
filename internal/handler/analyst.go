package handler

import (
	"net/http"
	"strings"
	"time"

	"forecastloop/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// parseDate reads YYYY-MM-DD, defaulting to yesterday in UTC.
func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour), true
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// GetAnalystRankings godoc
// @Summary      Get daily analyst rankings
// @Tags         analysts
// @Produce      json
// @Param        fork  query  string  false  "Fork (user or agent)"  default(agent)
// @Param        date  query  string  false  "Day as YYYY-MM-DD (default yesterday)"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Router       /api/analysts/rankings [get]
func (h *Handler) GetAnalystRankings(c *gin.Context) {
	if h.analysts == nil {
		unavailable(c, "analyst tracker")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-analyst-rankings")
	defer span.End()

	fork := domain.ForkAgent
	if raw := strings.ToLower(strings.TrimSpace(c.Query("fork"))); raw != "" {
		fork = domain.Fork(raw)
		if !fork.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fork must be user or agent"})
			return
		}
	}
	date, ok := parseDate(c.Query("date"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}

	rows, err := h.analysts.Rankings(ctx, fork, date)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fork": fork, "date": date.Format(time.DateOnly), "rankings": rows})
}

// CompareForks godoc
// @Summary      Compare analyst solo P&L across forks
// @Tags         analysts
// @Produce      json
// @Param        date  query  string  false  "Day as YYYY-MM-DD (default yesterday)"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Router       /api/analysts/compare [get]
func (h *Handler) CompareForks(c *gin.Context) {
	if h.analysts == nil {
		unavailable(c, "analyst tracker")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.compare-forks")
	defer span.End()

	date, ok := parseDate(c.Query("date"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}

	rows, err := h.analysts.CompareForks(ctx, date)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": date.Format(time.DateOnly), "analysts": rows})
}

type ensembleOutcomeRequest struct {
	Fork            domain.Fork           `json:"fork" binding:"required"`
	Date            string                `json:"date"`
	Result          domain.EnsembleResult `json:"result"`
	EnsemblePnL     decimal.Decimal       `json:"ensemble_pnl"`
	ActualDirection string                `json:"actual_direction" binding:"required"`
}

type soloPositionRequest struct {
	Fork        domain.Fork     `json:"fork" binding:"required"`
	Analyst     string          `json:"analyst" binding:"required"`
	Instrument  string          `json:"instrument" binding:"required"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	ClosedAt    *time.Time      `json:"closed_at"`
}

// RecordEnsembleOutcome godoc
// @Summary      Buffer a resolved ensemble call
// @Description  Records per-analyst dissent and contribution P&L for the day's rollup
// @Tags         analysts
// @Accept       json
// @Produce      json
// @Success      200  {object}  analyst.RecordSummary
// @Failure      400  {object}  map[string]string
// @Router       /api/analysts/ensemble-outcomes [post]
func (h *Handler) RecordEnsembleOutcome(c *gin.Context) {
	if h.analysts == nil {
		unavailable(c, "analyst tracker")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.record-ensemble-outcome")
	defer span.End()

	var req ensembleOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	date := time.Now().UTC()
	if strings.TrimSpace(req.Date) != "" {
		d, ok := parseDate(req.Date)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		date = d
	}

	summary, err := h.analysts.RecordEnsembleOutcome(ctx, req.Fork, date, req.Result, req.EnsemblePnL, req.ActualDirection)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// RecordSoloPosition godoc
// @Summary      Book a closed solo position for an analyst
// @Tags         analysts
// @Accept       json
// @Produce      json
// @Success      201  {object}  map[string]string
// @Failure      400  {object}  map[string]string
// @Router       /api/analysts/positions [post]
func (h *Handler) RecordSoloPosition(c *gin.Context) {
	if h.positions == nil {
		unavailable(c, "position book")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.record-solo-position")
	defer span.End()

	var req soloPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Fork.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fork must be user or agent"})
		return
	}
	closedAt := time.Now().UTC()
	if req.ClosedAt != nil {
		closedAt = req.ClosedAt.UTC()
	}

	if err := h.positions.RecordSoloPosition(ctx, req.Fork, req.Analyst, req.Instrument, req.RealizedPnL, closedAt); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "recorded"})
}
