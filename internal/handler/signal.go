package handler

import (
	"net/http"
	"strings"
	"time"

	"forecastloop/internal/domain"
	"forecastloop/internal/policy"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

const maxSignalsPerRequest = 200

type targetRequest struct {
	Symbol string `json:"symbol" binding:"required"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

type signalRequest struct {
	SourceID      string         `json:"source_id"`
	Content       string         `json:"content"`
	DirectionHint string         `json:"direction_hint"`
	DetectedAt    *time.Time     `json:"detected_at"`
	ExpiresAt     *time.Time     `json:"expires_at"`
	Metadata      map[string]any `json:"metadata"`
	IsTest        bool           `json:"is_test"`
}

type ingestRequest struct {
	Symbol  string          `json:"symbol" binding:"required"`
	Signals []signalRequest `json:"signals" binding:"required"`
}

// UpsertTarget godoc
// @Summary      Register a target instrument
// @Tags         signals
// @Accept       json
// @Produce      json
// @Success      200  {object}  domain.Target
// @Failure      400  {object}  map[string]string
// @Router       /api/targets [post]
func (h *Handler) UpsertTarget(c *gin.Context) {
	if h.signals == nil {
		unavailable(c, "signal store")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.upsert-target")
	defer span.End()

	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d := policy.ParseDomain(req.Domain)
	if d == "" {
		d = domain.DomainEquities
	}

	target, err := h.signals.UpsertTarget(ctx, domain.Target{Symbol: req.Symbol, Name: req.Name, Domain: d})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, target)
}

// IngestSignals godoc
// @Summary      Ingest raw signals
// @Description  Stores signals as pending for the next triage pass on the target
// @Tags         signals
// @Accept       json
// @Produce      json
// @Success      201  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /api/signals [post]
func (h *Handler) IngestSignals(c *gin.Context) {
	if h.signals == nil {
		unavailable(c, "signal store")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.ingest-signals")
	defer span.End()

	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Signals) == 0 || len(req.Signals) > maxSignalsPerRequest {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signals must contain between 1 and 200 items"})
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	span.SetAttributes(attribute.String("symbol", symbol), attribute.Int("signals", len(req.Signals)))

	target, err := h.signals.GetTargetBySymbol(ctx, symbol)
	if err != nil {
		writeError(c, err)
		return
	}
	if target == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown target: " + symbol})
		return
	}

	now := time.Now().UTC()
	signals := make([]domain.Signal, 0, len(req.Signals))
	for _, s := range req.Signals {
		if strings.TrimSpace(s.Content) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "signal content is required"})
			return
		}
		sig := domain.Signal{
			TargetID:   target.ID,
			SourceID:   s.SourceID,
			Content:    s.Content,
			DetectedAt: now,
			Metadata:   s.Metadata,
			ExpiresAt:  s.ExpiresAt,
			IsTest:     s.IsTest,
		}
		if s.DetectedAt != nil {
			sig.DetectedAt = s.DetectedAt.UTC()
		}
		if s.DirectionHint != "" {
			hint := policy.NormalizeDirection(s.DirectionHint)
			sig.DirectionHint = &hint
		}
		signals = append(signals, sig)
	}

	stored, err := h.signals.InsertSignals(ctx, signals)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"target": target, "signals": stored})
}
