package handler

import (
	"net/http"
	"strings"

	"forecastloop/internal/domain"
	"forecastloop/internal/policy"
	"forecastloop/internal/review"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

type recommendationRequest struct {
	domain.Recommendation
	SpecialistAnalyses []domain.SpecialistAnalysis `json:"specialist_analyses"`
	PredictorIDs       []string                    `json:"predictor_ids"`
}

// RecordRecommendation godoc
// @Summary      Record a recommendation
// @Description  Stores the recommendation and consumes the predictors it was built from
// @Tags         recommendations
// @Accept       json
// @Produce      json
// @Success      201  {object}  domain.Recommendation
// @Failure      400  {object}  map[string]string
// @Failure      409  {object}  map[string]interface{}
// @Router       /api/recommendations [post]
func (h *Handler) RecordRecommendation(c *gin.Context) {
	if h.reviews == nil {
		unavailable(c, "review service")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.record-recommendation")
	defer span.End()

	var req recommendationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.ID = ""

	rec, err := h.reviews.Record(ctx, req.Recommendation, req.SpecialistAnalyses, req.PredictorIDs)
	if err != nil {
		body := gin.H{"error": err.Error()}
		if rec != nil {
			body["recommendation"] = rec
		}
		c.JSON(errorStatus(err), body)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ReviewRecommendation godoc
// @Summary      Evaluate a recommendation and write its postmortem
// @Description  Directional recommendations take entry and exit prices; prediction-market bets take a resolution
// @Tags         recommendations
// @Accept       json
// @Produce      json
// @Param        id  path  string  true  "Recommendation ID"
// @Success      200  {object}  review.Result
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /api/recommendations/{id}/review [post]
func (h *Handler) ReviewRecommendation(c *gin.Context) {
	if h.reviews == nil {
		unavailable(c, "review service")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.review-recommendation")
	defer span.End()

	id := strings.TrimSpace(c.Param("id"))
	span.SetAttributes(attribute.String("recommendation.id", id))

	var in review.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if in.Domain != "" {
		in.Domain = policy.ParseDomain(string(in.Domain))
	}

	res, err := h.reviews.Review(ctx, id, in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
