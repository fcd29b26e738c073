package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/campus-enrollment-api/internal/middleware"
	"github.com/noah-isme/campus-enrollment-api/internal/models"
	"github.com/noah-isme/campus-enrollment-api/pkg/response"
)

type sagaQueries interface {
	GetSaga(ctx context.Context, id string) (*models.SagaDetail, error)
	GetSection(ctx context.Context, id string) (*models.Section, bool, error)
}

type sagaResumer interface {
	Resume(ctx context.Context, sagaID string) (*models.SagaRecord, error)
}

// SagaHandler exposes saga polling, operator-driven reconciliation and the
// section seat snapshot.
type SagaHandler struct {
	queries sagaQueries
	resumer sagaResumer
}

// NewSagaHandler constructs SagaHandler.
func NewSagaHandler(queries sagaQueries, resumer sagaResumer) *SagaHandler {
	return &SagaHandler{queries: queries, resumer: resumer}
}

// Get godoc
// @Summary Get saga state and history
// @Tags Sagas
// @Produce json
// @Param id path string true "Saga ID"
// @Success 200 {object} response.Envelope{data=models.SagaDetail}
// @Failure 404 {object} response.Envelope
// @Router /sagas/{id} [get]
func (h *SagaHandler) Get(c *gin.Context) {
	detail, err := h.queries.GetSaga(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Resume godoc
// @Summary Resolve a pending saga now
// @Description Re-inspects both stores and drives the saga to a final state, as the recovery loop would.
// @Tags Sagas
// @Produce json
// @Param id path string true "Saga ID"
// @Success 200 {object} response.Envelope{data=models.SagaRecord}
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 500 {object} response.Envelope
// @Router /sagas/{id}/resume [post]
func (h *SagaHandler) Resume(c *gin.Context) {
	record, err := h.resumer.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}

// GetSection godoc
// @Summary Get a section's seat snapshot
// @Description Seat counts may be served from a short-lived cache and are advisory.
// @Tags Sections
// @Produce json
// @Param id path string true "Section ID"
// @Success 200 {object} response.Envelope{data=models.Section}
// @Failure 404 {object} response.Envelope
// @Router /sections/{id} [get]
func (h *SagaHandler) GetSection(c *gin.Context) {
	section, cached, err := h.queries.GetSection(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cached)
	response.JSON(c, http.StatusOK, section, nil, middleware.ExtractMeta(c))
}
