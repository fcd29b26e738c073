package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/campus-enrollment-api/internal/middleware"
	"github.com/noah-isme/campus-enrollment-api/internal/models"
	"github.com/noah-isme/campus-enrollment-api/internal/service"
	appErrors "github.com/noah-isme/campus-enrollment-api/pkg/errors"
	"github.com/noah-isme/campus-enrollment-api/pkg/response"
)

// IdempotencyKeyHeader may carry the idempotency key instead of the body.
const IdempotencyKeyHeader = "Idempotency-Key"

type enrollmentSaga interface {
	Enroll(ctx context.Context, req service.EnrollRequest) (*service.EnrollResult, error)
}

type enrollmentQueries interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, *models.Pagination, error)
	Get(ctx context.Context, id string) (*models.Enrollment, error)
	ListByStudentAndCycle(ctx context.Context, studentID, cycleID string) ([]models.Enrollment, error)
}

// EnrollmentHandler exposes enrollment endpoints.
type EnrollmentHandler struct {
	saga    enrollmentSaga
	queries enrollmentQueries
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(saga enrollmentSaga, queries enrollmentQueries) *EnrollmentHandler {
	return &EnrollmentHandler{saga: saga, queries: queries}
}

// Enroll godoc
// @Summary Enroll a student in a section
// @Description Runs the enrollment saga. Returns 201 for a new enrollment and 200 when an identical earlier request is replayed.
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "student_id:section_id:cycle_id"
// @Param payload body service.EnrollRequest true "Enrollment payload"
// @Success 201 {object} response.Envelope{data=service.EnrollResult}
// @Success 200 {object} response.Envelope{data=service.EnrollResult}
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 500 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /enrollments [post]
func (h *EnrollmentHandler) Enroll(c *gin.Context) {
	var req service.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(IdempotencyKeyHeader)
	}

	result, err := h.saga.Enroll(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	middleware.SetReplayed(c, result.Replayed)
	if result.Replayed {
		response.JSON(c, http.StatusOK, result, nil, middleware.ExtractMeta(c))
		return
	}
	response.Created(c, result, middleware.ExtractMeta(c))
}

// List godoc
// @Summary List enrollments
// @Tags Enrollments
// @Produce json
// @Param studentId query string false "Filter by student"
// @Param sectionId query string false "Filter by section"
// @Param cycleId query string false "Filter by cycle"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Param order query string false "asc or desc by creation time"
// @Success 200 {object} response.Envelope{data=[]models.Enrollment}
// @Router /enrollments [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	filter := models.EnrollmentFilter{
		StudentID: c.Query("studentId"),
		SectionID: c.Query("sectionId"),
		CycleID:   c.Query("cycleId"),
		SortOrder: c.Query("order"),
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	enrollments, pagination, err := h.queries.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, pagination)
}

// Get godoc
// @Summary Get enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope{data=models.Enrollment}
// @Failure 404 {object} response.Envelope
// @Router /enrollments/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	enrollment, err := h.queries.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// ListByStudentAndCycle godoc
// @Summary List a student's enrollments in one cycle
// @Tags Enrollments
// @Produce json
// @Param studentId path string true "Student ID"
// @Param cycleId path string true "Cycle ID"
// @Success 200 {object} response.Envelope{data=[]models.Enrollment}
// @Router /students/{studentId}/cycles/{cycleId}/enrollments [get]
func (h *EnrollmentHandler) ListByStudentAndCycle(c *gin.Context) {
	enrollments, err := h.queries.ListByStudentAndCycle(c.Request.Context(), c.Param("studentId"), c.Param("cycleId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, nil)
}
