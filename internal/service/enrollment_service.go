package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/campus-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/campus-enrollment-api/pkg/errors"
)

type enrollmentReader interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	ListByStudentAndCycle(ctx context.Context, studentID, cycleID string) ([]models.Enrollment, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error)
}

type sectionLookup interface {
	Lookup(ctx context.Context, id string) (*models.Section, bool, error)
}

type sagaHistoryReader interface {
	FindByID(ctx context.Context, id string) (*models.SagaRecord, error)
	ListEvents(ctx context.Context, sagaID string) ([]models.SagaEvent, error)
}

// EnrollmentService serves the read side: enrollments, section snapshots and
// saga state for callers polling an enrollment.
type EnrollmentService struct {
	enrollments enrollmentReader
	sections    sectionLookup
	sagas       sagaHistoryReader
	logger      *zap.Logger
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(enrollments enrollmentReader, sections sectionLookup, sagas sagaHistoryReader, logger *zap.Logger) *EnrollmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{enrollments: enrollments, sections: sections, sagas: sagas, logger: logger}
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, *models.Pagination, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}
	if filter.PageSize > 100 {
		filter.PageSize = 100
	}
	filter.SortOrder = strings.ToUpper(filter.SortOrder)
	if filter.SortOrder != "ASC" {
		filter.SortOrder = "DESC"
	}

	enrollments, total, err := s.enrollments.List(ctx, filter)
	if err != nil {
		return nil, nil, storeError(StoreEnrollment, err)
	}
	return enrollments, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Get returns a single enrollment.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.enrollments.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NotFound("enrollment")
		}
		return nil, storeError(StoreEnrollment, err)
	}
	return enrollment, nil
}

// ListByStudentAndCycle returns every enrollment of a student in one cycle.
func (s *EnrollmentService) ListByStudentAndCycle(ctx context.Context, studentID, cycleID string) ([]models.Enrollment, error) {
	if studentID == "" || cycleID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student id and cycle id are required")
	}
	enrollments, err := s.enrollments.ListByStudentAndCycle(ctx, studentID, cycleID)
	if err != nil {
		return nil, storeError(StoreEnrollment, err)
	}
	return enrollments, nil
}

// GetSection returns the section seat snapshot and whether it came from cache.
func (s *EnrollmentService) GetSection(ctx context.Context, id string) (*models.Section, bool, error) {
	section, cached, err := s.sections.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, appErrors.NotFound("section")
		}
		return nil, false, storeError(StoreCapacity, err)
	}
	return section, cached, nil
}

// GetSaga returns a saga record and its history.
func (s *EnrollmentService) GetSaga(ctx context.Context, id string) (*models.SagaDetail, error) {
	record, err := s.sagas.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NotFound("saga")
		}
		return nil, storeError(StoreSagaLog, err)
	}
	events, err := s.sagas.ListEvents(ctx, id)
	if err != nil {
		s.logger.Warn("saga history unavailable", zap.String("saga_id", id), zap.Error(err))
		events = []models.SagaEvent{}
	}
	return &models.SagaDetail{SagaRecord: *record, Events: events}, nil
}
