package student

import (
	"context"
	"log/slog"
	"strings"

	"tuition-service/internal/apperr"
	"tuition-service/internal/metrics"
	"tuition-service/internal/pagination"

	"github.com/go-playground/validator/v10"
)

type Service interface {
	CreateStudent(ctx context.Context, studentNo, fullName string) (*Student, error)
	GetStudent(ctx context.Context, studentNo string) (*Student, error)
	ListStudents(ctx context.Context, page, pageSize int) (pagination.Page[Student], error)
}

type service struct {
	repo     Repository
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewService(repo Repository, logger *slog.Logger, m *metrics.Metrics) Service {
	return &service{
		repo:     repo,
		validate: validator.New(),
		logger:   logger,
		metrics:  m,
	}
}

func (s *service) CreateStudent(ctx context.Context, studentNo, fullName string) (*Student, error) {
	studentNo = strings.TrimSpace(studentNo)
	fullName = strings.TrimSpace(fullName)

	if studentNo == "" {
		return nil, apperr.Validation("studentNo", "is required")
	}
	if err := s.validate.Var(studentNo, "alphanum,max=32"); err != nil {
		return nil, apperr.Validation("studentNo", "must be at most 32 letters or digits")
	}
	if fullName == "" {
		return nil, apperr.Validation("fullName", "is required")
	}

	exists, err := s.repo.Exists(ctx, studentNo)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperr.Conflict("student " + studentNo)
	}

	created, err := s.repo.Create(ctx, &Student{StudentNo: studentNo, FullName: fullName})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordStudentCreated(ctx)
	s.logger.InfoContext(ctx, "student created", "student_no", studentNo)
	return created, nil
}

func (s *service) GetStudent(ctx context.Context, studentNo string) (*Student, error) {
	studentNo = strings.TrimSpace(studentNo)
	if studentNo == "" {
		return nil, apperr.Validation("studentNo", "is required")
	}
	return s.repo.GetByStudentNo(ctx, studentNo)
}

func (s *service) ListStudents(ctx context.Context, page, pageSize int) (pagination.Page[Student], error) {
	req := pagination.New(page, pageSize)
	items, total, err := s.repo.List(ctx, req)
	if err != nil {
		return pagination.Page[Student]{}, err
	}
	return pagination.NewPage(req, total, items), nil
}
