package student

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tuition-service/common/metrics"
	"tuition-service/internal/apperr"
	"tuition-service/internal/db"
	"tuition-service/internal/pagination"

	"github.com/uptrace/bun"
)

type Repository interface {
	Create(ctx context.Context, student *Student) (*Student, error)
	GetByStudentNo(ctx context.Context, studentNo string) (*Student, error)
	Exists(ctx context.Context, studentNo string) (bool, error)
	List(ctx context.Context, req pagination.Request) ([]Student, int, error)
	// Delete removes the student row and reports how many rows went away.
	Delete(ctx context.Context, studentNo string) (int, error)
}

type repository struct {
	db      bun.IDB
	metrics *metrics.Metrics
}

func NewRepository(db bun.IDB, m *metrics.Metrics) Repository {
	return &repository{
		db:      db,
		metrics: m,
	}
}

func (r *repository) Create(ctx context.Context, student *Student) (*Student, error) {
	start := time.Now()
	_, err := r.db.NewInsert().Model(student).Returning("*").Exec(ctx)

	r.metrics.Database.RecordQuery(ctx, "insert", "students", time.Since(start), err)

	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, apperr.Conflict("student " + student.StudentNo)
		}
		return nil, apperr.Storage("insert student", err)
	}
	return student, nil
}

func (r *repository) GetByStudentNo(ctx context.Context, studentNo string) (*Student, error) {
	start := time.Now()
	student := new(Student)
	err := r.db.NewSelect().
		Model(student).
		Where("student_no = ?", studentNo).
		Scan(ctx)

	r.metrics.Database.RecordQuery(ctx, "select", "students", time.Since(start), err)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("student " + studentNo)
		}
		return nil, apperr.Storage("select student", err)
	}
	return student, nil
}

func (r *repository) Exists(ctx context.Context, studentNo string) (bool, error) {
	start := time.Now()
	exists, err := r.db.NewSelect().
		Model((*Student)(nil)).
		Where("student_no = ?", studentNo).
		Exists(ctx)

	r.metrics.Database.RecordQuery(ctx, "exists", "students", time.Since(start), err)

	if err != nil {
		return false, apperr.Storage("check student", err)
	}
	return exists, nil
}

func (r *repository) List(ctx context.Context, req pagination.Request) ([]Student, int, error) {
	start := time.Now()
	var students []Student
	total, err := r.db.NewSelect().
		Model(&students).
		OrderExpr("student_no ASC").
		Offset(req.Offset()).
		Limit(req.Limit()).
		ScanAndCount(ctx)

	r.metrics.Database.RecordQuery(ctx, "select", "students", time.Since(start), err)

	if err != nil {
		return nil, 0, apperr.Storage("list students", err)
	}
	return students, total, nil
}

func (r *repository) Delete(ctx context.Context, studentNo string) (int, error) {
	start := time.Now()
	res, err := r.db.NewDelete().
		Model((*Student)(nil)).
		Where("student_no = ?", studentNo).
		Exec(ctx)

	r.metrics.Database.RecordQuery(ctx, "delete", "students", time.Since(start), err)

	if err != nil {
		return 0, apperr.Storage("delete student", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Storage("delete student", err)
	}
	return int(n), nil
}
