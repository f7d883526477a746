// Package admin implements the cascading deletes reserved to administrators.
package admin

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"

	commonmetrics "tuition-service/common/metrics"
	"tuition-service/internal/apperr"
	"tuition-service/internal/auth"
	"tuition-service/internal/events"
	"tuition-service/internal/ledger"
	"tuition-service/internal/metrics"
	"tuition-service/internal/student"

	"github.com/uptrace/bun"
)

type ChargeDeletion struct {
	DeletedPaymentCount int `json:"deletedPaymentCount"`
}

type StudentDeletion struct {
	DeletedChargeCount  int `json:"deletedChargeCount"`
	DeletedPaymentCount int `json:"deletedPaymentCount"`
}

type Service struct {
	db        bun.IDB
	dbMetrics *commonmetrics.Metrics
	metrics   *metrics.Metrics
	policy    auth.Policy
	publisher events.Publisher
	logger    *slog.Logger
}

func NewService(db bun.IDB, dbMetrics *commonmetrics.Metrics, m *metrics.Metrics, policy auth.Policy, publisher events.Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		db:        db,
		dbMetrics: dbMetrics,
		metrics:   m,
		policy:    policy,
		publisher: publisher,
		logger:    logger,
	}
}

// DeleteCharge removes the charge and every payment recorded against it in
// one transaction. Authorization is checked before anything is read.
func (s *Service) DeleteCharge(ctx context.Context, caller auth.Principal, studentNo, term string) (ChargeDeletion, error) {
	if err := s.policy.Authorize(caller); err != nil {
		s.logger.WarnContext(ctx, "charge delete forbidden", "caller", caller.Subject)
		return ChargeDeletion{}, err
	}

	studentNo = strings.TrimSpace(studentNo)
	term = strings.TrimSpace(term)
	if studentNo == "" || term == "" {
		return ChargeDeletion{}, apperr.Validation("studentNo", "studentNo and term are required")
	}

	var result ChargeDeletion
	err := s.runInTx(ctx, func(ctx context.Context, charges ledger.Repository, _ student.Repository) error {
		charge, err := charges.GetChargeForUpdate(ctx, studentNo, term)
		if err != nil {
			return err
		}

		n, err := charges.DeletePaymentsForCharge(ctx, studentNo, term)
		if err != nil {
			return err
		}
		if err := charges.DeleteCharge(ctx, charge.ID); err != nil {
			return err
		}

		result.DeletedPaymentCount = n
		return nil
	})
	if err != nil {
		return ChargeDeletion{}, err
	}

	s.metrics.RecordCascadeDelete(ctx, "charge")
	s.logger.InfoContext(ctx, "charge deleted",
		"caller", caller.Subject,
		"student_no", studentNo,
		"term", term,
		"deleted_payments", result.DeletedPaymentCount,
	)
	s.publish(ctx, events.New(events.ChargeDeleted, studentNo, events.ChargeDeletedData{
		StudentNo:           studentNo,
		Term:                term,
		DeletedPaymentCount: result.DeletedPaymentCount,
	}))
	return result, nil
}

// DeleteStudent removes the student, all of their charges and all of their
// payments in one transaction.
func (s *Service) DeleteStudent(ctx context.Context, caller auth.Principal, studentNo string) (StudentDeletion, error) {
	if err := s.policy.Authorize(caller); err != nil {
		s.logger.WarnContext(ctx, "student delete forbidden", "caller", caller.Subject)
		return StudentDeletion{}, err
	}

	studentNo = strings.TrimSpace(studentNo)
	if studentNo == "" {
		return StudentDeletion{}, apperr.Validation("studentNo", "is required")
	}

	var result StudentDeletion
	err := s.runInTx(ctx, func(ctx context.Context, charges ledger.Repository, students student.Repository) error {
		if _, err := students.GetByStudentNo(ctx, studentNo); err != nil {
			return err
		}

		// Charge rows stay locked until commit so no payment lands between
		// the two deletes.
		if _, err := charges.LockChargesForStudent(ctx, studentNo); err != nil {
			return err
		}

		payments, err := charges.DeletePaymentsForStudent(ctx, studentNo)
		if err != nil {
			return err
		}
		deletedCharges, err := charges.DeleteChargesForStudent(ctx, studentNo)
		if err != nil {
			return err
		}

		n, err := students.Delete(ctx, studentNo)
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.NotFound("student " + studentNo)
		}

		result = StudentDeletion{DeletedChargeCount: deletedCharges, DeletedPaymentCount: payments}
		return nil
	})
	if err != nil {
		return StudentDeletion{}, err
	}

	s.metrics.RecordCascadeDelete(ctx, "student")
	s.logger.InfoContext(ctx, "student deleted",
		"caller", caller.Subject,
		"student_no", studentNo,
		"deleted_charges", result.DeletedChargeCount,
		"deleted_payments", result.DeletedPaymentCount,
	)
	s.publish(ctx, events.New(events.StudentDeleted, studentNo, events.StudentDeletedData{
		StudentNo:           studentNo,
		DeletedChargeCount:  result.DeletedChargeCount,
		DeletedPaymentCount: result.DeletedPaymentCount,
	}))
	return result, nil
}

func (s *Service) runInTx(ctx context.Context, fn func(ctx context.Context, charges ledger.Repository, students student.Repository) error) error {
	err := s.db.RunInTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, ledger.NewRepository(tx, s.dbMetrics), student.NewRepository(tx, s.dbMetrics))
	})
	if err != nil {
		s.dbMetrics.Database.RecordRollback(ctx, "admin")
		return apperr.Storage("admin transaction", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, event events.Envelope) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish admin event", "type", event.Type, "error", err)
	}
}
