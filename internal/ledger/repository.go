package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tuition-service/common/metrics"
	"tuition-service/internal/apperr"
	"tuition-service/internal/pagination"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	chargesTable  = "tuition_charges"
	paymentsTable = "payments"
)

type Repository interface {
	// RunInTx runs fn against a repository bound to a single read-committed
	// transaction. Inside an existing transaction it nests via a savepoint.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error

	UpsertCharge(ctx context.Context, charge *Charge) error
	GetCharge(ctx context.Context, studentNo, term string) (*Charge, error)
	GetChargeForUpdate(ctx context.Context, studentNo, term string) (*Charge, error)
	LockChargesForStudent(ctx context.Context, studentNo string) ([]Charge, error)
	GetLatestCharge(ctx context.Context, studentNo string) (*Charge, error)
	UpdateBalance(ctx context.Context, charge *Charge) error
	ListUnpaid(ctx context.Context, req pagination.Request) ([]Charge, int, error)
	DeleteCharge(ctx context.Context, id int64) error
	DeleteChargesForStudent(ctx context.Context, studentNo string) (int, error)

	InsertPayment(ctx context.Context, payment *Payment) error
	ListPayments(ctx context.Context, studentNo string, req pagination.Request) ([]Payment, int, error)
	DeletePayment(ctx context.Context, id uuid.UUID) (*Payment, error)
	DeletePaymentsForCharge(ctx context.Context, studentNo, term string) (int, error)
	DeletePaymentsForStudent(ctx context.Context, studentNo string) (int, error)
}

type repository struct {
	db      bun.IDB
	metrics *metrics.Metrics
}

// NewRepository binds the ledger store to db, which may be a *bun.DB or a
// bun.Tx owned by the caller.
func NewRepository(db bun.IDB, m *metrics.Metrics) Repository {
	return &repository{
		db:      db,
		metrics: m,
	}
}

func (r *repository) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	err := r.db.RunInTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &repository{db: tx, metrics: r.metrics})
	})
	if err != nil {
		r.metrics.Database.RecordRollback(ctx, "ledger")
		return apperr.Storage("ledger transaction", err)
	}
	return nil
}

// UpsertCharge inserts the charge or rebills an existing one for the same
// (student, term). A rebill overwrites the total and resets the balance to
// it, regardless of payments already recorded.
func (r *repository) UpsertCharge(ctx context.Context, charge *Charge) error {
	start := time.Now()
	charge.Balance = charge.Total
	_, err := r.db.NewInsert().
		Model(charge).
		On("CONFLICT (student_no, term) DO UPDATE").
		Set("total = EXCLUDED.total").
		Set("balance = EXCLUDED.total").
		Set("updated_at = current_timestamp").
		Returning("*").
		Exec(ctx)

	r.metrics.Database.RecordQuery(ctx, "upsert", chargesTable, time.Since(start), err)

	if err != nil {
		return apperr.Storage("upsert charge", err)
	}
	return nil
}

func (r *repository) GetCharge(ctx context.Context, studentNo, term string) (*Charge, error) {
	return r.selectCharge(ctx, studentNo, term, false)
}

// GetChargeForUpdate row-locks the charge until the surrounding transaction
// ends. Concurrent payers for the same charge queue behind the lock.
func (r *repository) GetChargeForUpdate(ctx context.Context, studentNo, term string) (*Charge, error) {
	return r.selectCharge(ctx, studentNo, term, true)
}

func (r *repository) selectCharge(ctx context.Context, studentNo, term string, lock bool) (*Charge, error) {
	start := time.Now()
	charge := new(Charge)
	q := r.db.NewSelect().
		Model(charge).
		Where("student_no = ?", studentNo).
		Where("term = ?", term)
	if lock {
		q = q.For("UPDATE")
	}
	err := q.Scan(ctx)

	r.metrics.Database.RecordQuery(ctx, "select", chargesTable, time.Since(start), err)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("charge " + studentNo + "/" + term)
		}
		return nil, apperr.Storage("select charge", err)
	}
	return charge, nil
}

func (r *repository) LockChargesForStudent(ctx context.Context, studentNo string) ([]Charge, error) {
	start := time.Now()
	var charges []Charge
	err := r.db.NewSelect().
		Model(&charges).
		Where("student_no = ?", studentNo).
		OrderExpr("term ASC").
		For("UPDATE").
		Scan(ctx)

	r.metrics.Database.RecordQuery(ctx, "select", chargesTable, time.Since(start), err)

	if err != nil {
		return nil, apperr.Storage("lock charges", err)
	}
	return charges, nil
}

func (r *repository) GetLatestCharge(ctx context.Context, studentNo string) (*Charge, error) {
	start := time.Now()
	charge := new(Charge)
	err := r.db.NewSelect().
		Model(charge).
		Where("student_no = ?", studentNo).
		OrderExpr("term DESC").
		Limit(1).
		Scan(ctx)

	r.metrics.Database.RecordQuery(ctx, "select", chargesTable, time.Since(start), err)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("charge for student " + studentNo)
		}
		return nil, apperr.Storage("select latest charge", err)
	}
	return charge, nil
}

func (r *repository) UpdateBalance(ctx context.Context, charge *Charge) error {
	start := time.Now()
	charge.UpdatedAt = time.Now().UTC()
	_, err := r.db.NewUpdate().
		Model(charge).
		Column("balance", "updated_at").
		WherePK().
		Exec(ctx)

	r.metrics.Database.RecordQuery(ctx, "update", chargesTable, time.Since(start), err)

	if err != nil {
		return apperr.Storage("update balance", err)
	}
	return nil
}

func (r *repository) ListUnpaid(ctx context.Context, req pagination.Request) ([]Charge, int, error) {
	start := time.Now()
	var charges []Charge
	total, err := r.db.NewSelect().
		Model(&charges).
		Where("balance > 0").
		OrderExpr("student_no ASC, term ASC").
		Offset(req.Offset()).
		Limit(req.Limit()).
		ScanAndCount(ctx)

	r.metrics.Database.RecordQuery(ctx, "select", chargesTable, time.Since(start), err)

	if err != nil {
		return nil, 0, apperr.Storage("list unpaid charges", err)
	}
	return charges, total, nil
}

func (r *repository) DeleteCharge(ctx context.Context, id int64) error {
	start := time.Now()
	res, err := r.db.NewDelete().
		Model((*Charge)(nil)).
		Where("id = ?", id).
		Exec(ctx)

	r.metrics.Database.RecordQuery(ctx, "delete", chargesTable, time.Since(start), err)

	n, err := affected(res, err)
	if err != nil {
		return apperr.Storage("delete charge", err)
	}
	if n == 0 {
		return apperr.NotFound("charge")
	}
	return nil
}

func (r *repository) DeleteChargesForStudent(ctx context.Context, studentNo string) (int, error) {
	start := time.Now()
	res, err := r.db.NewDelete().
		Model((*Charge)(nil)).
		Where("student_no = ?", studentNo).
		Exec(ctx)

	r.metrics.Database.RecordQuery(ctx, "delete", chargesTable, time.Since(start), err)

	n, err := affected(res, err)
	if err != nil {
		return 0, apperr.Storage("delete charges", err)
	}
	return n, nil
}

func (r *repository) InsertPayment(ctx context.Context, payment *Payment) error {
	start := time.Now()
	_, err := r.db.NewInsert().Model(payment).Exec(ctx)

	r.metrics.Database.RecordQuery(ctx, "insert", paymentsTable, time.Since(start), err)

	if err != nil {
		return apperr.Storage("insert payment", err)
	}
	return nil
}

func (r *repository) ListPayments(ctx context.Context, studentNo string, req pagination.Request) ([]Payment, int, error) {
	start := time.Now()
	var payments []Payment
	total, err := r.db.NewSelect().
		Model(&payments).
		Where("student_no = ?", studentNo).
		OrderExpr("paid_at DESC, id ASC").
		Offset(req.Offset()).
		Limit(req.Limit()).
		ScanAndCount(ctx)

	r.metrics.Database.RecordQuery(ctx, "select", paymentsTable, time.Since(start), err)

	if err != nil {
		return nil, 0, apperr.Storage("list payments", err)
	}
	return payments, total, nil
}

func (r *repository) DeletePayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	start := time.Now()
	payment := new(Payment)
	_, err := r.db.NewDelete().
		Model(payment).
		Where("id = ?", id).
		Returning("*").
		Exec(ctx)

	r.metrics.Database.RecordQuery(ctx, "delete", paymentsTable, time.Since(start), err)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("payment " + id.String())
		}
		return nil, apperr.Storage("delete payment", err)
	}
	if payment.ID == uuid.Nil {
		return nil, apperr.NotFound("payment " + id.String())
	}
	return payment, nil
}

func (r *repository) DeletePaymentsForCharge(ctx context.Context, studentNo, term string) (int, error) {
	start := time.Now()
	res, err := r.db.NewDelete().
		Model((*Payment)(nil)).
		Where("student_no = ?", studentNo).
		Where("term = ?", term).
		Exec(ctx)

	r.metrics.Database.RecordQuery(ctx, "delete", paymentsTable, time.Since(start), err)

	n, err := affected(res, err)
	if err != nil {
		return 0, apperr.Storage("delete payments", err)
	}
	return n, nil
}

func (r *repository) DeletePaymentsForStudent(ctx context.Context, studentNo string) (int, error) {
	start := time.Now()
	res, err := r.db.NewDelete().
		Model((*Payment)(nil)).
		Where("student_no = ?", studentNo).
		Exec(ctx)

	r.metrics.Database.RecordQuery(ctx, "delete", paymentsTable, time.Since(start), err)

	n, err := affected(res, err)
	if err != nil {
		return 0, apperr.Storage("delete payments", err)
	}
	return n, nil
}

func affected(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
