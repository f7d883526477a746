package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"tuition-service/internal/apperr"
	"tuition-service/internal/events"
	"tuition-service/internal/metrics"
	"tuition-service/internal/pagination"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept for every monetary amount.
const Scale = 2

// MaxKeyLength bounds studentNo and term, in characters.
const MaxKeyLength = 32

// MaxAmount is the exclusive upper bound for totals and payments; the
// numeric(18,2) columns hold at most 16 integer digits.
var MaxAmount = decimal.New(1, 18-Scale)

// ChargeWriter creates or rebills charges. The Engine writes through its own
// connection; RunBatch hands callers a writer bound to one transaction.
type ChargeWriter interface {
	UpsertCharge(ctx context.Context, studentNo, term string, total decimal.Decimal) (*Charge, error)
}

// Engine owns every balance mutation in the system.
type Engine struct {
	repo      Repository
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Engine)

// WithClock overrides the time source used to stamp payments.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(repo Repository, publisher events.Publisher, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	e := &Engine{
		repo:      repo,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UpsertCharge creates the (studentNo, term) charge or rebills it. Rebilling
// resets the balance to the new total even if payments were already applied.
func (e *Engine) UpsertCharge(ctx context.Context, studentNo, term string, total decimal.Decimal) (*Charge, error) {
	charge, err := upsert(ctx, e.repo, studentNo, term, total)
	if err != nil {
		return nil, err
	}
	e.afterRebill(ctx, charge)
	return charge, nil
}

// RunBatch runs fn inside one transaction. Every charge written through the
// supplied writer commits or rolls back together, and events are published
// only once the batch has committed.
func (e *Engine) RunBatch(ctx context.Context, fn func(ctx context.Context, w ChargeWriter) error) error {
	var written []*Charge
	err := e.repo.RunInTx(ctx, func(ctx context.Context, tx Repository) error {
		return fn(ctx, &batchWriter{repo: tx, written: &written})
	})
	if err != nil {
		return err
	}
	for _, c := range written {
		e.afterRebill(ctx, c)
	}
	return nil
}

type batchWriter struct {
	repo    Repository
	written *[]*Charge
}

func (w *batchWriter) UpsertCharge(ctx context.Context, studentNo, term string, total decimal.Decimal) (*Charge, error) {
	charge, err := upsert(ctx, w.repo, studentNo, term, total)
	if err != nil {
		return nil, err
	}
	*w.written = append(*w.written, charge)
	return charge, nil
}

func upsert(ctx context.Context, repo Repository, studentNo, term string, total decimal.Decimal) (*Charge, error) {
	studentNo, term, err := chargeKey(studentNo, term)
	if err != nil {
		return nil, err
	}
	total, err = money("total", total)
	if err != nil {
		return nil, err
	}

	charge := &Charge{StudentNo: studentNo, Term: term, Total: total}
	if err := repo.UpsertCharge(ctx, charge); err != nil {
		return nil, err
	}
	return charge, nil
}

func (e *Engine) afterRebill(ctx context.Context, c *Charge) {
	e.metrics.RecordChargeRebilled(ctx, 1)
	e.logger.InfoContext(ctx, "charge rebilled", "student_no", c.StudentNo, "term", c.Term, "total", c.Total.StringFixed(Scale))
	e.publish(ctx, events.New(events.ChargeRebilled, c.StudentNo, events.ChargeRebilledData{
		StudentNo: c.StudentNo,
		Term:      c.Term,
		Total:     c.Total,
	}))
}

// ApplyPayment records a payment against the charge and lowers its balance.
// The requested amount is clamped to the outstanding balance; a charge with
// nothing owed rejects the payment with ErrAlreadySettled. The charge row is
// locked for the duration, so concurrent payers never drive the balance
// below zero.
func (e *Engine) ApplyPayment(ctx context.Context, studentNo, term string, amount decimal.Decimal) (*Receipt, error) {
	studentNo, term, err := chargeKey(studentNo, term)
	if err != nil {
		return nil, err
	}
	amount, err = money("amount", amount)
	if err != nil {
		return nil, err
	}

	var receipt *Receipt
	err = e.repo.RunInTx(ctx, func(ctx context.Context, tx Repository) error {
		charge, err := tx.GetChargeForUpdate(ctx, studentNo, term)
		if err != nil {
			return err
		}
		if charge.Settled() {
			return fmt.Errorf("charge %s/%s: %w", studentNo, term, apperr.ErrAlreadySettled)
		}

		applied := decimal.Min(amount, charge.Balance)
		payment := &Payment{
			ID:        uuid.New(),
			StudentNo: studentNo,
			Term:      term,
			Amount:    applied,
			PaidAt:    e.now(),
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}

		charge.Balance = charge.Balance.Sub(applied)
		if err := tx.UpdateBalance(ctx, charge); err != nil {
			return err
		}

		receipt = &Receipt{
			PaymentID:        payment.ID,
			StudentNo:        studentNo,
			Term:             term,
			Total:            charge.Total,
			Applied:          applied,
			RemainingBalance: charge.Balance,
			PaidAt:           payment.PaidAt,
		}
		return nil
	})
	if err != nil {
		e.recordRejection(ctx, studentNo, term, err)
		return nil, err
	}

	e.metrics.RecordPaymentApplied(ctx, receipt.Applied)
	e.logger.InfoContext(ctx, "payment applied",
		"payment_id", receipt.PaymentID,
		"student_no", studentNo,
		"term", term,
		"requested", amount.StringFixed(Scale),
		"applied", receipt.Applied.StringFixed(Scale),
		"remaining", receipt.RemainingBalance.StringFixed(Scale),
	)
	e.publish(ctx, events.New(events.PaymentApplied, studentNo, events.PaymentAppliedData{
		PaymentID:        receipt.PaymentID,
		StudentNo:        studentNo,
		Term:             term,
		Amount:           receipt.Applied,
		RemainingBalance: receipt.RemainingBalance,
		PaidAt:           receipt.PaidAt,
	}))
	return receipt, nil
}

func (e *Engine) recordRejection(ctx context.Context, studentNo, term string, err error) {
	switch {
	case errors.Is(err, apperr.ErrAlreadySettled):
		e.metrics.RecordPaymentRejected(ctx, "settled")
		e.logger.WarnContext(ctx, "payment rejected", "student_no", studentNo, "term", term, "reason", "settled")
	case errors.Is(err, apperr.ErrNotFound):
		e.metrics.RecordPaymentRejected(ctx, "not_found")
		e.logger.WarnContext(ctx, "payment rejected", "student_no", studentNo, "term", term, "reason", "not_found")
	default:
		e.metrics.RecordPaymentRejected(ctx, "error")
		e.logger.ErrorContext(ctx, "payment failed", "student_no", studentNo, "term", term, "error", err)
	}
}

// DeletePayment removes a payment record. The charge balance is not restored.
func (e *Engine) DeletePayment(ctx context.Context, paymentID string) error {
	id, err := uuid.Parse(strings.TrimSpace(paymentID))
	if err != nil {
		return apperr.Validation("paymentId", "must be a UUID")
	}

	payment, err := e.repo.DeletePayment(ctx, id)
	if err != nil {
		return err
	}

	e.metrics.RecordPaymentDeleted(ctx)
	e.logger.InfoContext(ctx, "payment deleted", "payment_id", id, "student_no", payment.StudentNo, "term", payment.Term)
	e.publish(ctx, events.New(events.PaymentDeleted, payment.StudentNo, events.PaymentDeletedData{PaymentID: id}))
	return nil
}

func (e *Engine) GetCharge(ctx context.Context, studentNo, term string) (*Charge, error) {
	studentNo, term, err := chargeKey(studentNo, term)
	if err != nil {
		return nil, err
	}
	return e.repo.GetCharge(ctx, studentNo, term)
}

// GetLatestChargeForStudent returns the charge with the greatest term, by
// plain string ordering.
func (e *Engine) GetLatestChargeForStudent(ctx context.Context, studentNo string) (*Charge, error) {
	studentNo = strings.TrimSpace(studentNo)
	if studentNo == "" {
		return nil, apperr.Validation("studentNo", "is required")
	}
	return e.repo.GetLatestCharge(ctx, studentNo)
}

func (e *Engine) ListUnpaidCharges(ctx context.Context, page, pageSize int) (pagination.Page[Charge], error) {
	req := pagination.New(page, pageSize)
	items, total, err := e.repo.ListUnpaid(ctx, req)
	if err != nil {
		return pagination.Page[Charge]{}, err
	}
	return pagination.NewPage(req, total, items), nil
}

func (e *Engine) ListPayments(ctx context.Context, studentNo string, page, pageSize int) (pagination.Page[Payment], error) {
	studentNo = strings.TrimSpace(studentNo)
	if studentNo == "" {
		return pagination.Page[Payment]{}, apperr.Validation("studentNo", "is required")
	}
	req := pagination.New(page, pageSize)
	items, total, err := e.repo.ListPayments(ctx, studentNo, req)
	if err != nil {
		return pagination.Page[Payment]{}, err
	}
	return pagination.NewPage(req, total, items), nil
}

// Publish forwards an event for work that committed outside the Engine, such
// as administrative deletes.
func (e *Engine) Publish(ctx context.Context, event events.Envelope) {
	e.publish(ctx, event)
}

func (e *Engine) publish(ctx context.Context, event events.Envelope) {
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "failed to publish ledger event", "type", event.Type, "key", event.Key, "error", err)
	}
}

func chargeKey(studentNo, term string) (string, string, error) {
	studentNo = strings.TrimSpace(studentNo)
	term = strings.TrimSpace(term)
	if studentNo == "" {
		return "", "", apperr.Validation("studentNo", "is required")
	}
	if term == "" {
		return "", "", apperr.Validation("term", "is required")
	}
	if utf8.RuneCountInString(studentNo) > MaxKeyLength {
		return "", "", apperr.Validation("studentNo", fmt.Sprintf("must be at most %d characters", MaxKeyLength))
	}
	if utf8.RuneCountInString(term) > MaxKeyLength {
		return "", "", apperr.Validation("term", fmt.Sprintf("must be at most %d characters", MaxKeyLength))
	}
	return studentNo, term, nil
}

// money rounds d to Scale and checks it lies in (0, MaxAmount).
func money(field string, d decimal.Decimal) (decimal.Decimal, error) {
	d = d.Round(Scale)
	if !d.IsPositive() {
		return decimal.Zero, apperr.Validation(field, "must be greater than zero")
	}
	if d.GreaterThanOrEqual(MaxAmount) {
		return decimal.Zero, apperr.Validation(field, "must be less than "+MaxAmount.String())
	}
	return d, nil
}
