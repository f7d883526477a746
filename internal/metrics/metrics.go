package metrics

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	chargesRebilled  metric.Int64Counter
	paymentsApplied  metric.Int64Counter
	paymentsRejected metric.Int64Counter
	amountApplied    metric.Float64Counter
	paymentsDeleted  metric.Int64Counter
	importRows       metric.Int64Counter
	studentsCreated  metric.Int64Counter
	cascadeDeletes   metric.Int64Counter
	bankPayments     metric.Int64Counter
}

func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.chargesRebilled, err = meter.Int64Counter(
		"tuition.charges.rebilled",
		metric.WithDescription("Total number of charges created or rebilled"),
		metric.WithUnit("{charge}"),
	)
	if err != nil {
		return nil, err
	}

	m.paymentsApplied, err = meter.Int64Counter(
		"tuition.payments.applied",
		metric.WithDescription("Total number of payments applied to a charge"),
		metric.WithUnit("{payment}"),
	)
	if err != nil {
		return nil, err
	}

	m.paymentsRejected, err = meter.Int64Counter(
		"tuition.payments.rejected",
		metric.WithDescription("Total number of payments rejected"),
		metric.WithUnit("{payment}"),
	)
	if err != nil {
		return nil, err
	}

	m.amountApplied, err = meter.Float64Counter(
		"tuition.payments.amount_applied",
		metric.WithDescription("Sum of money applied to charges"),
		metric.WithUnit("{currency}"),
	)
	if err != nil {
		return nil, err
	}

	m.paymentsDeleted, err = meter.Int64Counter(
		"tuition.payments.deleted",
		metric.WithDescription("Total number of payment records deleted"),
		metric.WithUnit("{payment}"),
	)
	if err != nil {
		return nil, err
	}

	m.importRows, err = meter.Int64Counter(
		"tuition.import.rows",
		metric.WithDescription("Total number of batch import rows processed"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	m.studentsCreated, err = meter.Int64Counter(
		"tuition.students.created",
		metric.WithDescription("Total number of students registered"),
		metric.WithUnit("{student}"),
	)
	if err != nil {
		return nil, err
	}

	m.cascadeDeletes, err = meter.Int64Counter(
		"tuition.admin.cascade_deletes",
		metric.WithDescription("Total number of administrative cascading deletes"),
		metric.WithUnit("{delete}"),
	)
	if err != nil {
		return nil, err
	}

	m.bankPayments, err = meter.Int64Counter(
		"tuition.bank.payments_received",
		metric.WithDescription("Total number of bank payment messages received"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordChargeRebilled(ctx context.Context, n int) {
	if m != nil && m.chargesRebilled != nil {
		m.chargesRebilled.Add(ctx, int64(n))
	}
}

func (m *Metrics) RecordPaymentApplied(ctx context.Context, amount decimal.Decimal) {
	if m == nil || m.paymentsApplied == nil {
		return
	}
	m.paymentsApplied.Add(ctx, 1)
	if m.amountApplied != nil {
		m.amountApplied.Add(ctx, amount.InexactFloat64())
	}
}

func (m *Metrics) RecordPaymentRejected(ctx context.Context, reason string) {
	if m != nil && m.paymentsRejected != nil {
		m.paymentsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *Metrics) RecordPaymentDeleted(ctx context.Context) {
	if m != nil && m.paymentsDeleted != nil {
		m.paymentsDeleted.Add(ctx, 1)
	}
}

func (m *Metrics) RecordImport(ctx context.Context, succeeded, failed int) {
	if m == nil || m.importRows == nil {
		return
	}
	m.importRows.Add(ctx, int64(succeeded), metric.WithAttributes(attribute.String("status", "success")))
	m.importRows.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("status", "fail")))
}

func (m *Metrics) RecordStudentCreated(ctx context.Context) {
	if m != nil && m.studentsCreated != nil {
		m.studentsCreated.Add(ctx, 1)
	}
}

func (m *Metrics) RecordCascadeDelete(ctx context.Context, kind string) {
	if m != nil && m.cascadeDeletes != nil {
		m.cascadeDeletes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *Metrics) RecordBankPayment(ctx context.Context, status string) {
	if m != nil && m.bankPayments != nil {
		m.bankPayments.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

// NewMock creates a no-op Metrics instance for testing
// The returned Metrics will safely ignore all Record* calls
func NewMock() *Metrics {
	return &Metrics{}
}
