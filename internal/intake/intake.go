// Package intake applies bank payment notifications to the ledger. It is
// transport independent; the NATS and Kafka consumers feed it raw messages.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"tuition-service/internal/apperr"
	"tuition-service/internal/ledger"
	"tuition-service/internal/metrics"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusApplied   Status = "applied"
	StatusRejected  Status = "rejected"
	StatusMalformed Status = "malformed"
	StatusFailed    Status = "failed"
)

// BankPayment is the notification a bank sends when it collects tuition.
type BankPayment struct {
	StudentNo string          `json:"studentNo"`
	Term      string          `json:"term"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

// Reply is the outcome of one notification.
type Reply struct {
	Status  Status          `json:"status"`
	Receipt *ledger.Receipt `json:"receipt,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// PaymentApplier is satisfied by *ledger.Engine.
type PaymentApplier interface {
	ApplyPayment(ctx context.Context, studentNo, term string, amount decimal.Decimal) (*ledger.Receipt, error)
}

type Processor struct {
	applier PaymentApplier
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewProcessor(applier PaymentApplier, logger *slog.Logger, m *metrics.Metrics) *Processor {
	return &Processor{
		applier: applier,
		logger:  logger,
		metrics: m,
	}
}

// Process decodes and applies one notification. Business rejections come back
// as StatusRejected; only StatusFailed carries a non-nil error.
func (p *Processor) Process(ctx context.Context, data []byte) (Reply, error) {
	var payment BankPayment
	if err := json.Unmarshal(data, &payment); err != nil {
		p.logger.ErrorContext(ctx, "failed to unmarshal bank payment", "error", err)
		p.metrics.RecordBankPayment(ctx, string(StatusMalformed))
		return Reply{Status: StatusMalformed, Error: err.Error()}, nil
	}

	receipt, err := p.applier.ApplyPayment(ctx, payment.StudentNo, payment.Term, payment.Amount)
	switch {
	case err == nil:
		p.metrics.RecordBankPayment(ctx, string(StatusApplied))
		p.logger.InfoContext(ctx, "bank payment applied",
			"student_no", payment.StudentNo,
			"term", payment.Term,
			"reference", payment.Reference,
			"payment_id", receipt.PaymentID,
		)
		return Reply{Status: StatusApplied, Receipt: receipt}, nil

	case apperr.IsClassified(err) && !errors.Is(err, apperr.ErrStorage):
		p.metrics.RecordBankPayment(ctx, string(StatusRejected))
		p.logger.WarnContext(ctx, "bank payment rejected",
			"student_no", payment.StudentNo,
			"term", payment.Term,
			"reference", payment.Reference,
			"error", err,
		)
		return Reply{Status: StatusRejected, Error: err.Error()}, nil

	default:
		p.metrics.RecordBankPayment(ctx, string(StatusFailed))
		p.logger.ErrorContext(ctx, "bank payment failed", "student_no", payment.StudentNo, "reference", payment.Reference, "error", err)
		return Reply{Status: StatusFailed, Error: "internal error"}, err
	}
}
