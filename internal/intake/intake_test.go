package intake_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"

	"tuition-service/internal/apperr"
	"tuition-service/internal/intake"
	"tuition-service/internal/ledger"
	"tuition-service/internal/metrics"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubApplier struct {
	receipt *ledger.Receipt
	err     error
	calls   int
	last    decimal.Decimal
}

func (s *stubApplier) ApplyPayment(_ context.Context, _, _ string, amount decimal.Decimal) (*ledger.Receipt, error) {
	s.calls++
	s.last = amount
	return s.receipt, s.err
}

func encode(t *testing.T, p intake.BankPayment) []byte {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return data
}

func TestProcessor(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	amount := decimal.NewFromInt(250)

	t.Run("Applied", func(t *testing.T) {
		receipt := &ledger.Receipt{PaymentID: uuid.New(), StudentNo: "S1", Term: "2024F", Applied: amount}
		applier := &stubApplier{receipt: receipt}

		reply, err := intake.NewProcessor(applier, logger, metrics.NewMock()).
			Process(ctx, encode(t, intake.BankPayment{StudentNo: "S1", Term: "2024F", Amount: amount, Reference: "B-1"}))
		require.NoError(t, err)
		assert.Equal(t, intake.StatusApplied, reply.Status)
		assert.Equal(t, receipt, reply.Receipt)
		assert.Equal(t, 1, applier.calls)
		assert.True(t, amount.Equal(applier.last))
	})

	t.Run("Rejected", func(t *testing.T) {
		applier := &stubApplier{err: apperr.ErrAlreadySettled}

		reply, err := intake.NewProcessor(applier, logger, metrics.NewMock()).
			Process(ctx, encode(t, intake.BankPayment{StudentNo: "S1", Term: "2024F", Amount: amount}))
		require.NoError(t, err)
		assert.Equal(t, intake.StatusRejected, reply.Status)
		assert.Contains(t, reply.Error, "settled")
	})

	t.Run("StorageFailure", func(t *testing.T) {
		applier := &stubApplier{err: apperr.Storage("insert payment", errors.New("connection reset"))}

		reply, err := intake.NewProcessor(applier, logger, metrics.NewMock()).
			Process(ctx, encode(t, intake.BankPayment{StudentNo: "S1", Term: "2024F", Amount: amount}))
		assert.ErrorIs(t, err, apperr.ErrStorage)
		assert.Equal(t, intake.StatusFailed, reply.Status)
		assert.Equal(t, "internal error", reply.Error)
	})

	t.Run("Malformed", func(t *testing.T) {
		applier := &stubApplier{}

		reply, err := intake.NewProcessor(applier, logger, metrics.NewMock()).Process(ctx, []byte("{nope"))
		require.NoError(t, err)
		assert.Equal(t, intake.StatusMalformed, reply.Status)
		assert.Zero(t, applier.calls)
	})
}
