package importer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"tuition-service/internal/apperr"
	"tuition-service/internal/ledger"
	"tuition-service/internal/metrics"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	rows     []Row
	failWith error
	batches  int
}

func (f *fakeLedger) RunBatch(ctx context.Context, fn func(ctx context.Context, w ledger.ChargeWriter) error) error {
	f.batches++
	return fn(ctx, f)
}

func (f *fakeLedger) UpsertCharge(_ context.Context, studentNo, term string, total decimal.Decimal) (*ledger.Charge, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.rows = append(f.rows, Row{StudentNo: studentNo, Term: term, Total: total})
	return &ledger.Charge{StudentNo: studentNo, Term: term, Total: total, Balance: total}, nil
}

func newTestImporter(l Ledger) *Importer {
	return New(l, metrics.NewMock(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Row
		wantErr bool
	}{
		{name: "plain", line: "S1,2024F,1000", want: Row{"S1", "2024F", decimal.RequireFromString("1000")}},
		{name: "trims fields", line: "  S2 , 2024F ,  750.25 ", want: Row{"S2", "2024F", decimal.RequireFromString("750.25")}},
		{name: "extra fields ignored", line: "S3,2025S,10,ignored", want: Row{"S3", "2025S", decimal.RequireFromString("10")}},
		{name: "too few fields", line: "S1,2024F", wantErr: true},
		{name: "not a number", line: "S1,2024F,abc", wantErr: true},
		{name: "zero total", line: "S1,2024F,0", wantErr: true},
		{name: "negative total", line: "S1,2024F,-3", wantErr: true},
		{name: "empty student", line: ",2024F,10", wantErr: true},
		{name: "total beyond column range", line: "S1,2024F,1e20", wantErr: true},
		{name: "total at exclusive bound", line: "S1,2024F,10000000000000000", wantErr: true},
		{name: "largest storable total", line: "S1,2024F,9999999999999999.99", want: Row{"S1", "2024F", decimal.RequireFromString("9999999999999999.99")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, err := ParseLine(tt.line)
			if tt.wantErr {
				assert.ErrorIs(t, err, errMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.StudentNo, row.StudentNo)
			assert.Equal(t, tt.want.Term, row.Term)
			assert.True(t, tt.want.Total.Equal(row.Total))
		})
	}
}

func TestIsHeader(t *testing.T) {
	assert.True(t, IsHeader("StudentNo,Term,Total"))
	assert.True(t, IsHeader("studentno;whatever"))
	assert.False(t, IsHeader("S1,2024F,1000"))
}

func TestImport(t *testing.T) {
	ctx := context.Background()

	t.Run("header, blank lines and bad rows", func(t *testing.T) {
		l := &fakeLedger{}
		input := "StudentNo,Term,Total\nS1,2024F,1000\n\n   \nS2,2024F,abc\nS3,2024F\nS4,2025S, 20.5\n"

		result, err := newTestImporter(l).Import(ctx, strings.NewReader(input))
		require.NoError(t, err)
		assert.Equal(t, Result{SuccessCount: 2, FailCount: 2}, result)
		assert.Equal(t, 1, l.batches)
		require.Len(t, l.rows, 2)
		assert.Equal(t, "S1", l.rows[0].StudentNo)
		assert.Equal(t, "S4", l.rows[1].StudentNo)
	})

	t.Run("header only detected on first line", func(t *testing.T) {
		l := &fakeLedger{}
		input := "S1,2024F,1000\nstudentNo,Term,Total\n"

		result, err := newTestImporter(l).Import(ctx, strings.NewReader(input))
		require.NoError(t, err)
		assert.Equal(t, Result{SuccessCount: 1, FailCount: 1}, result)
	})

	t.Run("no header", func(t *testing.T) {
		l := &fakeLedger{}
		result, err := newTestImporter(l).Import(ctx, strings.NewReader("S1,2024F,1\r\nS2,2024F,2"))
		require.NoError(t, err)
		assert.Equal(t, 2, result.SuccessCount)
	})

	t.Run("validation rejection counts as failure", func(t *testing.T) {
		l := &fakeLedger{failWith: apperr.Validation("total", "must be greater than zero")}
		result, err := newTestImporter(l).Import(ctx, strings.NewReader("S1,2024F,0.001\n"))
		require.NoError(t, err)
		assert.Equal(t, Result{SuccessCount: 0, FailCount: 1}, result)
	})

	t.Run("out of range total counts as failure", func(t *testing.T) {
		l := &fakeLedger{}
		result, err := newTestImporter(l).Import(ctx, strings.NewReader("S1,2024F,1e20\nS2,2024F,10\n"))
		require.NoError(t, err)
		assert.Equal(t, Result{SuccessCount: 1, FailCount: 1}, result)
		require.Len(t, l.rows, 1)
		assert.Equal(t, "S2", l.rows[0].StudentNo)
	})

	t.Run("storage failure aborts", func(t *testing.T) {
		boom := apperr.Storage("upsert charge", errors.New("connection reset"))
		l := &fakeLedger{failWith: boom}
		result, err := newTestImporter(l).Import(ctx, strings.NewReader("S1,2024F,10\nS2,2024F,10\n"))
		require.Error(t, err)
		assert.ErrorIs(t, err, apperr.ErrStorage)
		assert.Equal(t, Result{}, result)
	})

	t.Run("oversized line", func(t *testing.T) {
		l := &fakeLedger{}
		input := "S1,2024F," + strings.Repeat("9", maxLineBytes+1)
		_, err := newTestImporter(l).Import(ctx, strings.NewReader(input))
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})
}
