// Package importer loads tuition charges in bulk from comma separated text.
//
// Each non-blank line is "studentNo,term,total". A first line mentioning
// "studentno" in any case is treated as a header. Malformed rows are counted
// and skipped; accepted rows are written through the ledger in a single
// transaction, so a storage failure discards the whole batch.
package importer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"tuition-service/internal/apperr"
	"tuition-service/internal/ledger"
	"tuition-service/internal/metrics"

	"github.com/shopspring/decimal"
)

const maxLineBytes = 64 * 1024

var errMalformed = errors.New("malformed row")

// Ledger is the slice of the ledger engine the importer needs.
type Ledger interface {
	RunBatch(ctx context.Context, fn func(ctx context.Context, w ledger.ChargeWriter) error) error
}

type Result struct {
	SuccessCount int `json:"successCount"`
	FailCount    int `json:"failCount"`
}

// Row is one parsed charge line.
type Row struct {
	StudentNo string
	Term      string
	Total     decimal.Decimal
}

type Importer struct {
	ledger  Ledger
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(l Ledger, m *metrics.Metrics, logger *slog.Logger) *Importer {
	return &Importer{
		ledger:  l,
		metrics: m,
		logger:  logger,
	}
}

// Import streams r line by line and upserts every well-formed row.
func (i *Importer) Import(ctx context.Context, r io.Reader) (Result, error) {
	var result Result

	err := i.ledger.RunBatch(ctx, func(ctx context.Context, w ledger.ChargeWriter) error {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()

			if strings.TrimSpace(line) == "" {
				continue
			}
			if lineNo == 1 && IsHeader(line) {
				continue
			}

			row, err := ParseLine(line)
			if err != nil {
				i.logger.DebugContext(ctx, "import row rejected", "line", lineNo, "error", err)
				result.FailCount++
				continue
			}

			if _, err := w.UpsertCharge(ctx, row.StudentNo, row.Term, row.Total); err != nil {
				if errors.Is(err, apperr.ErrValidation) {
					i.logger.DebugContext(ctx, "import row rejected", "line", lineNo, "error", err)
					result.FailCount++
					continue
				}
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
			result.SuccessCount++
		}
		if err := scanner.Err(); err != nil {
			return apperr.Validation("file", fmt.Sprintf("unreadable after line %d: %v", lineNo, err))
		}
		return nil
	})
	if err != nil {
		i.logger.ErrorContext(ctx, "charge import aborted", "error", err)
		return Result{}, err
	}

	i.metrics.RecordImport(ctx, result.SuccessCount, result.FailCount)
	i.logger.InfoContext(ctx, "charge import finished", "success", result.SuccessCount, "fail", result.FailCount)
	return result, nil
}

// IsHeader reports whether line looks like the column header row.
func IsHeader(line string) bool {
	return strings.Contains(strings.ToLower(line), "studentno")
}

// ParseLine splits a "studentNo,term,total" line. Extra fields are ignored.
func ParseLine(line string) (Row, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 3 {
		return Row{}, fmt.Errorf("%w: want 3 fields, got %d", errMalformed, len(fields))
	}
	for k := range fields {
		fields[k] = strings.TrimSpace(fields[k])
	}

	if fields[0] == "" || fields[1] == "" {
		return Row{}, fmt.Errorf("%w: studentNo and term are required", errMalformed)
	}

	total, err := decimal.NewFromString(fields[2])
	if err != nil {
		return Row{}, fmt.Errorf("%w: total %q is not a number", errMalformed, fields[2])
	}
	if !total.IsPositive() {
		return Row{}, fmt.Errorf("%w: total must be greater than zero", errMalformed)
	}
	if total.GreaterThanOrEqual(ledger.MaxAmount) {
		return Row{}, fmt.Errorf("%w: total %s is out of range", errMalformed, fields[2])
	}

	return Row{StudentNo: fields[0], Term: fields[1], Total: total}, nil
}
