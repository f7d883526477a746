package ledger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	commonmetrics "tuition-service/common/metrics"
	"tuition-service/internal/apperr"
	"tuition-service/internal/events"
	"tuition-service/internal/ledger"
	"tuition-service/internal/metrics"
	"tuition-service/internal/pagination"
	"tuition-service/testing/testdb"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestLedgerEngine_Shared(t *testing.T) {
	pgContainer := testdb.SetupSharedPostgres(t)
	defer pgContainer.Cleanup(t)

	pgContainer.RunMigrations(t, (*ledger.Charge)(nil), (*ledger.Payment)(nil))

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	repo := ledger.NewRepository(pgContainer.DB, commonmetrics.NewMock())
	recorder := events.NewRecorder()
	engine := ledger.NewEngine(repo, recorder, metrics.NewMock(), logger)

	reset := func(t *testing.T) {
		testdb.CleanupTables(t, pgContainer.DB, "payments", "tuition_charges")
	}

	countPayments := func(t *testing.T, studentNo, term string) int {
		return testdb.Count(t, pgContainer.DB, (*ledger.Payment)(nil), "student_no = ? AND term = ?", studentNo, term)
	}

	t.Run("UpsertCharge_CreatesWithFullBalance", func(t *testing.T) {
		reset(t)

		charge, err := engine.UpsertCharge(ctx, "S1", "2024F", dec("1000"))
		require.NoError(t, err)
		assert.NotZero(t, charge.ID)
		assert.True(t, dec("1000").Equal(charge.Total))
		assert.True(t, dec("1000").Equal(charge.Balance))

		stored, err := engine.GetCharge(ctx, "S1", "2024F")
		require.NoError(t, err)
		assert.True(t, dec("1000").Equal(stored.Balance))
	})

	t.Run("UpsertCharge_RebillResetsBalance", func(t *testing.T) {
		reset(t)

		_, err := engine.UpsertCharge(ctx, "S1", "2024F", dec("1000"))
		require.NoError(t, err)
		_, err = engine.ApplyPayment(ctx, "S1", "2024F", dec("400"))
		require.NoError(t, err)

		charge, err := engine.UpsertCharge(ctx, "S1", "2024F", dec("1200"))
		require.NoError(t, err)
		assert.True(t, dec("1200").Equal(charge.Total))
		assert.True(t, dec("1200").Equal(charge.Balance))

		// The earlier payment is still on record.
		assert.Equal(t, 1, countPayments(t, "S1", "2024F"))

		var rows int
		rows, err = pgContainer.DB.NewSelect().Model((*ledger.Charge)(nil)).Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rows)
	})

	t.Run("UpsertCharge_RejectsNonPositiveTotal", func(t *testing.T) {
		reset(t)

		for _, total := range []string{"0", "-5", "0.001"} {
			_, err := engine.UpsertCharge(ctx, "S1", "2024F", dec(total))
			require.Error(t, err, total)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		}

		_, err := engine.UpsertCharge(ctx, " ", "2024F", dec("10"))
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("UpsertCharge_SameTotalTwiceIsIdempotent", func(t *testing.T) {
		reset(t)

		_, err := engine.UpsertCharge(ctx, "S1", "2024F", dec("1000"))
		require.NoError(t, err)
		charge, err := engine.UpsertCharge(ctx, "S1", "2024F", dec("1000"))
		require.NoError(t, err)
		assert.True(t, dec("1000").Equal(charge.Total))
		assert.True(t, dec("1000").Equal(charge.Balance))

		stored, err := engine.GetCharge(ctx, "S1", "2024F")
		require.NoError(t, err)
		assert.True(t, dec("1000").Equal(stored.Total))
		assert.True(t, dec("1000").Equal(stored.Balance))
		assert.Equal(t, 1, testdb.Count(t, pgContainer.DB, (*ledger.Charge)(nil), "student_no = ? AND term = ?", "S1", "2024F"))
	})

	t.Run("UpsertCharge_RejectsTotalBeyondColumnRange", func(t *testing.T) {
		reset(t)

		for _, total := range []string{"1e16", "1e20", "9999999999999999.999"} {
			_, err := engine.UpsertCharge(ctx, "S1", "2024F", dec(total))
			require.Error(t, err, total)
			assert.ErrorIs(t, err, apperr.ErrValidation, total)
		}
		assert.Equal(t, 0, testdb.Count(t, pgContainer.DB, (*ledger.Charge)(nil), "student_no = ?", "S1"))

		charge, err := engine.UpsertCharge(ctx, "S1", "2024F", dec("9999999999999999.99"))
		require.NoError(t, err)
		assert.True(t, dec("9999999999999999.99").Equal(charge.Balance))

		_, err = engine.ApplyPayment(ctx, "S1", "2024F", dec("1e20"))
		assert.ErrorIs(t, err, apperr.ErrValidation)
		assert.Equal(t, 0, countPayments(t, "S1", "2024F"))
	})

	t.Run("UpsertCharge_RejectsOverlongKeys", func(t *testing.T) {
		reset(t)

		long := strings.Repeat("x", ledger.MaxKeyLength+8)

		_, err := engine.UpsertCharge(ctx, long, "2024F", dec("10"))
		assert.ErrorIs(t, err, apperr.ErrValidation)
		_, err = engine.UpsertCharge(ctx, "S1", long, dec("10"))
		assert.ErrorIs(t, err, apperr.ErrValidation)
		_, err = engine.ApplyPayment(ctx, long, "2024F", dec("10"))
		assert.ErrorIs(t, err, apperr.ErrValidation)

		_, err = engine.UpsertCharge(ctx, strings.Repeat("é", ledger.MaxKeyLength), "2024F", dec("10"))
		require.NoError(t, err)
	})

	t.Run("ApplyPayment_PartialThenClampedThenSettled", func(t *testing.T) {
		reset(t)

		_, err := engine.UpsertCharge(ctx, "S1", "2024F", dec("1000"))
		require.NoError(t, err)

		receipt, err := engine.ApplyPayment(ctx, "S1", "2024F", dec("300"))
		require.NoError(t, err)
		assert.True(t, dec("300").Equal(receipt.Applied))
		assert.True(t, dec("700").Equal(receipt.RemainingBalance))
		assert.True(t, dec("1000").Equal(receipt.Total))

		receipt, err = engine.ApplyPayment(ctx, "S1", "2024F", dec("900"))
		require.NoError(t, err)
		assert.True(t, dec("700").Equal(receipt.Applied), "overpayment is clamped to the balance")
		assert.True(t, receipt.RemainingBalance.IsZero())

		_, err = engine.ApplyPayment(ctx, "S1", "2024F", dec("50"))
		assert.ErrorIs(t, err, apperr.ErrAlreadySettled)

		payments, err := engine.ListPayments(ctx, "S1", 1, 10)
		require.NoError(t, err)
		require.Len(t, payments.Items, 2)
		sum := decimal.Zero
		for _, p := range payments.Items {
			sum = sum.Add(p.Amount)
		}
		assert.True(t, dec("1000").Equal(sum))
	})

	t.Run("ApplyPayment_UnknownCharge", func(t *testing.T) {
		reset(t)

		_, err := engine.ApplyPayment(ctx, "S9", "2024F", dec("10"))
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("ApplyPayment_RejectsNonPositiveAmount", func(t *testing.T) {
		reset(t)

		_, err := engine.UpsertCharge(ctx, "S1", "2024F", dec("100"))
		require.NoError(t, err)

		_, err = engine.ApplyPayment(ctx, "S1", "2024F", dec("0"))
		assert.ErrorIs(t, err, apperr.ErrValidation)
		_, err = engine.ApplyPayment(ctx, "S1", "2024F", dec("-1"))
		assert.ErrorIs(t, err, apperr.ErrValidation)
		assert.Equal(t, 0, countPayments(t, "S1", "2024F"))
	})

	t.Run("ApplyPayment_ConcurrentPayersNeverOverdraw", func(t *testing.T) {
		reset(t)

		_, err := engine.UpsertCharge(ctx, "S1", "2024F", dec("100"))
		require.NoError(t, err)

		const payers = 25
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			ok       int
			settled  int
			failures []error
		)
		for i := 0; i < payers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := engine.ApplyPayment(ctx, "S1", "2024F", dec("10"))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, apperr.ErrAlreadySettled):
					settled++
				default:
					failures = append(failures, err)
				}
			}()
		}
		wg.Wait()

		require.Empty(t, failures)
		assert.Equal(t, 10, ok)
		assert.Equal(t, payers-10, settled)
		assert.Equal(t, 10, countPayments(t, "S1", "2024F"))

		charge, err := engine.GetCharge(ctx, "S1", "2024F")
		require.NoError(t, err)
		assert.True(t, charge.Balance.IsZero())
	})

	t.Run("DeletePayment_LeavesBalanceUntouched", func(t *testing.T) {
		reset(t)

		_, err := engine.UpsertCharge(ctx, "S1", "2024F", dec("500"))
		require.NoError(t, err)
		receipt, err := engine.ApplyPayment(ctx, "S1", "2024F", dec("200"))
		require.NoError(t, err)

		require.NoError(t, engine.DeletePayment(ctx, receipt.PaymentID.String()))
		assert.Equal(t, 0, countPayments(t, "S1", "2024F"))

		charge, err := engine.GetCharge(ctx, "S1", "2024F")
		require.NoError(t, err)
		assert.True(t, dec("300").Equal(charge.Balance))

		err = engine.DeletePayment(ctx, receipt.PaymentID.String())
		assert.ErrorIs(t, err, apperr.ErrNotFound)

		err = engine.DeletePayment(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("ListUnpaidCharges_OrderedAndPaged", func(t *testing.T) {
		reset(t)

		for _, c := range []struct{ studentNo, term string }{
			{"S2", "2024F"}, {"S1", "2025S"}, {"S1", "2024F"}, {"S3", "2024F"},
		} {
			_, err := engine.UpsertCharge(ctx, c.studentNo, c.term, dec("100"))
			require.NoError(t, err)
		}
		_, err := engine.ApplyPayment(ctx, "S3", "2024F", dec("100"))
		require.NoError(t, err)

		first, err := engine.ListUnpaidCharges(ctx, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, 3, first.TotalCount)
		require.Len(t, first.Items, 2)
		assert.Equal(t, "S1", first.Items[0].StudentNo)
		assert.Equal(t, "2024F", first.Items[0].Term)
		assert.Equal(t, "S1", first.Items[1].StudentNo)
		assert.Equal(t, "2025S", first.Items[1].Term)

		second, err := engine.ListUnpaidCharges(ctx, 2, 2)
		require.NoError(t, err)
		require.Len(t, second.Items, 1)
		assert.Equal(t, "S2", second.Items[0].StudentNo)

		beyond, err := engine.ListUnpaidCharges(ctx, 5, 2)
		require.NoError(t, err)
		assert.Empty(t, beyond.Items)
		assert.NotNil(t, beyond.Items)

		clamped, err := engine.ListUnpaidCharges(ctx, 0, -3)
		require.NoError(t, err)
		assert.Equal(t, 1, clamped.Page)
		assert.Equal(t, 1, clamped.PageSize)
		assert.Len(t, clamped.Items, 1)

		huge, err := engine.ListUnpaidCharges(ctx, math.MaxInt64/2+2, 4)
		require.NoError(t, err)
		assert.Equal(t, 3, huge.TotalCount)
		assert.Empty(t, huge.Items)
	})

	t.Run("ListPayments_NewestFirst", func(t *testing.T) {
		reset(t)

		clock := time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC)
		clocked := ledger.NewEngine(repo, recorder, metrics.NewMock(), logger, ledger.WithClock(func() time.Time {
			clock = clock.Add(time.Minute)
			return clock
		}))

		_, err := clocked.UpsertCharge(ctx, "S1", "2024F", dec("100"))
		require.NoError(t, err)
		for _, amount := range []string{"10", "20", "30"} {
			_, err := clocked.ApplyPayment(ctx, "S1", "2024F", dec(amount))
			require.NoError(t, err)
		}

		page, err := clocked.ListPayments(ctx, "S1", 1, 10)
		require.NoError(t, err)
		require.Len(t, page.Items, 3)
		assert.True(t, dec("30").Equal(page.Items[0].Amount))
		assert.True(t, dec("10").Equal(page.Items[2].Amount))

		empty, err := clocked.ListPayments(ctx, "S2", 1, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, empty.TotalCount)
	})

	t.Run("GetLatestChargeForStudent", func(t *testing.T) {
		reset(t)

		for _, term := range []string{"2024F", "2025S", "2023F"} {
			_, err := engine.UpsertCharge(ctx, "S1", term, dec("100"))
			require.NoError(t, err)
		}

		latest, err := engine.GetLatestChargeForStudent(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, "2025S", latest.Term)

		_, err = engine.GetLatestChargeForStudent(ctx, "S2")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("RunBatch_RollsBackOnStorageFailure", func(t *testing.T) {
		reset(t)

		boom := errors.New("boom")
		err := engine.RunBatch(ctx, func(ctx context.Context, w ledger.ChargeWriter) error {
			if _, err := w.UpsertCharge(ctx, "S1", "2024F", dec("100")); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = engine.GetCharge(ctx, "S1", "2024F")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("Events_PublishedAfterCommit", func(t *testing.T) {
		reset(t)
		rec := events.NewRecorder()
		e := ledger.NewEngine(repo, rec, metrics.NewMock(), logger)

		_, err := e.UpsertCharge(ctx, "S1", "2024F", dec("100"))
		require.NoError(t, err)
		receipt, err := e.ApplyPayment(ctx, "S1", "2024F", dec("40"))
		require.NoError(t, err)
		_, err = e.ApplyPayment(ctx, "S9", "2024F", dec("40"))
		require.Error(t, err)

		rebilled := rec.OfType(events.ChargeRebilled)
		require.Len(t, rebilled, 1)
		assert.Equal(t, "S1", rebilled[0].Key)

		applied := rec.OfType(events.PaymentApplied)
		require.Len(t, applied, 1)
		data, ok := applied[0].Data.(events.PaymentAppliedData)
		require.True(t, ok)
		assert.Equal(t, receipt.PaymentID, data.PaymentID)
		assert.True(t, dec("60").Equal(data.RemainingBalance))
	})

	t.Run("HTTP", func(t *testing.T) {
		handler := ledger.NewHandler(engine, logger, 10)
		router := chi.NewRouter()
		handler.RegisterRoutes(router)
		handler.RegisterAdminRoutes(router)

		do := func(method, path string, body any) *httptest.ResponseRecorder {
			var buf bytes.Buffer
			if body != nil {
				require.NoError(t, json.NewEncoder(&buf).Encode(body))
			}
			req := httptest.NewRequest(method, path, &buf)
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			return w
		}

		t.Run("UpsertAndPay", func(t *testing.T) {
			reset(t)

			w := do(http.MethodPost, "/admin/tuition", map[string]string{"studentNo": "S1", "term": "2024F", "total": "250.50"})
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			w = do(http.MethodPost, "/payments", map[string]string{"studentNo": "S1", "term": "2024F", "amount": "300"})
			require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

			var receipt ledger.Receipt
			require.NoError(t, json.NewDecoder(w.Body).Decode(&receipt))
			assert.True(t, dec("250.50").Equal(receipt.Applied))
			assert.True(t, receipt.RemainingBalance.IsZero())

			w = do(http.MethodPost, "/payments", map[string]string{"studentNo": "S1", "term": "2024F", "amount": "1"})
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

			w = do(http.MethodGet, "/banking/tuition/S1", nil)
			require.Equal(t, http.StatusOK, w.Code)
			var view ledger.BankingView
			require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
			assert.False(t, view.Payable)
			assert.True(t, view.AmountDue.IsZero())
		})

		t.Run("MissingFields", func(t *testing.T) {
			reset(t)

			w := do(http.MethodPost, "/payments", map[string]string{"term": "2024F", "amount": "10"})
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "studentNo is required")

			w = do(http.MethodPost, "/admin/tuition", map[string]string{"studentNo": "S1", "term": "2024F", "total": "0"})
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})

		t.Run("TuitionView", func(t *testing.T) {
			reset(t)

			_, err := engine.UpsertCharge(ctx, "S1", "2024F", dec("100"))
			require.NoError(t, err)
			_, err = engine.UpsertCharge(ctx, "S1", "2025S", dec("200"))
			require.NoError(t, err)
			_, err = engine.ApplyPayment(ctx, "S1", "2024F", dec("25"))
			require.NoError(t, err)

			w := do(http.MethodGet, "/tuition/S1", nil)
			require.Equal(t, http.StatusOK, w.Code)
			var latest ledger.TuitionView
			require.NoError(t, json.NewDecoder(w.Body).Decode(&latest))
			assert.Equal(t, "2025S", latest.Term)

			w = do(http.MethodGet, "/tuition/S1?term=2024F", nil)
			require.Equal(t, http.StatusOK, w.Code)
			var byTerm ledger.TuitionView
			require.NoError(t, json.NewDecoder(w.Body).Decode(&byTerm))
			assert.True(t, dec("75").Equal(byTerm.Balance))
			assert.True(t, dec("25").Equal(byTerm.Paid))

			w = do(http.MethodGet, "/tuition/NOPE", nil)
			assert.Equal(t, http.StatusNotFound, w.Code)
		})

		t.Run("ListEndpoints", func(t *testing.T) {
			reset(t)

			_, err := engine.UpsertCharge(ctx, "S1", "2024F", dec("100"))
			require.NoError(t, err)
			receipt, err := engine.ApplyPayment(ctx, "S1", "2024F", dec("10"))
			require.NoError(t, err)

			w := do(http.MethodGet, "/admin/unpaid", nil)
			require.Equal(t, http.StatusOK, w.Code)
			var unpaid pagination.Page[ledger.Charge]
			require.NoError(t, json.NewDecoder(w.Body).Decode(&unpaid))
			assert.Equal(t, 1, unpaid.Page)
			assert.Equal(t, 10, unpaid.PageSize)
			assert.Equal(t, 1, unpaid.TotalCount)

			w = do(http.MethodGet, "/payments/S1?page=1&pageSize=5", nil)
			require.Equal(t, http.StatusOK, w.Code)
			var payments pagination.Page[ledger.Payment]
			require.NoError(t, json.NewDecoder(w.Body).Decode(&payments))
			require.Len(t, payments.Items, 1)
			assert.Equal(t, receipt.PaymentID, payments.Items[0].ID)

			w = do(http.MethodDelete, "/payments/"+receipt.PaymentID.String(), nil)
			assert.Equal(t, http.StatusNoContent, w.Code)
			w = do(http.MethodDelete, "/payments/"+receipt.PaymentID.String(), nil)
			assert.Equal(t, http.StatusNotFound, w.Code)
		})
	})
}
