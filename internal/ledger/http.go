package ledger

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"tuition-service/common/httputil"
	"tuition-service/internal/apperr"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type Handler struct {
	engine          *Engine
	validate        *validator.Validate
	logger          *slog.Logger
	defaultPageSize int
}

func NewHandler(engine *Engine, logger *slog.Logger, defaultPageSize int) *Handler {
	return &Handler{
		engine:          engine,
		validate:        httputil.NewValidator(),
		logger:          logger,
		defaultPageSize: defaultPageSize,
	}
}

// RegisterRoutes mounts the student portal and banking endpoints.
func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Get("/tuition/{studentNo}", h.GetTuition)
	router.Get("/banking/tuition/{studentNo}", h.GetBankingTuition)
	router.Post("/payments", h.ApplyPayment)
	router.Get("/payments/{studentNo}", h.ListPayments)
}

// RegisterAdminRoutes mounts endpoints that must sit behind the admin policy.
func (h *Handler) RegisterAdminRoutes(router chi.Router) {
	router.Post("/admin/tuition", h.UpsertCharge)
	router.Get("/admin/unpaid", h.ListUnpaid)
	router.Delete("/payments/{paymentId}", h.DeletePayment)
}

// BankingView is what a bank needs to collect tuition for a student.
type BankingView struct {
	StudentNo string          `json:"studentNo"`
	Term      string          `json:"term"`
	AmountDue decimal.Decimal `json:"amountDue"`
	Payable   bool            `json:"payable"`
}

func (h *Handler) UpsertCharge(w http.ResponseWriter, r *http.Request) {
	var req UpsertChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, httputil.ValidationMessage(err))
		return
	}

	charge, err := h.engine.UpsertCharge(r.Context(), req.StudentNo, req.Term, req.Total)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, charge)
}

func (h *Handler) ListUnpaid(w http.ResponseWriter, r *http.Request) {
	page := httputil.QueryInt(r, "page", 1)
	pageSize := httputil.QueryInt(r, "pageSize", h.defaultPageSize)

	result, err := h.engine.ListUnpaidCharges(r.Context(), page, pageSize)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, result)
}

// GetTuition returns the charge for ?term= when given, else the latest one.
func (h *Handler) GetTuition(w http.ResponseWriter, r *http.Request) {
	charge, err := h.lookupCharge(r)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, NewTuitionView(charge))
}

func (h *Handler) GetBankingTuition(w http.ResponseWriter, r *http.Request) {
	charge, err := h.lookupCharge(r)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, BankingView{
		StudentNo: charge.StudentNo,
		Term:      charge.Term,
		AmountDue: charge.Balance,
		Payable:   !charge.Settled(),
	})
}

func (h *Handler) lookupCharge(r *http.Request) (*Charge, error) {
	studentNo := chi.URLParam(r, "studentNo")
	if term := r.URL.Query().Get("term"); term != "" {
		return h.engine.GetCharge(r.Context(), studentNo, term)
	}
	return h.engine.GetLatestChargeForStudent(r.Context(), studentNo)
}

func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	var req ApplyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, httputil.ValidationMessage(err))
		return
	}

	receipt, err := h.engine.ApplyPayment(r.Context(), req.StudentNo, req.Term, req.Amount)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusCreated, receipt)
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	page := httputil.QueryInt(r, "page", 1)
	pageSize := httputil.QueryInt(r, "pageSize", h.defaultPageSize)

	result, err := h.engine.ListPayments(r.Context(), chi.URLParam(r, "studentNo"), page, pageSize)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeletePayment(r.Context(), chi.URLParam(r, "paymentId")); err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "ledger request failed", "error", err)
		httputil.RespondWithError(w, status, "internal server error")
		return
	}
	httputil.RespondWithError(w, status, err.Error())
}
