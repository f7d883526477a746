package student

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"tuition-service/common/httputil"
	"tuition-service/internal/apperr"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

type Handler struct {
	service         Service
	validate        *validator.Validate
	logger          *slog.Logger
	defaultPageSize int
}

func NewHandler(service Service, logger *slog.Logger, defaultPageSize int) *Handler {
	return &Handler{
		service:         service,
		validate:        httputil.NewValidator(),
		logger:          logger,
		defaultPageSize: defaultPageSize,
	}
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Post("/students", h.CreateStudent)
	router.Get("/students", h.ListStudents)
	router.Get("/students/{studentNo}", h.GetStudent)
}

func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req CreateStudentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, httputil.ValidationMessage(err))
		return
	}

	created, err := h.service.CreateStudent(r.Context(), req.StudentNo, req.FullName)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusCreated, created)
}

func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	page := httputil.QueryInt(r, "page", 1)
	pageSize := httputil.QueryInt(r, "pageSize", h.defaultPageSize)

	result, err := h.service.ListStudents(r.Context(), page, pageSize)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	found, err := h.service.GetStudent(r.Context(), chi.URLParam(r, "studentNo"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, found)
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "student request failed", "error", err)
		httputil.RespondWithError(w, status, "internal server error")
		return
	}
	h.logger.InfoContext(r.Context(), "student request rejected", "status", status, "error", err)
	httputil.RespondWithError(w, status, err.Error())
}
