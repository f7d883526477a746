package admin

import (
	"log/slog"
	"net/http"

	"tuition-service/common/httputil"
	"tuition-service/internal/apperr"
	"tuition-service/internal/auth"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Delete("/admin/tuition/{studentNo}/{term}", h.DeleteCharge)
	router.Delete("/students/{studentNo}", h.DeleteStudent)
}

func (h *Handler) DeleteCharge(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.PrincipalFrom(r.Context())

	result, err := h.service.DeleteCharge(r.Context(), caller, chi.URLParam(r, "studentNo"), chi.URLParam(r, "term"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) DeleteStudent(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.PrincipalFrom(r.Context())

	result, err := h.service.DeleteStudent(r.Context(), caller, chi.URLParam(r, "studentNo"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	switch status {
	case http.StatusInternalServerError:
		h.logger.ErrorContext(r.Context(), "admin request failed", "error", err)
		httputil.RespondWithError(w, status, "internal server error")
	case http.StatusForbidden:
		httputil.RespondWithError(w, status, "forbidden")
	default:
		httputil.RespondWithError(w, status, err.Error())
	}
}
