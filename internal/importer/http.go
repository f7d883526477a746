package importer

import (
	"errors"
	"log/slog"
	"net/http"

	"tuition-service/common/httputil"
	"tuition-service/internal/apperr"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	importer *Importer
	maxBytes int64
	logger   *slog.Logger
}

func NewHandler(importer *Importer, maxBytes int64, logger *slog.Logger) *Handler {
	return &Handler{
		importer: importer,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Post("/admin/tuition/batch", h.ImportCharges)
}

// ImportCharges accepts a multipart upload with the rows in the "file" part.
func (h *Handler) ImportCharges(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.RespondWithError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		httputil.RespondWithError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	if header.Size == 0 {
		httputil.RespondWithError(w, http.StatusBadRequest, "file must contain at least one row")
		return
	}

	result, err := h.importer.Import(r.Context(), file)
	if err != nil {
		status := apperr.HTTPStatus(err)
		if status == http.StatusInternalServerError {
			httputil.RespondWithError(w, status, "internal server error")
			return
		}
		httputil.RespondWithError(w, status, err.Error())
		return
	}

	h.logger.InfoContext(r.Context(), "batch upload processed", "filename", header.Filename, "size", header.Size)
	httputil.RespondWithJSON(w, http.StatusOK, result)
}
