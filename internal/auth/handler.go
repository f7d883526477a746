package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tuition-service/common/httputil"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid username or password")

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"tokenType"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Operator is the single account allowed to log in.
type Operator struct {
	Username     string
	PasswordHash string
	Role         string
}

type Handler struct {
	tokens    *TokenManager
	operator  Operator
	logger    *slog.Logger
	validator *validator.Validate
}

func NewHandler(tokens *TokenManager, operator Operator, logger *slog.Logger) *Handler {
	return &Handler{
		tokens:    tokens,
		operator:  operator,
		logger:    logger,
		validator: httputil.NewValidator(),
	}
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Post("/auth/login", h.Login)
}

// Login authenticates the operator and returns a bearer token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, httputil.ValidationMessage(err))
		return
	}

	if err := h.verify(req); err != nil {
		h.logger.WarnContext(r.Context(), "login rejected", "username", req.Username)
		httputil.RespondWithError(w, http.StatusUnauthorized, err.Error())
		return
	}

	token, expiresAt, err := h.tokens.Issue(h.operator.Username, []string{h.operator.Role})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "token issue failed", "error", err)
		httputil.RespondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.InfoContext(r.Context(), "operator logged in", "username", h.operator.Username)
	httputil.RespondWithJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: expiresAt,
	})
}

func (h *Handler) verify(req LoginRequest) error {
	if h.operator.PasswordHash == "" || !strings.EqualFold(req.Username, h.operator.Username) {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(h.operator.PasswordHash), []byte(req.Password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
