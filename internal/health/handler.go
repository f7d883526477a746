package health

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"tuition-service/common/httputil"
	"tuition-service/common/metrics"

	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "tuition.v1.LedgerService"

const checkTimeout = 2 * time.Second

// Check pings one dependency.
type Check func(ctx context.Context) error

type Handler struct {
	checks  map[string]Check
	metrics *metrics.HealthMetrics
	grpc    *health.Server
	logger  *slog.Logger
}

func NewHandler(m *metrics.HealthMetrics, logger *slog.Logger) *Handler {
	return &Handler{
		checks:  make(map[string]Check),
		metrics: m,
		grpc:    health.NewServer(),
		logger:  logger,
	}
}

// AddCheck registers a readiness dependency. Not safe once serving.
func (h *Handler) AddCheck(name string, check Check) {
	h.checks[name] = check
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Get("/health", h.Health)
	router.Get("/ready", h.Ready)
}

// RegisterGRPC exposes the standard gRPC health service on server.
func (h *Handler) RegisterGRPC(server *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(server, h.grpc)
	h.grpc.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	h.grpc.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
}

// Shutdown flips every gRPC status to NOT_SERVING.
func (h *Handler) Shutdown() {
	h.grpc.Shutdown()
}

type HealthResponse struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.RespondWithJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	deps, ready := h.CheckAll(r.Context())

	if !ready {
		httputil.RespondWithJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Dependencies: deps})
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, HealthResponse{Status: "ready", Dependencies: deps})
}

// CheckAll runs every check and updates the gRPC serving status to match.
func (h *Handler) CheckAll(ctx context.Context) (map[string]string, bool) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	deps := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		start := time.Now()
		err := h.checks[name](checkCtx)
		cancel()

		h.metrics.RecordDependencyCheck(ctx, name, time.Since(start), err)
		if err != nil {
			h.logger.WarnContext(ctx, "dependency check failed", "dependency", name, "error", err)
			deps[name] = "down"
			ready = false
			continue
		}
		deps[name] = "up"
	}

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if !ready {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.grpc.SetServingStatus(ServiceName, status)

	return deps, ready
}
