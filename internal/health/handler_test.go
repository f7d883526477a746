package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"tuition-service/common/metrics"
	"tuition-service/internal/health"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestHealthHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	m := metrics.NewMock()

	dbErr := error(nil)
	h := health.NewHandler(m.Health, logger)
	h.AddCheck("postgres", func(context.Context) error { return dbErr })

	router := chi.NewRouter()
	h.RegisterRoutes(router)

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	h.RegisterGRPC(server)
	go func() { _ = server.Serve(lis) }()
	defer server.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := grpc_health_v1.NewHealthClient(conn)

	grpcStatus := func(t *testing.T) grpc_health_v1.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: health.ServiceName})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("Liveness", func(t *testing.T) {
		w := get("/health")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	})

	t.Run("Ready", func(t *testing.T) {
		dbErr = nil
		w := get("/ready")
		require.Equal(t, http.StatusOK, w.Code)

		var resp health.HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "ready", resp.Status)
		assert.Equal(t, "up", resp.Dependencies["postgres"])
		assert.True(t, m.Health.Available("postgres"))
		assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, grpcStatus(t))
	})

	t.Run("NotReady", func(t *testing.T) {
		dbErr = errors.New("connection refused")
		w := get("/ready")
		require.Equal(t, http.StatusServiceUnavailable, w.Code)

		var resp health.HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "down", resp.Dependencies["postgres"])
		assert.False(t, m.Health.Available("postgres"))
		assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, grpcStatus(t))
	})
}
