package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestSplitMethodName(t *testing.T) {
	service, method := splitMethodName("/grpc.health.v1.Health/Check")
	assert.Equal(t, "grpc.health.v1.Health", service)
	assert.Equal(t, "Check", method)

	service, method = splitMethodName("Check")
	assert.Equal(t, "unknown", service)
	assert.Equal(t, "Check", method)
}

func TestGrpcMetrics_UnaryServerInterceptor(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(ctx) }()

	gm, err := NewGrpcMetrics(provider.Meter("test"))
	require.NoError(t, err)

	interceptor := gm.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	resp, err := interceptor(ctx, "req", info, func(context.Context, any) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	_, err = interceptor(ctx, "req", info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})
	assert.Equal(t, codes.NotFound, status.Code(err))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]metricdata.Sum[int64]{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				sums[m.Name] = sum
			}
		}
	}

	total := func(name string) int64 {
		var n int64
		for _, dp := range sums[name].DataPoints {
			n += dp.Value
		}
		return n
	}

	assert.Equal(t, int64(2), total("grpc.server.requests_total"))
	assert.Equal(t, int64(1), total("grpc.server.errors_total"))
	assert.Equal(t, int64(0), total("grpc.server.active_requests"))

	require.Len(t, sums["grpc.server.errors_total"].DataPoints, 1)
	code, ok := sums["grpc.server.errors_total"].DataPoints[0].Attributes.Value(attribute.Key("grpc_code"))
	require.True(t, ok)
	assert.Equal(t, codes.NotFound.String(), code.AsString())
}

func TestGrpcMetrics_MockPassesThrough(t *testing.T) {
	interceptor := NewMock().Grpc.UnaryServerInterceptor()

	resp, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: "/a.B/C"},
		func(context.Context, any) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}
