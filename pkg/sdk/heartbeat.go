package sdk

import (
	"context"
	"fmt"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Healthcheck probes the service over the available protocols. It does not
// require a connected endpoint.
type Healthcheck interface {
	// HTTP fetches the unauthenticated health document of the API.
	HTTP(ctx context.Context) (map[string]any, error)
	// GRPC runs the standard gRPC health check against the push endpoint.
	// It fails with model.ErrUnsupportedOperation unless gRPC push is used.
	GRPC(ctx context.Context) (grpc_health_v1.HealthCheckResponse_ServingStatus, error)
}

type healthcheckClient struct {
	rest *transport.REST
	e    *Endpoint
}

// Healthcheck returns the health probes of e.
func (e *Endpoint) Healthcheck() Healthcheck {
	return &healthcheckClient{rest: e.rest, e: e}
}

func (hc *healthcheckClient) HTTP(ctx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, hc.e.timeouts.Request)
	defer cancel()
	res, err := hc.rest.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("heartbeat failed: %w", err)
	}
	zap.L().Debug("http heartbeat", zap.Any("result", res))
	return res, nil
}

func (hc *healthcheckClient) GRPC(ctx context.Context) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	if hc.e.grpcClient == nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, fmt.Errorf("%w: no grpc push endpoint configured", model.ErrUnsupportedOperation)
	}
	ctx, cancel := context.WithTimeout(ctx, hc.e.timeouts.Request)
	defer cancel()
	return hc.e.grpcClient.Health(ctx)
}
