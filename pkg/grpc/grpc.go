package grpc

import (
	"context"
	"fmt"
	"strings"

	"github.com/bufbuild/protocompile/linker"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Client holds a gRPC ClientConn and the compiled push descriptors used to
// locate the streaming method at runtime.
type Client struct {
	// GRPC is the underlying client connection.
	GRPC *grpc.ClientConn `json:"-"`
	// ProtoFiles are the compiled descriptors of the push service.
	ProtoFiles linker.Files `json:"-"`
}

// NewClient creates a client for the given endpoint. The endpoint scheme
// determines transport security:
//   - "https://": TLS (system defaults)
//   - "http://":  insecure
//   - no scheme:  insecure
//
// Extra options are appended after the derived credentials, so tests can
// supply a custom dialer. The returned client proactively starts connecting.
func NewClient(endpoint string, opts ...grpc.DialOption) (*Client, error) {
	descriptors, err := PushDescriptors()
	if err != nil {
		return nil, err
	}

	addr, creds := grpcCredsFromEndpoint(endpoint)
	conn, err := grpc.NewClient(addr, append([]grpc.DialOption{creds}, opts...)...)
	if err != nil {
		zap.L().Error("failed to create grpc client", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, fmt.Errorf("%w: grpc client: %w", model.ErrConnection, err)
	}
	conn.Connect()

	return &Client{
		GRPC:       conn,
		ProtoFiles: descriptors,
	}, nil
}

// Close shuts down the underlying gRPC connection.
// It is safe to call on a nil receiver or when GRPC is nil.
func (c *Client) Close() error {
	if c == nil || c.GRPC == nil {
		return nil
	}
	return c.GRPC.Close()
}

// Health runs the standard gRPC health check against the push endpoint.
func (c *Client) Health(ctx context.Context) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	resp, err := grpc_health_v1.NewHealthClient(c.GRPC).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, fmt.Errorf("%w: grpc heartbeat failed: %w", model.ErrConnection, err)
	}
	return resp.GetStatus(), nil
}

// grpcCredsFromEndpoint derives a dial address and dial option from an endpoint URL.
// "https://" enables TLS; "http://" and bare addresses use insecure credentials.
func grpcCredsFromEndpoint(endpoint string) (string, grpc.DialOption) {
	if strings.HasPrefix(endpoint, "https://") {
		return strings.TrimPrefix(endpoint, "https://"), grpc.WithTransportCredentials(credentials.NewTLS(nil))
	}
	if strings.HasPrefix(endpoint, "http://") {
		return strings.TrimPrefix(endpoint, "http://"), grpc.WithTransportCredentials(insecure.NewCredentials())
	}
	return endpoint, grpc.WithTransportCredentials(insecure.NewCredentials())
}
