package kv

import (
	"context"
	"fmt"

	"github.com/Keksclan/squirrelstore/backend"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Compile-time check that Client implements backend.Backend.
var _ backend.Backend = (*Client)(nil)

// Client is a backend.Backend talking to a KV Server.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to a KV server at target. Without options the connection is
// insecure; trace context is always propagated.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("kv: dial %s: %w", target, err)
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient uses an existing connection. Close does not close it.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Read returns the payload under key.
func (c *Client) Read(ctx context.Context, key string) ([]byte, bool, error) {
	resp := new(ReadResponse)
	if err := c.conn.Invoke(outgoing(ctx), readMethod, &ReadRequest{Key: key}, resp); err != nil {
		return nil, false, fromStatus("read", key, err)
	}
	return resp.Value, resp.Found, nil
}

// Write stores value under key.
func (c *Client) Write(ctx context.Context, key string, value []byte) error {
	if err := c.conn.Invoke(outgoing(ctx), writeMethod, &WriteRequest{Key: key, Value: value}, new(WriteResponse)); err != nil {
		return fromStatus("write", key, err)
	}
	return nil
}

// Healthy reports whether the server's KV service is serving.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := grpc_health_v1.NewHealthClient(c.conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING, nil
}

// Close closes the connection if the Client opened it.
func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}

// fromStatus classifies an RPC error. Throttling, unavailability and
// timeouts are transient; every other code is permanent.
func fromStatus(op, key string, err error) error {
	wrapped := fmt.Errorf("kv: %s %s: %w", op, key, err)
	switch status.Code(err) {
	case codes.ResourceExhausted, codes.Unavailable, codes.DeadlineExceeded,
		codes.Aborted, codes.Canceled, codes.Internal, codes.Unknown:
		return wrapped
	default:
		return backend.Permanent(wrapped)
	}
}
