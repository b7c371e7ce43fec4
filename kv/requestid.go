package kv

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// RequestIDHeader is the metadata key carrying a request ID between client
// and server.
const RequestIDHeader = "x-request-id"

type contextKey int

const requestIDKey contextKey = iota

// WithRequestID returns a derived context carrying id. The Client forwards
// it to the server, which logs it with recovered panics.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request ID in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ensureRequestID takes the ID from incoming metadata or makes a new one.
func ensureRequestID(ctx context.Context) context.Context {
	if RequestIDFromContext(ctx) != "" {
		return ctx
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(RequestIDHeader); len(vals) > 0 && vals[0] != "" {
			return WithRequestID(ctx, vals[0])
		}
	}
	return WithRequestID(ctx, uuid.NewString())
}

// requestIDUnary ensures every request has an ID before later interceptors
// run.
func requestIDUnary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		return handler(ensureRequestID(ctx), req)
	}
}

// outgoing attaches the request ID of ctx, if any, to outgoing metadata.
func outgoing(ctx context.Context) context.Context {
	if id := RequestIDFromContext(ctx); id != "" {
		return metadata.AppendToOutgoingContext(ctx, RequestIDHeader, id)
	}
	return ctx
}
