// Package kv exposes any backend.Backend as a small gRPC key-value service
// and provides the matching client, itself a backend.Backend. It lets many
// game servers share one store process that owns the real database.
//
// The service is registered from a hand-written [grpc.ServiceDesc], so no
// protobuf code generation is required. Its messages are plain Go structs
// encoded as JSON by a codec wrapper that delegates every other message
// (the health service's, for instance) to the standard proto codec.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Keksclan/squirrelstore/backend"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcEncoding "google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/proto" // ensure default proto codec is registered first
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "squirrel.KV"

// ReadRequest is the input for the Read method.
type ReadRequest struct {
	Key string `json:"key"`
}

// ReadResponse is the output of the Read method.
type ReadResponse struct {
	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found"`
}

// WriteRequest is the input for the Write method.
type WriteRequest struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// WriteResponse is the output of the Write method.
type WriteResponse struct{}

// kvMsg is a marker interface satisfied by the service's messages.
type kvMsg interface {
	isKVMsg()
}

func (*ReadRequest) isKVMsg()   {}
func (*ReadResponse) isKVMsg()  {}
func (*WriteRequest) isKVMsg()  {}
func (*WriteResponse) isKVMsg() {}

// Handler is the interface a KV service implementation must satisfy.
type Handler interface {
	Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error)
	Write(ctx context.Context, req *WriteRequest) (*WriteResponse, error)
}

// BackendHandler serves the KV service from a Backend.
func BackendHandler(b backend.Backend) Handler { return backendHandler{b: b} }

type backendHandler struct {
	b backend.Backend
}

func (h backendHandler) Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	if req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	val, found, err := h.b.Read(ctx, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ReadResponse{Value: val, Found: found}, nil
}

func (h backendHandler) Write(ctx context.Context, req *WriteRequest) (*WriteResponse, error) {
	if req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	if err := h.b.Write(ctx, req.Key, req.Value); err != nil {
		return nil, toStatus(err)
	}
	return &WriteResponse{}, nil
}

// toStatus maps backend errors to gRPC codes the client maps back.
func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case backend.IsPermanent(err):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

// ServiceDesc is the grpc.ServiceDesc for the squirrel.KV service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Read", Handler: readHandler},
		{MethodName: "Write", Handler: writeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "squirrel/kv.proto",
}

const (
	readMethod  = "/" + ServiceName + "/Read"
	writeMethod = "/" + ServiceName + "/Write"
)

func readHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ReadRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Read(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: readMethod}
	handler := func(ctx context.Context, r any) (any, error) {
		return srv.(Handler).Read(ctx, r.(*ReadRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func writeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(WriteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Write(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: writeMethod}
	handler := func(ctx context.Context, r any) (any, error) {
		return srv.(Handler).Write(ctx, r.(*WriteRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// Register registers a KV service implementation on the given gRPC server.
func Register(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

// ---------- codec wrapper ----------

func init() {
	grpcEncoding.RegisterCodec(codec{})
}

// codec wraps the default proto codec. KV messages are encoded as JSON,
// everything else goes through proto.Marshal/Unmarshal.
type codec struct{}

func (codec) Name() string { return "proto" }

func (codec) Marshal(v any) ([]byte, error) {
	if _, ok := v.(kvMsg); ok {
		return json.Marshal(v)
	}
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("kv codec: unsupported message type %T", v)
}

func (codec) Unmarshal(data []byte, v any) error {
	if _, ok := v.(kvMsg); ok {
		return json.Unmarshal(data, v)
	}
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("kv codec: unsupported message type %T", v)
}
