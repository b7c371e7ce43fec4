package kv_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	squirrelstore "github.com/Keksclan/squirrelstore"
	"github.com/Keksclan/squirrelstore/backend"
	"github.com/Keksclan/squirrelstore/kv"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

func startServer(t *testing.T, b backend.Backend, opts ...kv.Option) *kv.Client {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	srv := kv.NewServer(b, opts...)
	t.Cleanup(srv.Stop)
	go func() { _ = srv.Serve(lis) }()

	client, err := kv.Dial("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRegisterService(t *testing.T) {
	s := grpc.NewServer()
	kv.Register(s, kv.BackendHandler(backend.NewMemory()))
	si, ok := s.GetServiceInfo()[kv.ServiceName]
	if !ok {
		t.Fatalf("%s service not registered", kv.ServiceName)
	}
	methods := map[string]bool{}
	for _, m := range si.Methods {
		methods[m.Name] = true
	}
	if !methods["Read"] || !methods["Write"] {
		t.Fatalf("methods = %v", si.Methods)
	}
}

func TestClient_RoundTrip(t *testing.T) {
	mem := backend.NewMemory()
	c := startServer(t, mem)
	ctx := t.Context()

	if _, ok, err := c.Read(ctx, "k"); err != nil || ok {
		t.Fatalf("Read missing = (%v, %v)", ok, err)
	}
	if err := c.Write(ctx, "k", []byte(`{"coins":1}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	val, ok, err := c.Read(ctx, "k")
	if err != nil || !ok || string(val) != `{"coins":1}` {
		t.Fatalf("Read = (%s, %v, %v)", val, ok, err)
	}
	if raw, _ := mem.Raw("k"); string(raw) != `{"coins":1}` {
		t.Fatalf("server backend holds %s", raw)
	}
}

func TestClient_TransientAndPermanentErrors(t *testing.T) {
	mem := backend.NewMemory()
	c := startServer(t, mem)

	mem.FailReads(1)
	_, _, err := c.Read(t.Context(), "k")
	if status.Code(errors.Unwrap(err)) != codes.Unavailable || !backend.IsRetryable(err) {
		t.Fatalf("expected retryable Unavailable, got %v", err)
	}

	mem.FailWith(backend.Permanent(errors.New("payload too large")))
	mem.FailWrites(1)
	if err := c.Write(t.Context(), "k", []byte("v")); !backend.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}

	if err := c.Write(t.Context(), "", []byte("v")); !backend.IsPermanent(err) {
		t.Fatalf("empty key: expected permanent error, got %v", err)
	}
}

func TestServer_RateLimitIsTransient(t *testing.T) {
	c := startServer(t, backend.NewMemory(), kv.WithRateLimit(0.001, 1))

	if _, _, err := c.Read(t.Context(), "k"); err != nil {
		t.Fatalf("first read: %v", err)
	}
	_, _, err := c.Read(t.Context(), "k")
	if status.Code(errors.Unwrap(err)) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if !backend.IsRetryable(err) {
		t.Fatal("throttling must be retryable")
	}
}

func TestServer_RecoversPanics(t *testing.T) {
	panicky := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if r, ok := req.(*kv.ReadRequest); ok && r.Key == "boom" {
			panic("handler exploded")
		}
		return handler(ctx, req)
	}
	c := startServer(t, backend.NewMemory(), kv.WithUnaryInterceptor(panicky))

	_, _, err := c.Read(t.Context(), "boom")
	if status.Code(errors.Unwrap(err)) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
	if _, _, err := c.Read(t.Context(), "fine"); err != nil {
		t.Fatalf("server did not survive the panic: %v", err)
	}
}

func TestClient_Healthy(t *testing.T) {
	c := startServer(t, backend.NewMemory())
	ok, err := c.Healthy(t.Context())
	if err != nil || !ok {
		t.Fatalf("Healthy = (%v, %v)", ok, err)
	}
}

func TestServer_Tracing(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	c := startServer(t, backend.NewMemory(), kv.WithTracerProvider(tp))
	if err := c.Write(t.Context(), "k", []byte("v")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		for _, s := range rec.Ended() {
			if s.Name() == "squirrel.KV/Write" {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no server span recorded; got %d spans", len(rec.Ended()))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHandlesOverKV(t *testing.T) {
	mem := backend.NewMemory()
	c := startServer(t, mem)

	store := squirrelstore.New(c)
	if err := store.Combine("main", "coins", "gems"); err != nil {
		t.Fatal(err)
	}
	coins, err := squirrelstore.Open[int](store, "coins", "p1")
	if err != nil {
		t.Fatal(err)
	}
	gems, err := squirrelstore.Open[int](store, "gems", "p1")
	if err != nil {
		t.Fatal(err)
	}
	_ = coins.Set(50)
	_ = gems.Set(10)
	if err := store.EndSession(t.Context(), "p1"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	raw, _ := mem.Raw("main/p1")
	if string(raw) != `{"coins":50,"gems":10}` && string(raw) != `{"gems":10,"coins":50}` {
		t.Fatalf("main/p1 = %s", raw)
	}
}

func TestServer_RequestID(t *testing.T) {
	seen := make(chan string, 2)
	capture := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		seen <- kv.RequestIDFromContext(ctx)
		return handler(ctx, req)
	}
	c := startServer(t, backend.NewMemory(), kv.WithUnaryInterceptor(capture))

	if _, _, err := c.Read(kv.WithRequestID(t.Context(), "req-42"), "k"); err != nil {
		t.Fatal(err)
	}
	if got := <-seen; got != "req-42" {
		t.Fatalf("request ID = %q, want req-42", got)
	}

	if _, _, err := c.Read(t.Context(), "k"); err != nil {
		t.Fatal(err)
	}
	if got := <-seen; got == "" {
		t.Fatal("server must generate a request ID when none is sent")
	}
}
