package kv

import (
	"net"

	"github.com/Keksclan/squirrelstore/backend"
	"github.com/Keksclan/squirrelstore/ratelimit"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Option configures a Server.
type Option func(*config)

type config struct {
	logger         logrus.FieldLogger
	limiter        *ratelimit.Limiter
	tracerProvider trace.TracerProvider
	interceptors   []grpc.UnaryServerInterceptor
}

// WithLogger sets the logger used for recovered panics.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRateLimit throttles the whole service to rps requests per second with
// the given burst. Excess requests fail with codes.ResourceExhausted.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *config) {
		c.limiter = ratelimit.NewLimiter(rps, burst)
	}
}

// WithTracerProvider sets the provider used for server spans. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		c.tracerProvider = tp
	}
}

// WithUnaryInterceptor appends a unary server interceptor to the chain.
func WithUnaryInterceptor(i grpc.UnaryServerInterceptor) Option {
	return func(c *config) {
		c.interceptors = append(c.interceptors, i)
	}
}

// Server serves one Backend over gRPC together with the standard health
// service. Interceptors run in a fixed order: request ID, recovery, rate
// limit, then the ones added with WithUnaryInterceptor.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
}

// NewServer creates a Server for b.
func NewServer(b backend.Backend, opts ...Option) *Server {
	cfg := config{logger: logrus.StandardLogger()}
	for _, o := range opts {
		o(&cfg)
	}

	chain := []grpc.UnaryServerInterceptor{requestIDUnary(), recoveryUnary(cfg.logger)}
	if cfg.limiter != nil {
		chain = append(chain, rateLimitUnary(cfg.limiter))
	}
	chain = append(chain, cfg.interceptors...)

	var otelOpts []otelgrpc.Option
	if cfg.tracerProvider != nil {
		otelOpts = append(otelOpts, otelgrpc.WithTracerProvider(cfg.tracerProvider))
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler(otelOpts...)),
		grpc.UnaryInterceptor(chainUnary(chain)),
	)
	Register(grpcServer, BackendHandler(b))

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{grpcServer: grpcServer, health: healthServer}
}

// GRPC returns the underlying *grpc.Server so callers can register more
// services.
func (s *Server) GRPC() *grpc.Server {
	return s.grpcServer
}

// Serve accepts connections on lis until Stop or GracefulStop.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// GracefulStop reports NOT_SERVING to health checks and waits for pending
// requests to finish.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Stop closes all connections immediately.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.Stop()
}
