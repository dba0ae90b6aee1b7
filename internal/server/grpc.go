package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"RateEngine/internal/observability"
)

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway.
type GRPCServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	gateway      http.Handler
	grpcAddr     string
	httpAddr     string
	log          zerolog.Logger
}

// NewGRPCServer creates the gRPC server with RateService, health and
// reflection registered, and builds the HTTP gateway in front of the same
// service implementation.
func NewGRPCServer(grpcAddr, httpAddr string, deps *Deps) (*GRPCServer, error) {
	svc := newRateService(deps)

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(metricsInterceptor(deps.Metrics)))
	RegisterRateServiceServer(grpcServer, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	gw, err := newGateway(svc, deps.Metrics, deps.Health)
	if err != nil {
		return nil, err
	}

	return &GRPCServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		gateway:      gw,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		log:          deps.Logger,
	}, nil
}

// Handler returns the HTTP gateway handler.
func (s *GRPCServer) Handler() http.Handler {
	return s.gateway
}

// Serve serves gRPC on lis until the server is stopped.
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.gateway,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the gRPC server immediately.
func (s *GRPCServer) Stop() {
	s.grpcServer.Stop()
}

func healthMux(h *observability.HealthChecker, gw http.Handler) http.Handler {
	mux := http.NewServeMux()
	if h != nil {
		mux.HandleFunc("/healthz", h.LivenessHandler)
		mux.HandleFunc("/readyz", h.ReadinessHandler)
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"status":"ok"}`)
		})
	}
	mux.Handle("/", gw)
	return mux
}
