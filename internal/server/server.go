// ============================================================================
// meshctl gRPC Health Service
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Expose controller and per-node liveness over the standard
// grpc.health.v1 protocol so probes (grpc_health_probe, load balancers,
// `meshctl health`) can query it.
//
// Services:
//   - ""         : the controller process itself
//   - "node-<id>": SERVING while the node is in the connected set
//
// ============================================================================

package server

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/meshctl/pkg/types"
)

// Server implements the gRPC health endpoint.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     *zap.Logger

	mu  sync.Mutex
	lis net.Listener
}

// NewServer creates a health server. The controller service starts as
// NOT_SERVING until SetServing(true).
func NewServer(logger *zap.Logger) *Server {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{grpcServer: gs, health: hs, logger: logger}
}

// ServiceName is the health service name for a node.
func ServiceName(id types.NodeID) string {
	return id.String()
}

// SetServing marks the controller itself.
func (s *Server) SetServing(serving bool) {
	s.health.SetServingStatus("", servingStatus(serving))
}

// SetNodeStatus marks one node online or offline.
func (s *Server) SetNodeStatus(id types.NodeID, online bool) {
	s.health.SetServingStatus(ServiceName(id), servingStatus(online))
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Listen binds addr.
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Serve blocks until Stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	lis := s.lis
	s.mu.Unlock()
	if lis == nil {
		return fmt.Errorf("health server: Serve called before Listen")
	}

	s.logger.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("health server failed: %w", err)
	}
	return nil
}

// Stop reports NOT_SERVING for everything and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
