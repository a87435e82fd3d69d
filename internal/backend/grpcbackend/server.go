package grpcbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/oriys/meteor/internal/logging"
	"github.com/oriys/meteor/internal/worker"
)

// Server exposes a worker agent over gRPC, together with the standard
// health service.
type Server struct {
	agent  *worker.Agent
	server *grpc.Server
	health *health.Server
}

// NewServer creates a server for agent.
func NewServer(agent *worker.Agent) *Server {
	s := &Server{
		agent:  agent,
		health: health.NewServer(),
	}
	s.server = grpc.NewServer(grpc.ChainUnaryInterceptor(recoveryInterceptor, loggingInterceptor))
	RegisterAgentServer(s.server, s)
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logging.Op().Info("gRPC agent started", "addr", lis.Addr().String())
	go s.Serve(lis)
	return nil
}

// Serve serves on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		logging.Op().Error("gRPC agent error", "error", err)
		return err
	}
	return nil
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

func (s *Server) Invoke(_ context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	id, err := s.agent.Submit(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if id == "" {
		return nil, status.Error(codes.ResourceExhausted, "agent saturated")
	}
	return wrapperspb.String(id), nil
}

func (s *Server) Runtime(_ context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req runtimeRequest
	if len(in.GetValue()) > 0 {
		if err := json.Unmarshal(in.GetValue(), &req); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode runtime request: %v", err)
		}
	}
	data, err := json.Marshal(s.agent.Meta(req.RuntimeName, req.RuntimeMemory))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(data), nil
}
