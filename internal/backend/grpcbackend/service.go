// Package grpcbackend reaches a worker agent over gRPC. The agent service
// is declared by hand over protobuf well-known wrapper messages:
//
//	service meteor.worker.v1.Agent {
//	  rpc Invoke(google.protobuf.BytesValue) returns (google.protobuf.StringValue);
//	  rpc Runtime(google.protobuf.BytesValue) returns (google.protobuf.BytesValue);
//	}
//
// Invoke carries the JSON invocation payload and returns the activation id;
// codes.ResourceExhausted means the agent is saturated. Runtime carries a
// JSON runtimeRequest and returns JSON runtime metadata.
package grpcbackend

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName   = "meteor.worker.v1.Agent"
	invokeMethod  = "/" + serviceName + "/Invoke"
	runtimeMethod = "/" + serviceName + "/Runtime"
)

type runtimeRequest struct {
	RuntimeName   string `json:"runtime_name"`
	RuntimeMemory int    `json:"runtime_memory"`
}

// AgentServer is the server API of the agent service.
type AgentServer interface {
	Invoke(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error)
	Runtime(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// RegisterAgentServer registers srv on s.
func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&agentServiceDesc, srv)
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
		{MethodName: "Runtime", Handler: runtimeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "meteor/worker/v1/agent.proto",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).Invoke(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func runtimeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).Runtime(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runtimeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).Runtime(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}
