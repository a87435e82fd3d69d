package grpcbackend

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/oriys/meteor/internal/backend"
	"github.com/oriys/meteor/internal/config"
	"github.com/oriys/meteor/internal/domain"
)

// Client is a ComputeBackend backed by one gRPC agent.
type Client struct {
	target string
	conn   *grpc.ClientConn
}

// Dial creates a client for the agent at target. Extra options are appended
// after the default insecure transport credentials.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{target: target, conn: conn}, nil
}

// Factory builds one client per region target.
func Factory() backend.Factory {
	return func(region string, _ config.BackendConfig) (backend.ComputeBackend, error) {
		if region == "" {
			return nil, fmt.Errorf("grpc backend requires at least one region target")
		}
		return Dial(region)
	}
}

func (c *Client) Name() string { return "grpc:" + c.target }

func (c *Client) RuntimeKey(runtimeName string, memoryMB int) string {
	return fmt.Sprintf("%s/%dMB", runtimeName, memoryMB)
}

// Invoke sends the payload; codes.ResourceExhausted means throttled.
func (c *Client) Invoke(ctx context.Context, runtimeName string, memoryMB int, payload []byte) (string, error) {
	out := new(wrapperspb.StringValue)
	err := c.conn.Invoke(ctx, invokeMethod, wrapperspb.Bytes(payload), out)
	if err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return "", nil
		}
		return "", fmt.Errorf("invoke %s: %w", c.target, err)
	}
	return out.GetValue(), nil
}

func (c *Client) RuntimeMeta(ctx context.Context, runtimeName string, memoryMB int) (*domain.RuntimeMeta, error) {
	req, err := json.Marshal(runtimeRequest{RuntimeName: runtimeName, RuntimeMemory: memoryMB})
	if err != nil {
		return nil, err
	}
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, runtimeMethod, wrapperspb.Bytes(req), out); err != nil {
		return nil, fmt.Errorf("runtime %s: %w", c.target, err)
	}
	var meta domain.RuntimeMeta
	if err := json.Unmarshal(out.GetValue(), &meta); err != nil {
		return nil, fmt.Errorf("decode runtime metadata: %w", err)
	}
	return &meta, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
