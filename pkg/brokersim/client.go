// Package brokersim is a Go client for the brokersim fulfillment daemon's
// gRPC admin service.
package brokersim

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const service = "brokersim.v1.Fulfillment"

// Client calls the fulfillment admin service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for the daemon at addr. Without options the
// connection is plaintext.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// RunPass runs a fulfillment pass and returns its report.
func (c *Client) RunPass(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+service+"/RunPass", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// PlaceOrder submits an order given as field/value pairs (user_id,
// portfolio_id, security_id, security_type, side, subtype, quantity, ...)
// and returns the recorded order.
func (c *Client) PlaceOrder(ctx context.Context, fields map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding order: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+service+"/PlaceOrder", in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// CancelOrder requests cancellation of an order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.conn.Invoke(ctx, "/"+service+"/CancelOrder", wrapperspb.String(orderID), new(emptypb.Empty))
}

// GetOrder returns an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+service+"/GetOrder", wrapperspb.String(orderID), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Healthy reports whether the daemon's fulfillment service is serving.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
