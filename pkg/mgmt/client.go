package mgmt

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Client calls the management surface of a running node.
type Client struct {
	timeout time.Duration
}

// NewClient returns a client with a per-call timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{timeout: timeout}
}

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	return grpc.DialContext(ctx, target, opts...)
}

// GetStatus fetches the node status from addr.
func (c *Client) GetStatus(ctx context.Context, addr string) (Status, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var out Status
	cc, err := c.dialCtx(cctx, addr)
	if err != nil {
		return out, err
	}
	defer cc.Close()
	if err := cc.Invoke(cctx, "/harness.v1.Management/GetStatus", &empty{}, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Shutdown asks the node at addr to stop.
func (c *Client) Shutdown(ctx context.Context, addr string) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, err := c.dialCtx(cctx, addr)
	if err != nil {
		return err
	}
	defer cc.Close()
	return cc.Invoke(cctx, "/harness.v1.Management/Shutdown", &empty{}, &empty{})
}
