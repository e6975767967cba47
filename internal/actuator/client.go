package actuator

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/field"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
)

// #region client-struct
// Client is a Device backed by a remote actuator service.
type Client struct {
	conn   *grpc.ClientConn
	client ActuatorClient
}

// #endregion client-struct

// #region constructor
// NewClient connects to an actuator service.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return NewClientWithConn(conn), nil
}

// NewClientWithConn wraps an existing connection. Close closes conn.
func NewClientWithConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, client: NewActuatorClient(conn)}
}

// NewClientWithService creates a Client over an injected RPC surface.
func NewClientWithService(svc ActuatorClient) *Client {
	return &Client{client: svc}
}

// Close shuts down the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion constructor

// #region rpc
// Apply forwards a certified command.
func (c *Client) Apply(ctx context.Context, cmd field.Command) error {
	req, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	if _, err := c.client.Apply(ctx, req); err != nil {
		return fmt.Errorf("apply rpc: %w", err)
	}
	return nil
}

// Deenergize drives the remote field off and requires an explicit confirmation.
func (c *Client) Deenergize(ctx context.Context) error {
	resp, err := c.client.Deenergize(ctx, &emptypb.Empty{})
	if err != nil {
		return fmt.Errorf("deenergize rpc: %w", err)
	}
	if !resp.GetFields()[keyOff].GetBoolValue() {
		return ErrNotConfirmed
	}
	return nil
}

// #endregion rpc
