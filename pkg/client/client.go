package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/sagenet/pkg/api"
	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/cuemby/sagenet/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultAdminPort is used for nodes that do not advertise a port
const DefaultAdminPort = 1202

// Client calls other nodes' admin endpoints. It keeps one connection per
// address and implements notify.Dialer.
type Client struct {
	defaultPort int
	opts        []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient creates an admin client. Transport security is terminated by
// the network layer in front of the admin port, so connections are
// plaintext unless opts override the credentials.
func NewClient(defaultPort int, opts ...grpc.DialOption) *Client {
	if defaultPort == 0 {
		defaultPort = DefaultAdminPort
	}
	base := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	return &Client{
		defaultPort: defaultPort,
		opts:        append(base, opts...),
		conns:       make(map[string]*grpc.ClientConn),
	}
}

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c.conns[addr] = conn
	return conn, nil
}

// Deliver sends env to target's admin endpoint and returns its receipt.
func (c *Client) Deliver(ctx context.Context, target *types.Node, env *notify.Envelope) (*notify.Receipt, error) {
	return c.DeliverTo(ctx, target.AdminAddress(c.defaultPort), env)
}

// DeliverTo sends env to an explicit host:port.
func (c *Client) DeliverTo(ctx context.Context, addr string, env *notify.Envelope) (*notify.Receipt, error) {
	conn, err := c.conn(addr)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, api.NotifyMethod, wrapperspb.Bytes(raw), out); err != nil {
		return nil, err
	}
	var receipt notify.Receipt
	if err := json.Unmarshal(out.GetValue(), &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &receipt, nil
}

// Close closes every cached connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, addr)
	}
	return firstErr
}
