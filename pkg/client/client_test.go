package client

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/cuemby/sagenet/pkg/api"
	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoReceiver struct{}

func (echoReceiver) Receive(ctx context.Context, env *notify.Envelope) *notify.Receipt {
	if env.FromNode == "" {
		return &notify.Receipt{ID: env.ID, Error: "unknown sender"}
	}
	return &notify.Receipt{Success: true, ID: env.ID}
}

func TestDeliverOverGRPC(t *testing.T) {
	srv := api.NewServer(echoReceiver{})
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go func() { _ = srv.Serve() }()
	defer srv.Stop()

	host, portStr, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := NewClient(0)
	defer c.Close()

	target := &types.Node{UUID: "b", IP4: host, AdminPort: port}
	receipt, err := c.Deliver(context.Background(), target, &notify.Envelope{ID: "e1", Type: notify.TypeHealthCheck, FromNode: "a"})
	require.NoError(t, err)
	assert.True(t, receipt.Success)

	receipt, err = c.Deliver(context.Background(), target, &notify.Envelope{ID: "e2", Type: notify.TypeHealthCheck})
	require.NoError(t, err)
	assert.False(t, receipt.Success)
	assert.Equal(t, "unknown sender", receipt.Error)

	assert.Len(t, c.conns, 1, "connection reused per address")
}

func TestDeliverUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()

	c := NewClient(DefaultAdminPort)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = c.DeliverTo(ctx, addr, &notify.Envelope{ID: "e1", Type: notify.TypeHealthCheck})
	assert.Error(t, err)
}
