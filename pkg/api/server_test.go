package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type recordingReceiver struct {
	got []*notify.Envelope
}

func (r *recordingReceiver) Receive(ctx context.Context, env *notify.Envelope) *notify.Receipt {
	r.got = append(r.got, env)
	if env.Type == "explode" {
		panic("boom")
	}
	return &notify.Receipt{Success: true, ID: env.ID}
}

func startServer(t *testing.T, r Receiver) *grpc.ClientConn {
	t.Helper()
	srv := NewServer(r)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(srv.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerNotify(t *testing.T) {
	recv := &recordingReceiver{}
	conn := startServer(t, recv)

	raw, err := json.Marshal(&notify.Envelope{ID: "e1", Type: notify.TypePeerHello, FromNode: "a"})
	require.NoError(t, err)

	out := new(wrapperspb.BytesValue)
	require.NoError(t, conn.Invoke(context.Background(), NotifyMethod, wrapperspb.Bytes(raw), out))

	var receipt notify.Receipt
	require.NoError(t, json.Unmarshal(out.GetValue(), &receipt))
	assert.True(t, receipt.Success)
	assert.Equal(t, "e1", receipt.ID)
	require.Len(t, recv.got, 1)
	assert.Equal(t, notify.TypePeerHello, recv.got[0].Type)
}

func TestServerRejectsGarbage(t *testing.T) {
	conn := startServer(t, &recordingReceiver{})

	out := new(wrapperspb.BytesValue)
	err := conn.Invoke(context.Background(), NotifyMethod, wrapperspb.Bytes([]byte("{not json")), out)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServerRecoversPanics(t *testing.T) {
	conn := startServer(t, &recordingReceiver{})

	raw, err := json.Marshal(&notify.Envelope{ID: "e2", Type: "explode"})
	require.NoError(t, err)
	out := new(wrapperspb.BytesValue)
	err = conn.Invoke(context.Background(), NotifyMethod, wrapperspb.Bytes(raw), out)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestMethodName(t *testing.T) {
	assert.Equal(t, "Notify", methodName(NotifyMethod))
	assert.Equal(t, "x", methodName("x"))
}

func TestHealthServerRoutes(t *testing.T) {
	hs := NewHealthServer()

	for _, path := range []string{"/health", "/ready", "/live", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			hs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.NotEqual(t, http.StatusNotFound, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	hs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	hs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthServerKey(t *testing.T) {
	key := &types.NodeKey{UUID: "k1", Node: "n1", PublicKey: "pub", RemoteHost: "10.0.0.1", Expiration: time.Now().Add(time.Hour)}
	hs := NewHealthServer(WithKeyProvider(func(ctx context.Context) (*types.NodeKey, error) {
		return key, nil
	}))

	rec := httptest.NewRecorder()
	hs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/key", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got types.NodeKey
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "k1", got.UUID)
	assert.Equal(t, "pub", got.PublicKey)
	assert.Empty(t, got.RemoteHost)

	failing := NewHealthServer(WithKeyProvider(func(ctx context.Context) (*types.NodeKey, error) {
		return nil, errors.New("no identity")
	}))
	rec = httptest.NewRecorder()
	failing.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/key", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
