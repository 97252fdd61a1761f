package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/sagenet/pkg/log"
	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the gRPC service exposed on every node's admin endpoint
	ServiceName = "sagenet.admin.v1.Admin"

	// NotifyMethod is the full method name of the single admin call
	NotifyMethod = "/" + ServiceName + "/Notify"
)

// Receiver handles envelopes arriving on the admin endpoint
type Receiver interface {
	Receive(ctx context.Context, env *notify.Envelope) *notify.Receipt
}

type adminServer interface {
	notify(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// The admin service carries a JSON envelope in a BytesValue and answers
// with a JSON receipt.
var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*adminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Notify", Handler: notifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sagenet/admin.proto",
}

func notifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminServer).notify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: NotifyMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(adminServer).notify(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Server is the admin gRPC endpoint of a node
type Server struct {
	receiver Receiver
	grpc     *grpc.Server
	logger   zerolog.Logger

	mu  sync.Mutex
	lis net.Listener
}

// NewServer creates a new admin server delivering to receiver
func NewServer(receiver Receiver, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(
		RecoveryInterceptor(),
		MetricsInterceptor(),
	)}, opts...)
	s := &Server{
		receiver: receiver,
		grpc:     grpc.NewServer(opts...),
		logger:   log.WithComponent("admin"),
	}
	s.grpc.RegisterService(&adminServiceDesc, s)
	return s
}

// Listen binds the server to addr without serving yet
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Serve blocks serving requests on the listener bound by Listen
func (s *Server) Serve() error {
	s.mu.Lock()
	lis := s.lis
	s.mu.Unlock()
	if lis == nil {
		return fmt.Errorf("admin server not listening")
	}
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Admin endpoint listening")
	return s.grpc.Serve(lis)
}

// Start listens on addr and serves until Stop
func (s *Server) Start(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

func (s *Server) notify(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var env notify.Envelope
	if err := json.Unmarshal(req.GetValue(), &env); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode envelope: %v", err)
	}
	receipt := s.receiver.Receive(ctx, &env)
	out, err := json.Marshal(receipt)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode receipt: %v", err)
	}
	return wrapperspb.Bytes(out), nil
}
