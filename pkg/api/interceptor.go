package api

import (
	"context"
	"strings"

	"github.com/cuemby/sagenet/pkg/log"
	"github.com/cuemby/sagenet/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MetricsInterceptor records request counts and latency per admin method.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		method := methodName(info.FullMethod)
		timer := metrics.NewTimer()

		resp, err := handler(ctx, req)

		timer.ObserveDurationVec(metrics.AdminRequestDuration, method)
		metrics.AdminRequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// RecoveryInterceptor turns a panic in a handler into an Internal error so
// one bad request cannot take the node down.
func RecoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger := log.WithComponent("admin")
				logger.Error().
					Str("method", info.FullMethod).
					Interface("panic", p).
					Msg("Recovered from panic in admin handler")
				err = status.Errorf(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// methodName extracts the method from a full path,
// "/sagenet.admin.v1.Admin/Notify" -> "Notify"
func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	return parts[len(parts)-1]
}
