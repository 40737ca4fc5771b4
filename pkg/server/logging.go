package server

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// UnaryRequestLogger creates a gRPC unary interceptor for logging requests
func UnaryRequestLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		logCall(ctx, logger, info.FullMethod, time.Since(start), err, extractFields(req)...)

		return resp, err
	}
}

// StreamRequestLogger creates a gRPC stream interceptor for logging requests
func StreamRequestLogger(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()

		err := handler(srv, ss)

		logCall(ss.Context(), logger, info.FullMethod, time.Since(start), err)

		return err
	}
}

func logCall(ctx context.Context, logger *zap.Logger, method string, duration time.Duration, err error, extra ...zap.Field) {
	peerAddr := ""
	if p, ok := peer.FromContext(ctx); ok {
		peerAddr = p.Addr.String()
	}

	code := status.Code(err)
	fields := []zap.Field{
		zap.Duration("duration", duration),
		zap.String("code", code.String()),
		zap.String("peer.address", peerAddr),
	}
	fields = append(fields, extra...)
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	if ce := logger.Check(levelFor(code), method); ce != nil {
		ce.Write(fields...)
	}
}

// levelFor maps a status code to a log level. Caller mistakes are warnings,
// server faults are errors.
func levelFor(code codes.Code) zapcore.Level {
	switch code {
	case codes.OK, codes.Canceled:
		return zapcore.InfoLevel
	case codes.InvalidArgument, codes.NotFound, codes.ResourceExhausted, codes.DeadlineExceeded:
		return zapcore.WarnLevel
	}
	return zapcore.ErrorLevel
}

// extractFields extracts the cache and key of a request message
func extractFields(req interface{}) []zap.Field {
	m, ok := req.(*structpb.Struct)
	if !ok {
		return nil
	}

	fields := make([]zap.Field, 0, 2)

	if name := stringField(m, FieldCache); name != "" {
		fields = append(fields, zap.String("cache", name))
	}

	if key := stringField(m, FieldKey); key != "" {
		fields = append(fields, zap.String("key", key))
	}

	return fields
}
