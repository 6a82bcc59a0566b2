package log

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const metadataKeyRequestID = "x-request-id"

// Health probes arrive every few seconds; they log at debug.
const healthServicePrefix = "/grpc.health.v1.Health/"

// UnaryServerInterceptor stores a per-call logger in the context and logs
// each completed call.
func UnaryServerInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		child := callLogger(ctx, logger, info.FullMethod)
		resp, err := handler(WithLogger(ctx, child), req)
		logCall(child, info.FullMethod, start, err)
		return resp, err
	}
}

// StreamServerInterceptor is the streaming counterpart, used by health
// Watch calls.
func StreamServerInterceptor(logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		child := callLogger(ss.Context(), logger, info.FullMethod)
		err := handler(srv, &loggedStream{ServerStream: ss, ctx: WithLogger(ss.Context(), child)})
		logCall(child, info.FullMethod, start, err)
		return err
	}
}

func callLogger(ctx context.Context, logger zerolog.Logger, method string) zerolog.Logger {
	return logger.With().
		Str(FieldRequestID, requestIDFromMD(ctx)).
		Str(FieldGRPCMethod, method).
		Logger()
}

func logCall(l zerolog.Logger, method string, start time.Time, err error) {
	evt := l.Info()
	if strings.HasPrefix(method, healthServicePrefix) && err == nil {
		evt = l.Debug()
	} else if err != nil {
		evt = l.Warn()
	}
	evt.Str(FieldGRPCCode, status.Code(err).String()).
		Float64(FieldLatency, float64(time.Since(start).Milliseconds())).
		Err(err).
		Msg("grpc call completed")
}

type loggedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *loggedStream) Context() context.Context { return s.ctx }

func requestIDFromMD(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(metadataKeyRequestID); len(vals) > 0 && vals[0] != "" {
			return vals[0]
		}
	}
	return uuid.NewString()
}
