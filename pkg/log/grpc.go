package log

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const metadataKeyRequestID = "x-request-id"

// healthService is probed constantly; successful calls log at debug.
const healthService = "/grpc.health.v1.Health/"

// UnaryServerInterceptor injects a call scoped logger into the handler
// context, echoes the request id in the response header and logs the result.
func UnaryServerInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		ctx, child := callContext(ctx, logger, info.FullMethod)

		resp, err := handler(ctx, req)

		logCall(&child, info.FullMethod, start, err, "unary call completed")
		return resp, err
	}
}

// StreamServerInterceptor is the streaming counterpart of
// UnaryServerInterceptor. Client cancellation ends a stream normally.
func StreamServerInterceptor(logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		ctx, child := callContext(ss.Context(), logger, info.FullMethod)

		err := handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})

		logged := err
		if status.Code(err) == codes.Canceled {
			logged = nil
		}
		logCall(&child, info.FullMethod, start, logged, "stream call completed")
		return err
	}
}

func callContext(ctx context.Context, logger zerolog.Logger, method string) (context.Context, zerolog.Logger) {
	reqID := requestIDFromMD(ctx)
	_ = grpc.SetHeader(ctx, metadata.Pairs(metadataKeyRequestID, reqID))

	child := logger.With().
		Str(FieldRequestID, reqID).
		Str(FieldGRPCMethod, method).
		Logger()
	return WithLogger(ctx, child), child
}

func logCall(l *zerolog.Logger, method string, start time.Time, err error, msg string) {
	var evt *zerolog.Event
	switch {
	case err != nil:
		evt = l.Warn().Err(err)
	case strings.HasPrefix(method, healthService):
		evt = l.Debug()
	default:
		evt = l.Info()
	}
	evt.
		Str(FieldGRPCCode, status.Code(err).String()).
		Float64(FieldLatency, float64(time.Since(start).Milliseconds())).
		Msg(msg)
}

// wrappedStream overrides Context() to carry the call logger.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}

func requestIDFromMD(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(metadataKeyRequestID); len(vals) > 0 && vals[0] != "" {
			return vals[0]
		}
	}
	return uuid.NewString()
}
