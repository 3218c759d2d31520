package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// traceMetadataKey: тот же X-Trace-ID, в gRPC метаданные передаются в нижнем регистре.
const traceMetadataKey = "x-trace-id"

// UnaryTraceInterceptor переносит Trace-ID из метаданных в контекст (или генерирует новый),
// отдает его обратно в заголовке ответа и превращает панику обработчика в codes.Internal.
func UnaryTraceInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	log := logger.With(zap.String("mod", "grpc"))

	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		traceID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(traceMetadataKey); len(ids) > 0 {
				traceID = ids[0]
			}
		}
		if traceID == "" {
			traceID = uuid.New().String()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(traceMetadataKey, traceID))

		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in grpc handler",
					zap.String("method", info.FullMethod),
					zap.String("trace_id", traceID),
					zap.Any("panic", r))
				err = status.Error(codes.Internal, "internal error")
			}
		}()

		start := time.Now()
		resp, err = handler(WithTraceID(ctx, traceID), req)
		log.Debug("grpc call",
			zap.String("method", info.FullMethod),
			zap.String("trace_id", traceID),
			zap.Duration("took", time.Since(start)),
			zap.Error(err))
		return resp, err
	}
}
