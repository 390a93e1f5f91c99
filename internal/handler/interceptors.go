package handler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
)

// GRPCCode maps an error code to its gRPC status code.
func GRPCCode(code errors.Code) codes.Code {
	switch code {
	case errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodeInvalidInput:
		return codes.InvalidArgument
	case errors.ErrCodeInvalidState, errors.ErrCodeNoApprovalRule:
		return codes.FailedPrecondition
	case errors.ErrCodeConflict:
		return codes.Aborted
	case errors.ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toStatus converts application errors to gRPC status errors. Errors that
// already carry a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var appErr *errors.Error
	if errors.As(err, &appErr) {
		return status.Error(GRPCCode(appErr.Code), appErr.Message)
	}
	return status.Error(codes.Internal, "internal error")
}

// unaryLogging logs every unary call with its method, code and duration and
// converts application errors to status errors.
func unaryLogging(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		err = toStatus(err)

		evt := log.Debug()
		if err != nil {
			evt = log.Warn().Err(err)
		}
		evt.
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("grpc call")
		return resp, err
	}
}

// unaryRecovery turns a handler panic into codes.Internal.
func unaryRecovery(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Str("method", info.FullMethod).
					Str("panic", fmt.Sprint(rec)).
					Bytes("stack", debug.Stack()).
					Msg("grpc handler panicked")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// streamRecovery is unaryRecovery for streaming calls such as health Watch.
func streamRecovery(log *logger.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Str("method", info.FullMethod).
					Str("panic", fmt.Sprint(rec)).
					Bytes("stack", debug.Stack()).
					Msg("grpc stream panicked")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(srv, ss)
	}
}
