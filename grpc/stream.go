package grpc

import (
	"context"
	"fmt"

	x402 "github.com/meterwise/x402-gate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// StreamServerInterceptor creates a gRPC stream server interceptor that
// enforces x402 payments on matched methods.
//
// Payment is verified before the stream begins; per-message payment is not
// supported. Settlement is attempted once the stream handler has completed
// without error, so an aborted stream is never charged.
func StreamServerInterceptor(cfg x402.Config) grpc.StreamServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		rule, requiresPayment := cfg.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(srv, ss)
		}

		requirements, err := x402.BuildRequirements(rule, cfg.BaseURL, info.FullMethod, cfg.ValidityDuration)
		if err != nil {
			return status.Error(codes.Internal, fmt.Sprintf("method pricing is invalid: %v", err))
		}

		ctx := ss.Context()

		payment, gateErr := acceptPayment(ctx, &cfg, requirements)
		if gateErr != nil {
			return gateErr
		}

		// Once accepted, the stream runs to completion even if the client
		// disconnects; abandoning mid-flight would either charge for
		// undelivered work or deliver uncharged work.
		ctx = context.WithoutCancel(ctx)

		payCtx, err := verifiedContext(ctx, &cfg, payment, requirements)
		if err != nil {
			return err
		}

		wrapped := &paidServerStream{ServerStream: ss, ctx: payCtx}

		if err := handler(srv, wrapped); err != nil {
			// The stream failed; the work was not delivered and is not charged.
			return err
		}

		settleAndTrail(payCtx, &cfg, payment, requirements, func(md metadata.MD) {
			ss.SetTrailer(md)
		})

		return nil
	}
}

// paidServerStream overrides the stream context so handlers see the payment
// context injected after verification.
type paidServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *paidServerStream) Context() context.Context {
	return s.ctx
}
