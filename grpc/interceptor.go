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

// UnaryServerInterceptor creates a gRPC unary server interceptor that
// enforces x402 payments on matched methods.
//
// The protocol ordering matches the HTTP middleware: verification is a hard
// gate before the handler, settlement is attempted only after the handler
// returned a response that will be delivered. A handler error skips
// settlement entirely; a settlement failure is logged and the response is
// still returned, without the proof trailer.
func UnaryServerInterceptor(cfg x402.Config) grpc.UnaryServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		rule, requiresPayment := cfg.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(ctx, req)
		}

		requirements, err := x402.BuildRequirements(rule, cfg.BaseURL, info.FullMethod, cfg.ValidityDuration)
		if err != nil {
			return nil, status.Error(codes.Internal, fmt.Sprintf("method pricing is invalid: %v", err))
		}

		payment, gateErr := acceptPayment(ctx, &cfg, requirements)
		if gateErr != nil {
			return nil, gateErr
		}

		// Once accepted, the request runs to completion even if the client
		// disconnects; abandoning mid-flight would either charge for
		// undelivered work or deliver uncharged work.
		ctx = context.WithoutCancel(ctx)

		payCtx, err := verifiedContext(ctx, &cfg, payment, requirements)
		if err != nil {
			return nil, err
		}

		resp, err := handler(payCtx, req)
		if err != nil {
			// Failed work is never charged.
			return nil, err
		}

		settleAndTrail(payCtx, &cfg, payment, requirements, func(md metadata.MD) {
			grpc.SetTrailer(payCtx, md)
		})

		return resp, nil
	}
}

// acceptPayment extracts and decodes the credential from incoming metadata.
// Missing and malformed credentials both answer with the challenge status,
// mirroring the HTTP gate's 402-not-400 policy.
func acceptPayment(ctx context.Context, cfg *x402.Config, requirements *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, paymentRequiredStatus(requirements, "")
	}

	values := md.Get(MetadataKeyPayment)
	if len(values) == 0 {
		return nil, paymentRequiredStatus(requirements, "")
	}

	payment, err := x402.DecodePayment(values[0])
	if err != nil {
		return nil, paymentRequiredStatus(requirements, fmt.Sprintf("malformed payment credential: %v", err))
	}

	return payment, nil
}

// verifiedContext runs the hard-gate verification and, on success, returns a
// context carrying the payment facts for the handler.
func verifiedContext(ctx context.Context, cfg *x402.Config, payment *x402.PaymentPayload, requirements *x402.PaymentRequirements) (context.Context, error) {
	callCtx, cancel := context.WithTimeout(ctx, cfg.FacilitatorTimeout)
	defer cancel()

	verification, err := cfg.Facilitator.Verify(callCtx, payment, requirements)
	if err != nil {
		cfg.Logger.WithError(err).WithField("resource", requirements.Resource).
			Warn("x402: facilitator verify call failed")
		return nil, paymentRequiredStatus(requirements, "payment verification unavailable")
	}
	if verification == nil || !verification.Valid {
		reason := "payment rejected"
		if verification != nil && verification.Reason != "" {
			reason = verification.Reason
		}
		return nil, paymentRequiredStatus(requirements, reason)
	}

	return context.WithValue(ctx, x402.PaymentContextKey, &x402.PaymentContext{
		Verified: true,
		Payer:    verification.Payer,
		Amount:   requirements.MaxAmountRequired,
		Network:  requirements.Network,
	}), nil
}

// settleAndTrail attempts settlement and, on success, hands the encoded proof
// to send for delivery as trailing metadata. Settlement failures are logged;
// the response has already been decided and still goes out.
func settleAndTrail(ctx context.Context, cfg *x402.Config, payment *x402.PaymentPayload, requirements *x402.PaymentRequirements, send func(metadata.MD)) {
	callCtx, cancel := context.WithTimeout(ctx, cfg.FacilitatorTimeout)
	defer cancel()

	settlement, err := cfg.Facilitator.Settle(callCtx, payment, requirements)
	if err != nil || settlement == nil || !settlement.Success {
		reason := "settlement rejected"
		if err != nil {
			reason = err.Error()
		} else if settlement != nil && settlement.ErrorReason != "" {
			reason = settlement.ErrorReason
		}
		cfg.Logger.WithField("resource", requirements.Resource).WithField("reason", reason).
			Error("x402: settlement failed after successful execution")
		return
	}

	proof, err := EncodePaymentResponse(&x402.PaymentResponse{
		Success:     true,
		Transaction: settlement.Transaction,
		Network:     settlement.Network,
		Payer:       settlement.Payer,
	})
	if err != nil {
		// The payment succeeded; never fail the response over an encoding
		// problem in the proof trailer.
		cfg.Logger.WithError(err).Warn("x402: failed to encode settlement proof")
		return
	}

	send(metadata.Pairs(MetadataKeyPaymentResponse, proof))
}

// paymentRequiredStatus builds the challenge as a gRPC status. The message is
// the base64 JSON challenge envelope; clients decode it to obtain the
// requirement, exactly as they would from a 402 body.
//
// Uses RESOURCE_EXHAUSTED to signal payment required, following Google
// Cloud's precedent for billing and quota enforcement.
func paymentRequiredStatus(requirements *x402.PaymentRequirements, detail string) error {
	challenge := &x402.PaymentRequiredResponse{
		X402Version:       x402.X402Version,
		Error:             "payment required",
		Accepts:           []x402.PaymentRequirements{*requirements},
		VerificationError: detail,
	}

	encoded, err := EncodePaymentRequired(challenge)
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode payment requirements: %v", err))
	}

	return status.Error(codes.ResourceExhausted, encoded)
}

// GetPaymentFromContext extracts payment information from the gRPC context.
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	return x402.GetPaymentFromContext(ctx)
}
