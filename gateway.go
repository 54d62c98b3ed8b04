package x402

import (
	"context"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates verified
// payment facts from the HTTP request context into gRPC metadata, making them
// visible to backend gRPC handlers behind a grpc-gateway mux.
//
// Settlement runs after the backend handler has produced its response, so no
// transaction reference exists at this point; the metadata carries
// verification facts only. The settlement proof reaches the client on the
// HTTP response header.
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(annotatePaymentMetadata)
}

// annotatePaymentMetadata maps a verified payment context to outgoing gRPC
// metadata. Unverified or absent payments produce empty metadata.
func annotatePaymentMetadata(ctx context.Context, r *http.Request) metadata.MD {
	md := metadata.MD{}

	payment, ok := GetPaymentFromContext(ctx)
	if !ok || payment == nil || !payment.Verified {
		return md
	}

	md.Set("x-payment-verified", "true")
	md.Set("x-payment-payer", payment.Payer)
	md.Set("x-payment-amount", payment.Amount)
	md.Set("x-payment-network", payment.Network)

	return md
}

// GetPaymentFromGRPCContext extracts verified payment facts from incoming
// gRPC metadata set by WithPaymentMetadata.
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	verified := md.Get("x-payment-verified")
	if len(verified) == 0 || verified[0] != "true" {
		return nil, false
	}

	payment := &PaymentContext{Verified: true}

	if payer := md.Get("x-payment-payer"); len(payer) > 0 {
		payment.Payer = payer[0]
	}
	if amount := md.Get("x-payment-amount"); len(amount) > 0 {
		payment.Amount = amount[0]
	}
	if network := md.Get("x-payment-network"); len(network) > 0 {
		payment.Network = network[0]
	}

	return payment, true
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway context.
// Useful when pricing decisions depend on the matched route rather than the
// raw request path.
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	pattern, ok := runtime.HTTPPathPattern(ctx)
	return pattern, ok
}
