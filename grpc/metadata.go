// Package grpc implements the payment gate for native gRPC servers, using
// metadata for payment signaling in place of HTTP headers.
package grpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	x402 "github.com/meterwise/x402-gate"
	"google.golang.org/grpc/metadata"
)

const (
	// MetadataKeyPayment is the metadata key for the payment credential.
	MetadataKeyPayment = "x402-payment"

	// MetadataKeyPaymentResponse is the metadata key for the settlement proof
	// sent in trailing metadata.
	MetadataKeyPaymentResponse = "x402-payment-response"
)

// EncodePaymentRequired encodes a challenge envelope to base64 JSON for use
// as a status message.
func EncodePaymentRequired(challenge *x402.PaymentRequiredResponse) (string, error) {
	raw, err := json.Marshal(challenge)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentRequired decodes a base64 JSON challenge envelope from a
// status message.
func DecodePaymentRequired(encoded string) (*x402.PaymentRequiredResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var challenge x402.PaymentRequiredResponse
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment requirements: %w", err)
	}

	return &challenge, nil
}

// EncodePaymentResponse encodes a settlement proof to base64 JSON for
// trailing metadata.
func EncodePaymentResponse(response *x402.PaymentResponse) (string, error) {
	raw, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentResponse decodes a base64 JSON settlement proof from trailing
// metadata.
func DecodePaymentResponse(encoded string) (*x402.PaymentResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response x402.PaymentResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment response: %w", err)
	}

	return &response, nil
}

// ExtractPaymentFromMetadata extracts and decodes the payment credential from
// gRPC metadata. The credential uses the same base64 JSON encoding as the
// X-PAYMENT HTTP header.
func ExtractPaymentFromMetadata(md metadata.MD) (*x402.PaymentPayload, error) {
	values := md.Get(MetadataKeyPayment)
	if len(values) == 0 {
		return nil, fmt.Errorf("no payment found in metadata")
	}

	return x402.DecodePayment(values[0])
}
