package grpc

import (
	"testing"

	x402 "github.com/meterwise/x402-gate"
	"google.golang.org/grpc/metadata"
)

func TestPaymentRequiredRoundTrip(t *testing.T) {
	challenge := &x402.PaymentRequiredResponse{
		X402Version: 1,
		Error:       "payment required",
		Accepts: []x402.PaymentRequirements{{
			Scheme:            "exact",
			Network:           "base-sepolia",
			MaxAmountRequired: "20000",
			Resource:          "https://api.example.com/research.v1.ResearchService/Run",
			PayTo:             "0xRecipient",
			MaxTimeoutSeconds: 300,
			Asset:             "0xAsset",
		}},
	}

	encoded, err := EncodePaymentRequired(challenge)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}

	decoded, err := DecodePaymentRequired(encoded)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if decoded.X402Version != 1 {
		t.Errorf("expected version 1, got %d", decoded.X402Version)
	}
	if len(decoded.Accepts) != 1 || decoded.Accepts[0].MaxAmountRequired != "20000" {
		t.Errorf("requirement did not survive round trip: %+v", decoded.Accepts)
	}
}

func TestDecodePaymentRequired_Invalid(t *testing.T) {
	if _, err := DecodePaymentRequired("not-base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := DecodePaymentRequired("bm90IGpzb24="); err == nil {
		t.Error("expected error for non-JSON payload")
	}
}

func TestPaymentResponseRoundTrip(t *testing.T) {
	proof := &x402.PaymentResponse{
		Success:     true,
		Transaction: "0xtxhash",
		Network:     "base-sepolia",
		Payer:       "0xPayer",
	}

	encoded, err := EncodePaymentResponse(proof)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}

	decoded, err := DecodePaymentResponse(encoded)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if !decoded.Success || decoded.Transaction != "0xtxhash" {
		t.Errorf("proof did not survive round trip: %+v", decoded)
	}
}

func TestExtractPaymentFromMetadata(t *testing.T) {
	header, err := x402.EncodePayment(&x402.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload:     map[string]interface{}{"signature": "0xsig"},
	})
	if err != nil {
		t.Fatalf("failed to encode payment: %v", err)
	}

	md := metadata.Pairs(MetadataKeyPayment, header)
	payment, err := ExtractPaymentFromMetadata(md)
	if err != nil {
		t.Fatalf("failed to extract: %v", err)
	}
	if payment.Scheme != "exact" || payment.Network != "base-sepolia" {
		t.Errorf("unexpected payment: %+v", payment)
	}
}

func TestExtractPaymentFromMetadata_Missing(t *testing.T) {
	if _, err := ExtractPaymentFromMetadata(metadata.MD{}); err == nil {
		t.Error("expected error for missing payment metadata")
	}
}
