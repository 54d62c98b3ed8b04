package x402

import (
	"context"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc/metadata"
)

func TestGetPaymentFromGRPCContext(t *testing.T) {
	md := metadata.Pairs(
		"x-payment-verified", "true",
		"x-payment-payer", "0xPayer",
		"x-payment-amount", "20000",
		"x-payment-network", "base-sepolia",
	)
	ctx := metadata.NewIncomingContext(context.Background(), md)

	payment, ok := GetPaymentFromGRPCContext(ctx)
	if !ok {
		t.Fatal("expected payment context")
	}
	if !payment.Verified {
		t.Error("expected verified payment")
	}
	if payment.Payer != "0xPayer" {
		t.Errorf("unexpected payer: %s", payment.Payer)
	}
	if payment.Amount != "20000" {
		t.Errorf("unexpected amount: %s", payment.Amount)
	}
	if payment.Network != "base-sepolia" {
		t.Errorf("unexpected network: %s", payment.Network)
	}
}

func TestGetPaymentFromGRPCContext_Absent(t *testing.T) {
	if _, ok := GetPaymentFromGRPCContext(context.Background()); ok {
		t.Error("expected no payment without metadata")
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-payment-verified", "false"))
	if _, ok := GetPaymentFromGRPCContext(ctx); ok {
		t.Error("expected no payment when not verified")
	}
}

func TestRequirePayment(t *testing.T) {
	if _, err := RequirePayment(context.Background()); err == nil {
		t.Error("expected error without payment context")
	}

	ctx := context.WithValue(context.Background(), PaymentContextKey, &PaymentContext{Verified: false})
	if _, err := RequirePayment(ctx); err == nil {
		t.Error("expected error for unverified payment")
	}

	ctx = context.WithValue(context.Background(), PaymentContextKey, &PaymentContext{Verified: true, Payer: "0xPayer"})
	payment, err := RequirePayment(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payment.Payer != "0xPayer" {
		t.Errorf("unexpected payer: %s", payment.Payer)
	}
}

func TestAnnotatePaymentMetadata(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/research", nil)
	ctx := context.WithValue(context.Background(), PaymentContextKey, &PaymentContext{
		Verified: true,
		Payer:    "0xPayer",
		Amount:   "20000",
		Network:  "base-sepolia",
	})

	md := annotatePaymentMetadata(ctx, req)

	want := map[string]string{
		"x-payment-verified": "true",
		"x-payment-payer":    "0xPayer",
		"x-payment-amount":   "20000",
		"x-payment-network":  "base-sepolia",
	}
	for key, value := range want {
		got := md.Get(key)
		if len(got) != 1 || got[0] != value {
			t.Errorf("expected %s=%q, got %v", key, value, got)
		}
	}

	// Round trip: a backend handler reads the same facts back out.
	payment, ok := GetPaymentFromGRPCContext(metadata.NewIncomingContext(context.Background(), md))
	if !ok || payment.Payer != "0xPayer" || payment.Amount != "20000" {
		t.Errorf("annotated metadata did not round trip: %+v", payment)
	}
}

func TestAnnotatePaymentMetadata_Unpaid(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)

	if md := annotatePaymentMetadata(context.Background(), req); len(md) != 0 {
		t.Errorf("expected empty metadata without payment context, got %v", md)
	}

	ctx := context.WithValue(context.Background(), PaymentContextKey, &PaymentContext{Verified: false})
	if md := annotatePaymentMetadata(ctx, req); len(md) != 0 {
		t.Errorf("expected empty metadata for unverified payment, got %v", md)
	}
}
