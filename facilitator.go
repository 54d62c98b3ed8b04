package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// facilitatorRequest is the body sent to both POST /verify and POST /settle.
type facilitatorRequest struct {
	X402Version int                  `json:"x402Version"`
	Payment     *PaymentPayload      `json:"payment"`
	Details     *PaymentRequirements `json:"details"`
}

type facilitatorVerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type facilitatorSettleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// FacilitatorClient talks to a remote x402 facilitator service. It implements
// Facilitator over HTTP: POST {base}/verify and POST {base}/settle.
//
// The client never lets a transport problem escape its boundary: network
// failures, non-2xx statuses and malformed bodies are all folded into a
// rejected VerificationResult or failed SettlementResult carrying the raw
// diagnostic, so the gate decides the user-facing behavior from a tagged
// result instead of an error path.
type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewFacilitatorClient creates a facilitator client for the given base URL.
// Per-call deadlines come from the caller's context; the underlying client
// timeout is a backstop for facilitators that never answer.
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Verify checks a payment credential against a requirement via POST /verify.
// The returned error is always nil; failures surface as Valid:false with a
// diagnostic reason.
func (c *FacilitatorClient) Verify(ctx context.Context, payment *PaymentPayload, requirements *PaymentRequirements) (*VerificationResult, error) {
	var out facilitatorVerifyResponse
	if err := c.post(ctx, "/verify", payment, requirements, &out); err != nil {
		return &VerificationResult{Valid: false, Reason: err.Error()}, nil
	}

	return &VerificationResult{
		Valid:  out.IsValid,
		Reason: out.InvalidReason,
		Payer:  out.Payer,
	}, nil
}

// Settle finalizes a verified payment via POST /settle. The returned error is
// always nil; failures surface as Success:false with a diagnostic reason.
func (c *FacilitatorClient) Settle(ctx context.Context, payment *PaymentPayload, requirements *PaymentRequirements) (*SettlementResult, error) {
	var out facilitatorSettleResponse
	if err := c.post(ctx, "/settle", payment, requirements, &out); err != nil {
		return &SettlementResult{Success: false, ErrorReason: err.Error()}, nil
	}

	result := &SettlementResult{
		Success:     out.Success,
		Transaction: out.Transaction,
		Network:     out.Network,
		Payer:       out.Payer,
		ErrorReason: out.ErrorReason,
	}
	if !result.Success && result.ErrorReason == "" {
		result.ErrorReason = "settlement rejected by facilitator"
	}
	return result, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, payment *PaymentPayload, requirements *PaymentRequirements, out interface{}) error {
	body, err := json.Marshal(facilitatorRequest{
		X402Version: X402Version,
		Payment:     payment,
		Details:     requirements,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal facilitator request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create facilitator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("facilitator %s returned status %d: %s", path, resp.StatusCode, string(raw))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode facilitator %s response: %w", path, err)
	}

	return nil
}
