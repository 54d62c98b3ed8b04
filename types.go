package x402

import (
	"context"
)

// Protocol version carried in challenge envelopes and payment headers.
const X402Version = 1

// HTTP header names used by the payment protocol.
const (
	// HeaderPayment carries the client's base64-encoded payment credential.
	HeaderPayment = "X-PAYMENT"

	// HeaderPaymentResponse carries the base64-encoded settlement proof on
	// successful responses. Its absence on a 2xx means settlement was not
	// confirmed but the result was still delivered.
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// PaymentRequirements is the server's canonical description of the payment it
// accepts for one endpoint invocation. It is built exactly once per request
// and threaded unchanged through the 402 challenge, verification and
// settlement: facilitators compare the requirement bundled with a settlement
// attempt against the one that accompanied verification.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"` // atomic units
	Resource          string                 `json:"resource"`          // canonical endpoint URL
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Asset             string                 `json:"asset"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentPayload is the decoded payment credential from the X-PAYMENT header.
// The scheme payload (payer, signature, authorization data) stays opaque to
// the gate; it is passed unchanged to both verify and settle and discarded
// when the request completes.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Payload     map[string]interface{} `json:"payload"`
}

// PaymentRequiredResponse is the versioned 402 challenge envelope. Accepts is
// multi-valued for forward compatibility even though each endpoint currently
// publishes exactly one requirement.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`

	// VerificationError distinguishes "pay" from "your payment attempt was
	// rejected" so callers can retry with a corrected credential.
	VerificationError string `json:"verificationError,omitempty"`
}

// VerificationResult attests that a credential is well-formed and currently
// authorizable. It does not guarantee settlement will succeed.
type VerificationResult struct {
	Valid  bool
	Reason string
	Payer  string
}

// SettlementResult reports the outcome of finalizing a payment.
type SettlementResult struct {
	Success     bool
	Transaction string
	Network     string
	Payer       string
	ErrorReason string
}

// PaymentResponse is the settlement proof sent in the X-PAYMENT-RESPONSE
// header, base64 JSON encoded.
type PaymentResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// Facilitator is the settlement authority contract the gate depends on. It is
// an untrusted remote collaborator: implementations should fold transport
// failures into rejected results where possible, and the gate treats any
// returned error as a rejection at the matching protocol stage.
//
// Neither call is retried by the gate, and settle is issued at most once per
// request, only after verification succeeded and the protected handler
// produced a deliverable response.
type Facilitator interface {
	// Verify checks whether a credential is valid for the requirement without
	// finalizing it.
	Verify(ctx context.Context, payment *PaymentPayload, requirements *PaymentRequirements) (*VerificationResult, error)

	// Settle finalizes the payment and returns the transaction reference.
	Settle(ctx context.Context, payment *PaymentPayload, requirements *PaymentRequirements) (*SettlementResult, error)
}

// Stage identifies how far a request advanced through the payment protocol.
// Used in gate logs; requests terminate at challenged, verified, executed or
// settled.
type Stage string

const (
	StageChallenged Stage = "challenged"
	StageVerified   Stage = "verified"
	StageExecuted   Stage = "executed"
	StageSettled    Stage = "settled"
)

// PaymentContext carries verified-payment facts into protected handlers.
// Settlement happens after the handler returns, so transaction references are
// never available here; they travel on the response instead.
type PaymentContext struct {
	Verified bool
	Payer    string
	Amount   string
	Network  string
}

type contextKey string

const (
	// PaymentContextKey is the key used to store payment context in request context.
	PaymentContextKey contextKey = "x402-payment"
)

// GetPaymentFromContext extracts payment information from the request context.
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment extracts payment from context and returns an error if the
// request did not clear the gate. Useful for handlers that must never run
// unpaid even if mounted outside the middleware by mistake.
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, NewGateError(ErrCodeMissingCredential, "payment context not found", nil)
	}
	if !payment.Verified {
		return nil, NewGateError(ErrCodeVerificationRejected, "payment not verified", nil)
	}
	return payment, nil
}
