// Package x402 gates HTTP endpoints behind cryptographically verifiable
// micropayments. The middleware runs the x402 request/challenge/retry
// protocol around each matched request: it issues a 402 challenge when no
// credential is present, verifies credentials with a remote facilitator,
// executes the protected handler at most once, and settles the payment only
// after the handler produced a response that will actually be delivered.
package x402

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// PaymentMiddleware creates HTTP middleware enforcing x402 payment
// requirements on matched endpoints.
//
// The request lifecycle is a single explicit pipeline:
//
//	challenge -> verify -> execute (buffered) -> settle -> release
//
// Verification is a hard gate: a missing, malformed or rejected credential
// terminates the request with a 402 and the handler never runs. Settlement is
// not: once the handler has produced a deliverable response the response is
// released even if settlement fails, because rejecting it would strand
// completed work. That asymmetry is deliberate; failed settlements are logged
// as discrepancies and the proof header is simply omitted.
func PaymentMiddleware(cfg Config) func(http.Handler) http.Handler {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rule, requiresPayment := cfg.MatchEndpoint(r.URL.Path)
			if !requiresPayment {
				next.ServeHTTP(w, r)
				return
			}

			// Built once, then threaded through challenge, verify and settle.
			// Regenerating it at a later stage (e.g. a differently composed
			// resource URL) would make verification and settlement disagree.
			requirements, err := BuildRequirements(rule, cfg.BaseURL, r.URL.Path, cfg.ValidityDuration)
			if err != nil {
				cfg.Logger.WithError(err).WithField("path", r.URL.Path).
					Error("x402: endpoint pricing is invalid")
				sendError(w, http.StatusInternalServerError, "endpoint misconfigured")
				return
			}

			outcome := newGateOutcome(requirements)
			defer outcome.log(cfg.Logger, r)

			header := r.Header.Get(HeaderPayment)
			if header == "" {
				outcome.fail(ErrCodeMissingCredential, "")
				sendPaymentRequired(w, requirements, "")
				return
			}

			payment, err := DecodePayment(header)
			if err != nil {
				// A broken credential is a payment-protocol failure, not a
				// malformed business request: answer 402 so the payer retries
				// with a corrected credential instead of treating it as a 400.
				outcome.fail(ErrCodeMalformedCredential, err.Error())
				sendPaymentRequired(w, requirements, fmt.Sprintf("malformed payment credential: %v", err))
				return
			}

			// Once accepted, the request runs to completion even if the
			// client disconnects; abandoning mid-flight would either charge
			// for undelivered work or deliver uncharged work.
			ctx := context.WithoutCancel(r.Context())

			verification := verify(ctx, &cfg, payment, requirements)
			if !verification.Valid {
				outcome.fail(ErrCodeVerificationRejected, verification.Reason)
				sendPaymentRequired(w, requirements, verification.Reason)
				return
			}
			outcome.stage = StageVerified
			outcome.payer = verification.Payer

			ctx = context.WithValue(ctx, PaymentContextKey, &PaymentContext{
				Verified: true,
				Payer:    verification.Payer,
				Amount:   requirements.MaxAmountRequired,
				Network:  requirements.Network,
			})

			// The handler writes into a buffer so the settlement decision can
			// be made from the response it actually produced, and the proof
			// header can still be attached before anything reaches the wire.
			buf := newResponseBuffer()
			runProtected(next, buf, r.WithContext(ctx), cfg.Logger)
			outcome.stage = StageExecuted
			outcome.status = buf.status()

			if !shouldSettle(buf.status()) {
				// Never charge for undelivered work.
				outcome.fail(ErrCodeHandlerFailed, fmt.Sprintf("handler returned status %d", buf.status()))
				buf.flush(w)
				return
			}

			settlement := settle(ctx, &cfg, payment, requirements)
			if settlement.Success {
				outcome.stage = StageSettled
				outcome.transaction = settlement.Transaction
				if encoded, err := encodePaymentResponse(settlement); err == nil {
					buf.Header().Set(HeaderPaymentResponse, encoded)
				}
			} else {
				// The response still goes out; the charge was attempted and
				// lost, which is an operability problem, not the caller's.
				outcome.fail(ErrCodeSettlementFailed, settlement.ErrorReason)
				cfg.Logger.WithFields(logrus.Fields{
					"resource": requirements.Resource,
					"payer":    verification.Payer,
					"amount":   requirements.MaxAmountRequired,
					"reason":   settlement.ErrorReason,
				}).Error("x402: settlement failed after successful execution")
			}

			buf.flush(w)
		})
	}
}

// shouldSettle reports whether a handler response should be charged. Anything
// below 500 counts as executed work, including handler-issued 4xx validation
// responses; only internal failures ride free. Charging for rejected business
// input is a product policy, isolated here so it can be flipped in one place.
func shouldSettle(status int) bool {
	return status < http.StatusInternalServerError
}

// verify runs the hard-gate facilitator call under the configured timeout.
// Facilitator errors are folded into a rejection: at the protocol level the
// caller cannot distinguish an unreachable facilitator from a rejected
// payment, but the diagnostic is logged for operators.
func verify(ctx context.Context, cfg *Config, payment *PaymentPayload, requirements *PaymentRequirements) *VerificationResult {
	callCtx, cancel := context.WithTimeout(ctx, cfg.FacilitatorTimeout)
	defer cancel()

	result, err := cfg.Facilitator.Verify(callCtx, payment, requirements)
	if err != nil {
		cfg.Logger.WithError(err).WithField("resource", requirements.Resource).
			Warn("x402: facilitator verify call failed")
		return &VerificationResult{Valid: false, Reason: "payment verification unavailable"}
	}
	if result == nil {
		return &VerificationResult{Valid: false, Reason: "empty verification result"}
	}
	return result
}

// settle runs the best-effort facilitator call under the configured timeout,
// folding errors into a failed settlement result.
func settle(ctx context.Context, cfg *Config, payment *PaymentPayload, requirements *PaymentRequirements) *SettlementResult {
	callCtx, cancel := context.WithTimeout(ctx, cfg.FacilitatorTimeout)
	defer cancel()

	result, err := cfg.Facilitator.Settle(callCtx, payment, requirements)
	if err != nil {
		return &SettlementResult{Success: false, ErrorReason: err.Error()}
	}
	if result == nil {
		return &SettlementResult{Success: false, ErrorReason: "empty settlement result"}
	}
	return result
}

// runProtected invokes the handler exactly once, converting a panic into a
// plain 500 so the settlement decision sees an internal failure rather than a
// half-written body.
func runProtected(next http.Handler, buf *responseBuffer, r *http.Request, logger logrus.FieldLogger) {
	defer func() {
		if rv := recover(); rv != nil {
			logger.WithField("panic", rv).WithField("path", r.URL.Path).
				Error("x402: protected handler panicked")
			buf.reset()
			buf.Header().Set("Content-Type", "application/json")
			buf.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(buf).Encode(map[string]string{"error": "internal server error"})
		}
	}()
	next.ServeHTTP(buf, r)
}

// sendPaymentRequired writes the 402 challenge. With an empty detail the body
// is byte-for-byte identical for every request against the same requirement,
// so automated payers can treat it as a stable quote.
func sendPaymentRequired(w http.ResponseWriter, requirements *PaymentRequirements, detail string) {
	response := PaymentRequiredResponse{
		X402Version:       X402Version,
		Error:             "payment required",
		Accepts:           []PaymentRequirements{*requirements},
		VerificationError: detail,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(response)
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// DecodePayment decodes and validates an X-PAYMENT header value.
func DecodePayment(header string) (*PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var payment PaymentPayload
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if payment.X402Version == 0 {
		return nil, fmt.Errorf("x402Version is required")
	}
	if payment.Scheme == "" {
		return nil, fmt.Errorf("scheme is required")
	}
	if payment.Network == "" {
		return nil, fmt.Errorf("network is required")
	}
	if payment.Payload == nil {
		return nil, fmt.Errorf("payload is required")
	}

	return &payment, nil
}

// EncodePayment encodes a PaymentPayload to the X-PAYMENT header format
// (base64 JSON). Useful for tests and client implementations.
func EncodePayment(payment *PaymentPayload) (string, error) {
	raw, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentResponse decodes an X-PAYMENT-RESPONSE header value.
func DecodePaymentResponse(header string) (*PaymentResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response PaymentResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &response, nil
}

// ReadPaymentRequirements extracts the challenge envelope from a 402 response.
func ReadPaymentRequirements(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var challenge PaymentRequiredResponse
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	return &challenge, nil
}

func encodePaymentResponse(settlement *SettlementResult) (string, error) {
	raw, err := json.Marshal(PaymentResponse{
		Success:     true,
		Transaction: settlement.Transaction,
		Network:     settlement.Network,
		Payer:       settlement.Payer,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// responseBuffer captures the protected handler's response so settlement can
// run between execution and delivery. Nothing reaches the client until flush.
type responseBuffer struct {
	header      http.Header
	code        int
	wroteHeader bool
	body        bytes.Buffer
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header)}
}

func (b *responseBuffer) Header() http.Header {
	return b.header
}

func (b *responseBuffer) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.code = code
	b.wroteHeader = true
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	return b.body.Write(p)
}

// status returns the buffered status code, defaulting to 200 like
// net/http does for handlers that never call WriteHeader.
func (b *responseBuffer) status() int {
	if !b.wroteHeader {
		return http.StatusOK
	}
	return b.code
}

// reset discards everything buffered so far. Used after a handler panic.
func (b *responseBuffer) reset() {
	b.header = make(http.Header)
	b.code = 0
	b.wroteHeader = false
	b.body.Reset()
}

// flush releases the buffered response to the real writer.
func (b *responseBuffer) flush(w http.ResponseWriter) {
	dst := w.Header()
	for k, vv := range b.header {
		dst[k] = vv
	}
	w.WriteHeader(b.status())
	w.Write(b.body.Bytes())
}

// gateOutcome is the per-request protocol trace: which requirement applied
// and which stage was last reached. Owned by one request, logged once,
// never retained.
type gateOutcome struct {
	requirements *PaymentRequirements
	stage        Stage
	status       int
	payer        string
	transaction  string
	failCode     string
	failDetail   string
}

func newGateOutcome(requirements *PaymentRequirements) *gateOutcome {
	return &gateOutcome{requirements: requirements, stage: StageChallenged}
}

func (o *gateOutcome) fail(code, detail string) {
	o.failCode = code
	o.failDetail = detail
}

func (o *gateOutcome) log(logger logrus.FieldLogger, r *http.Request) {
	fields := logrus.Fields{
		"resource": o.requirements.Resource,
		"amount":   o.requirements.MaxAmountRequired,
		"asset":    o.requirements.Asset,
		"stage":    string(o.stage),
		"method":   r.Method,
	}
	if o.status != 0 {
		fields["status"] = o.status
	}
	if o.payer != "" {
		fields["payer"] = o.payer
	}
	if o.transaction != "" {
		fields["tx"] = o.transaction
	}
	if o.failCode != "" {
		fields["error"] = o.failCode
		if o.failDetail != "" {
			fields["detail"] = o.failDetail
		}
		logger.WithFields(fields).Info("x402: request did not complete settlement")
		return
	}
	logger.WithFields(fields).Info("x402: request settled")
}
