package x402

import "fmt"

// GateError classifies payment-protocol failures. Only the first three codes
// are fatal to a request (the protected handler never runs); HANDLER_FAILED
// and SETTLEMENT_FAILED occur after the response has already been decided.
type GateError struct {
	Code    string
	Message string
	Cause   error
}

func (e *GateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GateError) Unwrap() error {
	return e.Cause
}

// Error codes.
const (
	ErrCodeMissingCredential    = "MISSING_CREDENTIAL"
	ErrCodeMalformedCredential  = "MALFORMED_CREDENTIAL"
	ErrCodeVerificationRejected = "VERIFICATION_REJECTED"
	ErrCodeHandlerFailed        = "HANDLER_FAILED"
	ErrCodeSettlementFailed     = "SETTLEMENT_FAILED"
	ErrCodeInvalidConfig        = "INVALID_CONFIG"
)

// NewGateError creates a new GateError.
func NewGateError(code, message string, cause error) *GateError {
	return &GateError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GateErrorCode extracts the code from a GateError, or "" for other errors.
func GateErrorCode(err error) string {
	if ge, ok := err.(*GateError); ok {
		return ge.Code
	}
	return ""
}
