package x402

import (
	"fmt"
	"strings"
	"time"
)

// BuildRequirements maps an endpoint's pricing rule to the canonical payment
// requirement for one invocation of that endpoint. Pure and deterministic:
// the same inputs always produce the same requirement, which keeps the 402
// challenge reproducible across client retries.
//
// Callers must build the requirement once per request and reuse the same
// value for the challenge, verification and settlement.
func BuildRequirements(rule *PricingRule, baseURL, resourcePath string, validity time.Duration) (*PaymentRequirements, error) {
	if !isAtomicAmount(rule.Amount) {
		return nil, fmt.Errorf("amount must be a positive integer string, got %q", rule.Amount)
	}
	if rule.PayTo == "" {
		return nil, fmt.Errorf("payTo recipient is required")
	}

	return &PaymentRequirements{
		Scheme:            "exact",
		Network:           rule.Network,
		MaxAmountRequired: rule.Amount,
		Resource:          resourceURL(baseURL, resourcePath),
		Description:       rule.Description,
		MimeType:          rule.MimeType,
		PayTo:             rule.PayTo,
		MaxTimeoutSeconds: int(validity.Seconds()),
		Asset:             rule.Asset,
		Extra:             rule.Extra,
	}, nil
}

// resourceURL joins the server base URL with the request path. The result
// identifies the resource in requirements; building it any other way at a
// later stage would make verification and settlement disagree.
func resourceURL(baseURL, resourcePath string) string {
	base := strings.TrimSuffix(baseURL, "/")
	if !strings.HasPrefix(resourcePath, "/") {
		resourcePath = "/" + resourcePath
	}
	return base + resourcePath
}
