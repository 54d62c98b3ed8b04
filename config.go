package x402

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the gate configuration. It is constructed once at startup and
// treated as immutable afterwards; the gate never reads ambient process state.
type Config struct {
	// Facilitator verifies and settles payments. Required.
	Facilitator Facilitator

	// BaseURL is the public base URL of this server, used to build canonical
	// resource identifiers in payment requirements (e.g. "https://api.example.com").
	// Required.
	BaseURL string

	// EndpointPricing maps URL patterns to pricing rules.
	// Patterns support exact matches ("/v1/endpoint") and wildcards ("/v1/*").
	// Used by the HTTP middleware.
	EndpointPricing map[string]PricingRule

	// MethodPricing maps gRPC method names to pricing rules.
	// Methods are full names like "/package.Service/Method".
	// Supports wildcards: "/package.Service/*" matches all methods in a service.
	// Used by the native gRPC interceptors.
	MethodPricing map[string]PricingRule

	// DefaultPricing is used when no pattern matches (optional).
	// If nil, unmatched endpoints don't require payment.
	DefaultPricing *PricingRule

	// SkipPaths lists paths that bypass the gate entirely.
	// Useful for health checks and other public endpoints.
	SkipPaths []string

	// SkipMethods lists gRPC methods that bypass the gate.
	// Full method names like "/package.Service/Method".
	SkipMethods []string

	// FacilitatorTimeout bounds each verify and settle call. A call that
	// exceeds it counts as a rejection at that stage rather than hanging the
	// request. Defaults to 30 seconds.
	FacilitatorTimeout time.Duration

	// ValidityDuration is how long issued payment requirements remain
	// acceptable, advertised as maxTimeoutSeconds. Defaults to 5 minutes.
	ValidityDuration time.Duration

	// Logger receives protocol diagnostics, most importantly settlement
	// discrepancies on responses that were delivered without proof.
	// Defaults to the logrus standard logger.
	Logger logrus.FieldLogger
}

// PricingRule defines the payment required for an endpoint. Amount and Asset
// together fully determine the charge: one asset, one network, no fractional
// amounts.
type PricingRule struct {
	// Amount is the price in the asset's smallest unit, as a positive
	// integer string (e.g. "20000" for 0.02 USDC).
	Amount string

	// Network is the blockchain network identifier (e.g. "base-sepolia").
	Network string

	// Asset is the token contract address.
	Asset string

	// PayTo is the address that receives payment.
	PayTo string

	// Description explains what this payment is for.
	Description string

	// MimeType of the resource being sold (optional).
	MimeType string

	// Extra carries scheme-specific asset metadata (optional), e.g. the
	// EIP-712 domain name and version of the token.
	Extra map[string]interface{}
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Facilitator == nil {
		return NewGateError(ErrCodeInvalidConfig, "facilitator is required", nil)
	}

	if c.BaseURL == "" {
		return NewGateError(ErrCodeInvalidConfig, "base URL is required", nil)
	}

	if c.FacilitatorTimeout == 0 {
		c.FacilitatorTimeout = 30 * time.Second
	}

	if c.ValidityDuration == 0 {
		c.ValidityDuration = 5 * time.Minute
	}

	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}

	for pattern, rule := range c.EndpointPricing {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid pricing rule for pattern %q: %w", pattern, err)
		}
	}

	for method, rule := range c.MethodPricing {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid pricing rule for method %q: %w", method, err)
		}
	}

	if c.DefaultPricing != nil {
		if err := c.DefaultPricing.Validate(); err != nil {
			return fmt.Errorf("invalid default pricing rule: %w", err)
		}
	}

	return nil
}

// Validate checks if the pricing rule is valid.
func (p *PricingRule) Validate() error {
	if !isAtomicAmount(p.Amount) {
		return fmt.Errorf("amount must be a positive integer string, got %q", p.Amount)
	}

	if p.Network == "" {
		return fmt.Errorf("network is required")
	}

	if p.Asset == "" {
		return fmt.Errorf("asset is required")
	}

	// Address format validity is the payment rail's concern, not re-checked here.
	if p.PayTo == "" {
		return fmt.Errorf("payTo recipient is required")
	}

	return nil
}

// isAtomicAmount reports whether s is a positive integer in string form.
// Amounts can exceed uint64 for 18-decimal assets, so digits are checked
// directly instead of parsing.
func isAtomicAmount(s string) bool {
	if s == "" {
		return false
	}
	nonZero := false
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
		if r != '0' {
			nonZero = true
		}
	}
	return nonZero
}

// MatchEndpoint finds the pricing rule for a given path.
// Returns the rule and true if found, nil and false otherwise.
func (c *Config) MatchEndpoint(requestPath string) (*PricingRule, bool) {
	for _, skipPath := range c.SkipPaths {
		if matchPath(requestPath, skipPath) {
			return nil, false
		}
	}
	return matchPricing(requestPath, c.EndpointPricing, c.DefaultPricing)
}

// MatchMethod finds the pricing rule for a given gRPC method.
// Returns the rule and true if found, nil and false otherwise.
func (c *Config) MatchMethod(fullMethod string) (*PricingRule, bool) {
	for _, skipMethod := range c.SkipMethods {
		if matchPath(fullMethod, skipMethod) {
			return nil, false
		}
	}
	return matchPricing(fullMethod, c.MethodPricing, c.DefaultPricing)
}

// matchPricing resolves a name against a pricing table: exact match first,
// then the longest matching wildcard pattern, then the default rule.
func matchPricing(name string, pricing map[string]PricingRule, fallback *PricingRule) (*PricingRule, bool) {
	if rule, ok := pricing[name]; ok {
		return &rule, true
	}

	var bestPattern string
	var bestRule *PricingRule
	for pattern, rule := range pricing {
		if matchPath(name, pattern) && len(pattern) > len(bestPattern) {
			bestPattern = pattern
			ruleCopy := rule
			bestRule = &ruleCopy
		}
	}
	if bestRule != nil {
		return bestRule, true
	}

	if fallback != nil {
		return fallback, true
	}

	return nil, false
}

// matchPath checks if a request path matches a pattern.
// Supports wildcards: /v1/* matches /v1/foo, /v1/foo/bar, etc.
func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	matched, _ := path.Match(pattern, requestPath)
	return matched
}
