package x402

import (
	"reflect"
	"testing"
	"time"
)

func TestBuildRequirements(t *testing.T) {
	rule := &PricingRule{
		Amount:      "20000",
		Network:     "base-sepolia",
		Asset:       "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:       "0xRecipient",
		Description: "Research query",
		MimeType:    "application/json",
		Extra:       map[string]interface{}{"name": "USDC", "version": "2"},
	}

	req, err := BuildRequirements(rule, "https://api.example.com", "/v1/research", 5*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if req.Scheme != "exact" {
		t.Errorf("expected scheme 'exact', got %s", req.Scheme)
	}
	if req.Network != "base-sepolia" {
		t.Errorf("unexpected network: %s", req.Network)
	}
	if req.MaxAmountRequired != "20000" {
		t.Errorf("unexpected amount: %s", req.MaxAmountRequired)
	}
	if req.Resource != "https://api.example.com/v1/research" {
		t.Errorf("unexpected resource: %s", req.Resource)
	}
	if req.MaxTimeoutSeconds != 300 {
		t.Errorf("expected maxTimeoutSeconds 300, got %d", req.MaxTimeoutSeconds)
	}
	if req.PayTo != "0xRecipient" {
		t.Errorf("unexpected payTo: %s", req.PayTo)
	}
	if req.Extra["name"] != "USDC" {
		t.Errorf("extra metadata not carried through: %+v", req.Extra)
	}
}

func TestBuildRequirements_Deterministic(t *testing.T) {
	rule := &PricingRule{
		Amount:  "10000",
		Network: "base-sepolia",
		Asset:   "0xAsset",
		PayTo:   "0xRecipient",
	}

	a, err := BuildRequirements(rule, "https://api.example.com", "/v1/summarize", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := BuildRequirements(rule, "https://api.example.com", "/v1/summarize", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(a, b) {
		t.Errorf("identical inputs must produce identical requirements:\n%+v\nvs\n%+v", a, b)
	}
}

func TestBuildRequirements_Errors(t *testing.T) {
	tests := []struct {
		name string
		rule PricingRule
	}{
		{"bad amount", PricingRule{Amount: "1.5", Network: "base", Asset: "0xA", PayTo: "0xB"}},
		{"empty amount", PricingRule{Network: "base", Asset: "0xA", PayTo: "0xB"}},
		{"missing payTo", PricingRule{Amount: "100", Network: "base", Asset: "0xA"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildRequirements(&tt.rule, "https://api.example.com", "/x", time.Minute); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestResourceURL(t *testing.T) {
	tests := []struct {
		base string
		path string
		want string
	}{
		{"https://api.example.com", "/v1/research", "https://api.example.com/v1/research"},
		{"https://api.example.com/", "/v1/research", "https://api.example.com/v1/research"},
		{"https://api.example.com", "v1/research", "https://api.example.com/v1/research"},
		{"http://localhost:8080/", "health", "http://localhost:8080/health"},
	}

	for _, tt := range tests {
		if got := resourceURL(tt.base, tt.path); got != tt.want {
			t.Errorf("resourceURL(%q, %q) = %q, want %q", tt.base, tt.path, got, tt.want)
		}
	}
}
