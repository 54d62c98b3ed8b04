// Package service implements the metered research API: three LLM-backed
// endpoints sold through the x402 payment gate, plus the process plumbing
// around them.
package service

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-wide configuration, loaded once at startup and fixed
// for the process lifetime.
type Config struct {
	ListenAddr string
	BaseURL    string
	LogLevel   string

	Payment PaymentConfig
	LLM     LLMConfig
}

// PaymentConfig describes how the metered endpoints are priced and settled.
type PaymentConfig struct {
	FacilitatorURL     string
	FacilitatorTimeout time.Duration

	PayTo   string
	Asset   string
	Network string

	// Prices in the asset's smallest unit.
	ResearchPrice  string
	SummarizePrice string
	AnalyzePrice   string
}

// LLMConfig points at an OpenAI-compatible chat completion backend.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Load reads configuration from the environment, consulting a .env file when
// present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		BaseURL:    getEnv("BASE_URL", "http://localhost:8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		Payment: PaymentConfig{
			FacilitatorURL:     getEnv("FACILITATOR_URL", "https://x402.org/facilitator"),
			FacilitatorTimeout: getEnvAsDuration("FACILITATOR_TIMEOUT", 30*time.Second),
			PayTo:              getEnv("PAY_TO_ADDRESS", ""),
			Asset:              getEnv("PAYMENT_ASSET", "0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
			Network:            getEnv("PAYMENT_NETWORK", "base-sepolia"),
			ResearchPrice:      getEnv("PRICE_RESEARCH", "20000"),
			SummarizePrice:     getEnv("PRICE_SUMMARIZE", "10000"),
			AnalyzePrice:       getEnv("PRICE_ANALYZE", "15000"),
		},
		LLM: LLMConfig{
			BaseURL: getEnv("LLM_BASE_URL", "https://api.openai.com"),
			APIKey:  getEnv("LLM_API_KEY", ""),
			Model:   getEnv("LLM_MODEL", "gpt-4o-mini"),
			Timeout: getEnvAsDuration("LLM_TIMEOUT", 120*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Payment.PayTo == "" {
		return fmt.Errorf("PAY_TO_ADDRESS is required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	for name, price := range map[string]string{
		"PRICE_RESEARCH":  c.Payment.ResearchPrice,
		"PRICE_SUMMARIZE": c.Payment.SummarizePrice,
		"PRICE_ANALYZE":   c.Payment.AnalyzePrice,
	} {
		if _, err := strconv.ParseUint(price, 10, 64); err != nil {
			return fmt.Errorf("%s must be a positive integer in atomic units, got %q", name, price)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
