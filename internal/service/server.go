package service

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	x402 "github.com/meterwise/x402-gate"
	"github.com/sirupsen/logrus"
)

// requestIDHeader carries the per-request identifier on responses.
const requestIDHeader = "X-Request-Id"

// NewRouter assembles the HTTP surface: a free health endpoint, and the three
// metered endpoints behind the payment gate. The facilitator is injected so
// tests can substitute a local stub.
func NewRouter(cfg *Config, facilitator x402.Facilitator, llm completer, logger *logrus.Logger) (http.Handler, error) {
	gateCfg := x402.Config{
		Facilitator:        facilitator,
		BaseURL:            cfg.BaseURL,
		FacilitatorTimeout: cfg.Payment.FacilitatorTimeout,
		Logger:             logger,
		EndpointPricing: map[string]x402.PricingRule{
			"/v1/research": {
				Amount:      cfg.Payment.ResearchPrice,
				Network:     cfg.Payment.Network,
				Asset:       cfg.Payment.Asset,
				PayTo:       cfg.Payment.PayTo,
				Description: "Research a question and return a sourced summary",
				MimeType:    "application/json",
			},
			"/v1/summarize": {
				Amount:      cfg.Payment.SummarizePrice,
				Network:     cfg.Payment.Network,
				Asset:       cfg.Payment.Asset,
				PayTo:       cfg.Payment.PayTo,
				Description: "Summarize the submitted text",
				MimeType:    "application/json",
			},
			"/v1/analyze": {
				Amount:      cfg.Payment.AnalyzePrice,
				Network:     cfg.Payment.Network,
				Asset:       cfg.Payment.Asset,
				PayTo:       cfg.Payment.PayTo,
				Description: "Analyze claims and evidence in the submitted text",
				MimeType:    "application/json",
			},
		},
		SkipPaths: []string{"/health"},
	}
	if err := gateCfg.Validate(); err != nil {
		return nil, err
	}

	h := NewHandler(llm, logger)

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(x402.PaymentMiddleware(gateCfg))
		r.Post("/v1/research", h.Research)
		r.Post("/v1/summarize", h.Summarize)
		r.Post("/v1/analyze", h.Analyze)
	})

	return r, nil
}

// NewServer wraps the router in an http.Server with sane timeouts. Write
// timeout stays generous because completions can take a while.
func NewServer(cfg *Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// requestID assigns each request a UUID, echoed on the response for
// correlation with logs.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type ctxKey string

const requestIDKey ctxKey = "request-id"

// RequestIDFromContext returns the identifier assigned by the requestID
// middleware, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestLogger emits one structured line per request.
func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"request_id": RequestIDFromContext(r.Context()),
			}).Info("request completed")
		})
	}
}
