package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	x402 "github.com/meterwise/x402-gate"
	"github.com/meterwise/x402-gate/internal/service"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := service.Load()
	if err != nil {
		logger.WithError(err).Fatal("failed to load config")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	facilitator := x402.NewFacilitatorClient(cfg.Payment.FacilitatorURL)
	llm := service.NewCompletionClient(cfg.LLM)

	router, err := service.NewRouter(cfg, facilitator, llm, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build router")
	}

	srv := service.NewServer(cfg, router)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("researchd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server error")
		}
	}()

	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("error during shutdown")
	}

	logger.Info("server stopped")
}
