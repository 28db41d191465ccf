package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"parlor/internal/auth"
	"parlor/internal/config"
	"parlor/internal/devserver"
	"parlor/internal/metrics"
	"parlor/internal/observability"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

func main() {
	// Load .env file (silently ignore if it doesn't exist)
	_ = godotenv.Load()

	cfg := config.Load()
	if path := os.Getenv("PARLOR_CONFIG"); path != "" {
		if err := config.LoadFile(cfg, path); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}

	logger := config.NewLogger(cfg, os.Stdout, true)

	logger.Info("dev server starting",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"stream_delay", cfg.StreamDelay.String(),
	)

	shutdownTracing, err := observability.InitTracing(context.Background(), cfg, observability.Options{
		ServiceName: "parlor-devserver",
		SpanWriter:  os.Stdout,
	}, logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer shutdownTracing(context.Background())

	verifier, err := auth.NewHMACVerifier(cfg.JWTSecret, cfg.TokenTTL, logger)
	if err != nil {
		log.Fatalf("Failed to create JWT verifier: %v", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	srv := devserver.New(devserver.Options{
		Store:       devserver.NewStore(devserver.DefaultCharacters()...),
		Verifier:    verifier,
		Replies:     devserver.NewLoremReplies(),
		StreamDelay: cfg.StreamDelay,
		ReplyWords:  cfg.ReplyWords,
		KeepAlive:   10 * time.Second,
		Metrics:     m,
		Logger:      logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())
	mux.Handle("/", srv.Handler())

	// CORS - Must be outermost to handle OPTIONS pre-flight requests
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      corsHandler.Handler(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled to allow long-lived SSE streams
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	for _, c := range devserver.DefaultCharacters() {
		logger.Info("character available", "id", c.ID, "identifier", c.Identifier, "name", c.Name)
	}
	logger.Info("server listening", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
	logger.Info("server stopped")
}
