// Package main is the entry point for the mailsink capture service.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mailsink/mailsink/internal/api"
	"github.com/mailsink/mailsink/internal/config"
	"github.com/mailsink/mailsink/internal/smtp"
	"github.com/mailsink/mailsink/internal/store"
	sinktls "github.com/mailsink/mailsink/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	// Provision the API secret if none was configured.
	apiKey := cfg.API.Key
	if apiKey == "" {
		apiKey, err = generateKey()
		if err != nil {
			slog.Error("failed to generate api key", "error", err)
			os.Exit(1)
		}
		slog.Info("no api key configured, generated one", "key", apiKey)
	}

	tlsConfig, err := sinktls.Load(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		slog.Error("failed to open mail store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	smtpServer := smtp.New(smtp.ServerConfig{
		ListenAddr: cfg.SMTP.Listen,
		Hostname:   cfg.SMTP.Hostname,
		Sink:       st,
		TLSConfig:  tlsConfig,
	})

	apiServer := api.New(api.ServerConfig{
		ListenAddr:  cfg.API.Listen,
		Key:         apiKey,
		Hostname:    cfg.SMTP.Hostname,
		Store:       st,
		SkipCorrupt: cfg.API.SkipCorrupt,
	})

	slog.Info("starting mailsink",
		"smtp_listen", cfg.SMTP.Listen,
		"api_listen", cfg.API.Listen,
		"store_path", cfg.Store.Path,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return smtpServer.ListenAndServe(ctx) })
	g.Go(func() error { return apiServer.ListenAndServe(ctx) })

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("mailsink stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// generateKey produces a random 32-hex-character shared secret.
func generateKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
