// Package smtp implements the ingestion server: an SMTP state machine that
// turns completed message transfers into persisted mail records.
package smtp

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mailsink/mailsink/internal/mail"
)

// Sink persists captured messages. Implemented by the mail store.
type Sink interface {
	Put(m *mail.Mail) error
}

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for the ingestion server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in greeting and EHLO responses.
	Hostname string

	// Sink receives every completed message.
	Sink Sink

	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig *tls.Config
}

// Server accepts SMTP connections and runs a Session per connection.
// A session's failure never affects other sessions or the sink.
type Server struct {
	config ServerConfig

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates an ingestion Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &Server{config: cfg}
}

// ListenAndServe starts the server and blocks until the context is cancelled.
// On cancellation it stops accepting and waits up to 30 seconds for in-flight
// sessions to finish.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("ingestion server listening",
		"addr", ln.Addr().String(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down ingestion server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Listener closed during shutdown.
				s.waitForSessions()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, s.config.Sink, s.config.Hostname, s.config.TLSConfig).Handle(ctx)
		}()
	}
}

// waitForSessions waits for in-flight sessions, bounded by shutdownTimeout.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
