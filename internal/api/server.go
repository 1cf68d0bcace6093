// Package api implements the query interface: a minimal line-oriented
// request engine that serves exactly one exchange per connection.
//
// Per connection the engine reads one request line, gates access on the
// shared secret, routes, and writes one response. Request headers and bodies
// are never read or interpreted; handlers requiring a body are out of scope.
package api

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mailsink/mailsink/internal/store"
)

// exchangeTimeout bounds one connection's whole read-and-respond exchange.
const exchangeTimeout = 30 * time.Second

// shutdownTimeout is the maximum wait for in-flight exchanges on shutdown.
const shutdownTimeout = 10 * time.Second

// ServerConfig holds the configuration for the API server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":8025").
	ListenAddr string

	// Key is the shared secret every request must carry in the `k`
	// query parameter.
	Key string

	// Hostname is reported by the info route.
	Hostname string

	// Store backs all handlers.
	Store *store.Store

	// SkipCorrupt selects the listing policy for undecodable records:
	// false aborts the listing with a server error, true skips them.
	SkipCorrupt bool
}

// Server accepts API connections and serves one exchange on each.
type Server struct {
	config ServerConfig
	gate   *Gate
	router *Router

	mu       sync.Mutex
	listener net.Listener

	wg sync.WaitGroup
}

// New creates an API Server with its route table built.
func New(cfg ServerConfig) *Server {
	h := newHandlers(cfg.Store, cfg.Hostname, cfg.SkipCorrupt)

	router := NewRouter()
	router.Handle("GET", "/mails/:mail_id", h.getMail)
	router.Handle("DELETE", "/mails/:mail_id", h.deleteMail)
	router.Handle("GET", "/mails", h.listMails)
	router.Handle("DELETE", "/mails", h.purgeMails)
	router.Handle("POST", "/info", h.info)

	return &Server{
		config: cfg,
		gate:   NewGate(cfg.Key),
		router: router,
	}
}

// ListenAndServe starts the server and blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("api server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		slog.Info("shutting down api server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.waitForExchanges()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn serves one exchange: read one request line, gate, route,
// write one response, close. Failures here are connection-scoped.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(exchangeTimeout)); err != nil {
		slog.Error("failed to set connection deadline", "error", err)
		return
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && err != io.EOF {
		slog.Debug("request read error", "error", err)
		return
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" && err == io.EOF {
		// Peer closed without sending anything.
		return
	}

	resp := s.serve(line)
	if resp == nil {
		// Unknown method or failed gate: close with zero bytes written.
		return
	}
	if err := resp.write(conn); err != nil {
		slog.Debug("response write error", "error", err)
	}
}

// serve turns one request line into a response, or nil for a silent close.
func (s *Server) serve(line string) *Response {
	req, err := parseRequestLine(line)
	if err != nil {
		if err == errUnknownMethod {
			return nil
		}
		return emptyResponse(statusBadRequest)
	}

	// The gate runs before any routing; no route is exempt.
	if !s.gate.Allow(req) {
		return nil
	}

	handler, params, found := s.router.Match(req.Method, req.Path)
	if !found {
		return emptyResponse(statusNotFound)
	}
	req.Params = params

	slog.Debug("dispatching request", "method", req.Method, "path", req.Path)

	resp, err := handler(req)
	if err != nil {
		// Storage or serialization failure: answer with a generic
		// server error rather than dropping the connection.
		slog.Error("handler error", "method", req.Method, "path", req.Path, "error", err)
		return emptyResponse(statusServerError)
	}
	return resp
}

// waitForExchanges waits for in-flight exchanges, bounded by shutdownTimeout.
func (s *Server) waitForExchanges() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all exchanges completed")
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
