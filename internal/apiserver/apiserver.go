// Package apiserver exposes the stack's Prometheus metrics over HTTP
// (SPEC_FULL.md's ambient observability layer — the distilled spec has
// no API surface of its own, but every running instance needs somewhere
// for an operator to scrape internal/metrics from).
//
// Grounded directly on internal/api.ApiServer's functional-options
// construction (Option func(*ApiServer), WithSockFile, WithBaseContext,
// WithHandler): the same shape, generalized from a Unix-socket JSON API
// to a TCP /metrics endpoint.
package apiserver

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /metrics on a TCP listener.
type Server struct {
	*http.Server
	addr string
}

// Option mutates a Server under construction.
type Option func(*Server)

// New builds a Server by applying options in order. Without WithAddr the
// server listens on ":9100".
func New(options ...Option) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s := &Server{
		Server: &http.Server{Handler: mux},
		addr:   ":9100",
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// WithAddr sets the TCP listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithBaseContext binds ctx as the base context for every accepted
// connection, so cancelling ctx unblocks in-flight handlers.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		s.BaseContext = func(net.Listener) context.Context { return ctx }
	}
}

// ListenAndServe blocks serving /metrics until the server is shut down.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}
