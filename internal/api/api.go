// Package api provides the HTTP surface of ConvoPilot.
//
// It exposes the inbound message webhook plus management endpoints for agents,
// flow steps, and broadcasts. Replies use the standard APIResponse envelope.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
	"github.com/ConvoPilot/ConvoPilot/internal/pipeline"
	"github.com/ConvoPilot/ConvoPilot/internal/store"
)

// DefaultAddr is the listen address used when no option overrides it.
const DefaultAddr = ":8080"

// Timeouts for the HTTP server.
const (
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr           string
	ProviderRoutes map[string]http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithProviderWebhook mounts an extra provider-specific webhook handler, such
// as the Twilio form-encoded callback.
func WithProviderWebhook(path string, handler http.HandlerFunc) Option {
	return func(o *Opts) {
		if o.ProviderRoutes == nil {
			o.ProviderRoutes = make(map[string]http.HandlerFunc)
		}
		o.ProviderRoutes[path] = handler
	}
}

// Server routes HTTP requests to the pipeline and the store.
type Server struct {
	addr           string
	pipeline       *pipeline.Pipeline
	store          store.Store
	providerRoutes map[string]http.HandlerFunc
	httpSrv        *http.Server
}

// NewServer creates the API server over the given pipeline and store.
func NewServer(p *pipeline.Pipeline, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{addr: cfg.Addr, pipeline: p, store: st, providerRoutes: cfg.ProviderRoutes}
}

// routes builds the server's request multiplexer.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/agents", s.agentsHandler)
	mux.HandleFunc("/broadcasts", s.broadcastsHandler)
	mux.HandleFunc("/conversations/", s.conversationEventsHandler)
	for path, handler := range s.providerRoutes {
		mux.HandleFunc(path, handler)
	}
	return mux
}

// Run serves HTTP until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      s.routes(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown failed", "error", err)
			return err
		}
		slog.Info("API server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}
