package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/auth"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/config"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/ratelimit"
)

const maxBodyBytes = 4 << 20

// Server is the HTTP front of the dispatcher.
type Server struct {
	cfg        config.Config
	dispatcher *Dispatcher
	logger     *slog.Logger
	httpServer *http.Server
	started    time.Time
}

// NewServer assembles the middleware chain and routes.
func NewServer(cfg config.Config, d *Dispatcher, a *auth.Authenticator,
	limiter ratelimit.Limiter, logger *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		logger:     logger,
		started:    time.Now(),
	}

	mux := http.NewServeMux()
	mux.Handle("POST /cstp", Chain(
		http.HandlerFunc(s.handleRPC),
		ratelimit.Middleware(limiter, ratelimit.TokenKeyFunc, logger),
		WithAuth(a),
	))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /.well-known/agent.json", s.handleAgentCard)

	handler := Chain(mux,
		WithRecovery(logger),
		WithRequestID(),
		WithLogging(logger),
		WithTracing("cstp.rpc"),
		WithMetrics("cstp.rpc"),
	)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	return s
}

// Handler exposes the full middleware-wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("cstp server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse(nil, NewError(CodeInvalidRequest, "unreadable request body")))
		return
	}
	resp := s.dispatcher.Dispatch(r.Context(), body)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.cfg.Agent.Version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	card := s.cfg.Agent
	methods := make([]string, 0)
	for _, m := range s.dispatcher.Methods() {
		methods = append(methods, MethodNamespace+m)
	}
	schemes := []string{}
	if s.cfg.Auth.Enabled {
		schemes = append(schemes, "bearer")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":                  card.Name,
		"description":           card.Description,
		"version":               card.Version,
		"url":                   card.URL,
		"methods":               methods,
		"authenticationSchemes": schemes,
		"contact":               card.Contact,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
