package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"ledger-core/pkg/auth"
	"ledger-core/pkg/ledger"
	"ledger-core/pkg/logging"
	"ledger-core/pkg/settlement"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server exposes the settlement engine and ledger reads over HTTP.
type Server struct {
	engine   *settlement.Engine
	reader   ledger.Reader
	verifier *auth.Verifier
	config   ServerConfig
	logger   *logging.Logger

	handler http.Handler
	server  *http.Server
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// CORSAllowedOrigins defaults to every origin
	CORSAllowedOrigins []string

	// Registerer receives the HTTP metrics, Gatherer serves /metrics.
	// Both default to the prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	Logger *logging.Logger
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:            ":8080",
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       15 * time.Second,
		IdleTimeout:        60 * time.Second,
		CORSAllowedOrigins: []string{"*"},
	}
}

// NewServer creates the API server. reader may be nil, in which case the
// list endpoints answer 503.
func NewServer(engine *settlement.Engine, reader ledger.Reader, verifier *auth.Verifier, config ServerConfig) (*Server, error) {
	if engine == nil {
		return nil, errors.New("api: settlement engine is required")
	}
	if verifier == nil {
		return nil, errors.New("api: token verifier is required")
	}
	if len(config.CORSAllowedOrigins) == 0 {
		config.CORSAllowedOrigins = []string{"*"}
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.DefaultRegisterer
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	if config.Logger == nil {
		config.Logger = logging.Global()
	}

	s := &Server{
		engine:   engine,
		reader:   reader,
		verifier: verifier,
		config:   config,
		logger:   config.Logger.Named("api"),
	}

	httpMetrics, err := newHTTPMetrics(config.Registerer)
	if err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	r.Use(httpMetrics.middleware, s.loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	protected := r.PathPrefix("/api").Subrouter()
	protected.Use(auth.Middleware(verifier, func(w http.ResponseWriter, status int, message string) {
		writeJSON(w, status, errorResponse{Message: message})
	}))
	protected.HandleFunc("/transactions/qris", s.handleQRISPayment).Methods(http.MethodPost)
	protected.HandleFunc("/transactions", s.handleListTransactions).Methods(http.MethodGet)
	protected.HandleFunc("/accounts", s.handleListAccounts).Methods(http.MethodGet)

	s.handler = cors.New(cors.Options{
		AllowedOrigins:   config.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", HeaderIdempotencyKey},
		ExposedHeaders:   []string{HeaderReplayed, HeaderRequestID, "Retry-After"},
		AllowCredentials: false,
	}).Handler(r)

	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      s.handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}

	s.logger.Info("server listening", zap.String("address", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server, then waits for settlements
// that outlived their requests.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	return s.engine.Shutdown(ctx)
}

// handleHealth returns a simple health check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"store":     s.engine.Store().Name(),
		"timestamp": time.Now().Unix(),
	}

	if p, ok := s.engine.Store().(interface{ Ping(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			response["status"] = "unhealthy"
			response["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, response)
			return
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
