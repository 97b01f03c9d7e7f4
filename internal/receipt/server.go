package receipt

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/kvitto-ocr/internal/scanning"
)

// DefaultMaxUploadBytes bounds the multipart body of an OCR request
const DefaultMaxUploadBytes = 50 << 20

// IDGenerator generates request IDs
type IDGenerator interface {
	Generate() string
}

// uuidGenerator generates random UUIDs
type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

// ServerOptions configures a Server
type ServerOptions struct {
	Version        string
	MaxUploadBytes int64
	IDGenerator    IDGenerator
}

// Server handles HTTP requests for receipt extraction
type Server struct {
	service *Service
	opts    ServerOptions
	mux     *http.ServeMux
	handler http.Handler
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, opts ServerOptions) *Server {
	return NewServerWithMux(service, opts, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, opts ServerOptions, mux *http.ServeMux) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = &uuidGenerator{}
	}
	s := &Server{
		service: service,
		opts:    opts,
		mux:     mux,
	}
	s.registerRoutes()
	s.handler = s.requestIDMiddleware(s.corsMiddleware(s.mux))
	return s
}

// loggerFrom returns the request-scoped logger, or the default one
func loggerFrom(ctx context.Context) *slog.Logger {
	return scanning.LoggerFrom(ctx)
}

// requestIDMiddleware tags every request with an ID and a logger carrying it
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = s.opts.IDGenerator.Generate()
		}
		w.Header().Set("X-Request-ID", id)

		logger := slog.Default().With("request_id", id)
		ctx := scanning.WithLogger(r.Context(), logger)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		logger.Debug("Request handled", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Model, X-Request-ID")
	w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After, Content-Disposition")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/ocr", s.handleOCR)
	s.mux.HandleFunc("POST /api/export", s.handleExport)
	s.mux.HandleFunc("GET /api/models", s.handleListModels)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
