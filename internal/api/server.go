package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/hexweave/grimoire/internal/budget"
	"github.com/hexweave/grimoire/internal/engine"
	"github.com/hexweave/grimoire/internal/idempotency"
	"github.com/hexweave/grimoire/internal/model"
	"github.com/hexweave/grimoire/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second

	defaultMaxStreamsPerCaller = 5
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router  *chi.Mux
	store   store.Store
	casts   *engine.Router
	idem    *idempotency.Gate
	budgets *budget.Gate
	logger  *slog.Logger
	addr    string

	streams *streamLimiter
}

// Options tunes server behavior beyond its collaborators.
type Options struct {
	// MaxStreamsPerCaller bounds concurrent SSE subscriptions per caller.
	MaxStreamsPerCaller int
}

// NewServer creates and configures a new HTTP server. The budget commit
// hook is registered here so every terminal cast bills its caller.
func NewServer(addr string, s store.Store, casts *engine.Router, idem *idempotency.Gate, budgets *budget.Gate, logger *slog.Logger, opts Options) *Server {
	maxStreams := opts.MaxStreamsPerCaller
	if maxStreams <= 0 {
		maxStreams = defaultMaxStreamsPerCaller
	}

	srv := &Server{
		router:  chi.NewRouter(),
		store:   s,
		casts:   casts,
		idem:    idem,
		budgets: budgets,
		logger:  logger,
		addr:    addr,
		streams: newStreamLimiter(maxStreams),
	}

	casts.OnTerminal(func(c *model.Cast) {
		attrs := []any{
			"cast_id", c.ID,
			"spell_id", c.SpellID,
			"caller_id", c.CallerID,
			"status", c.Status,
			"engine", c.Engine,
			"fallback", c.Fallback,
		}
		if c.CostCents != nil {
			attrs = append(attrs, "cost_cents", *c.CostCents)
		}
		logger.Info("cast finished", attrs...)
	})
	casts.OnTerminal(func(c *model.Cast) {
		if c.CostCents == nil || *c.CostCents <= 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := budgets.Commit(ctx, c.CallerID, *c.CostCents); err != nil {
			logger.Error("budget commit failed", "cast_id", c.ID, "caller_id", c.CallerID, "error", err)
		}
	})

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(callerMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-Caller-Id", "X-Caller-Role", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/budget", s.requireCaller(s.handleGetBudget))

	s.router.Route("/v1/spells", func(r chi.Router) {
		r.Post("/", s.handleCreateSpell)
		r.Get("/", s.handleListSpells)
		r.Get("/{id}", s.handleGetSpell)
		r.Post("/{id}/module", s.handleUploadModule)
		r.Post("/{id}/casts", s.requireCaller(s.handleCreateCast))
	})

	s.router.Route("/v1/casts", func(r chi.Router) {
		r.Get("/", s.requireCaller(s.handleListCasts))
		r.Get("/{id}", s.handleGetCast)
		r.Get("/{id}/events", s.handleStreamEvents)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	// Let in-flight casts reach a terminal state before exit.
	s.casts.Wait()

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
