package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"opsqueue/internal/config"
	"opsqueue/internal/infra/pgcatalog"
	"opsqueue/internal/infra/redisq"
	"opsqueue/internal/metrics"
	"opsqueue/internal/usecase"
)

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Ledger  *usecase.Ledger
	Query   usecase.Query
	Bulk    usecase.Orchestrator
	Limiter *rate.Limiter
	Ping    func(ctx context.Context) error
}

type Server struct {
	router     *chi.Mux
	ledger     *usecase.Ledger
	query      usecase.Query
	enqueuer   usecase.Enqueuer
	bulkRunner usecase.Orchestrator
	ping       func(ctx context.Context) error
	closers    []func()
}

// NewServer wires the server from the environment.
func NewServer() *Server {
	ctx := context.Background()
	cfg := config.Load()

	cli := redisq.New(cfg.Redis)
	if err := cli.Connect(ctx); err != nil {
		log.Ctx(ctx).Fatal().Msgf("something went wrong: %s", err)
	}

	store := redisq.NewStore(cli)
	logs := redisq.NewLogStream(cli)
	obs := metrics.NewPrometheusObserver()
	ledger := usecase.NewLedger(store, logs, obs, redisq.NewAuditStream(cli, cfg.Ledger.AuditStreamMaxLen), usecase.LogNotifier{})
	ledger.DefaultMaxAttempts = cfg.Ledger.DefaultMaxAttempts

	rules := usecase.DefaultRules()
	if cfg.Bulk.RulesFile != "" {
		var err error
		if rules, err = usecase.LoadRules(cfg.Bulk.RulesFile); err != nil {
			log.Fatal().Err(err).Str("file", cfg.Bulk.RulesFile).Msg("failed to load bulk rules")
		}
	}
	bulk := usecase.Orchestrator{Ledger: ledger, Rules: rules, Metrics: obs}

	closers := []func(){func() { _ = cli.Close() }}
	if cfg.Catalog.DSN != "" {
		catalog, err := pgcatalog.Connect(ctx, cfg.Catalog.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to catalog database")
		}
		bulk.Catalog = catalog
		closers = append(closers, catalog.Close)
	} else {
		log.Warn().Msg("CATALOG_DSN not set, bulk operations are disabled")
	}

	s := New(Deps{
		Ledger:  ledger,
		Query:   usecase.Query{Store: store, Lines: logs},
		Bulk:    bulk,
		Limiter: rate.NewLimiter(rate.Limit(cfg.API.RateLimitRPS), cfg.API.RateLimitBurst),
		Ping:    func(ctx context.Context) error { return cli.Rdb.Ping(ctx).Err() },
	})
	s.closers = closers
	return s
}

func New(d Deps) *Server {
	s := &Server{
		ledger:     d.Ledger,
		query:      d.Query,
		enqueuer:   usecase.Enqueuer{Ledger: d.Ledger},
		bulkRunner: d.Bulk,
		ping:       d.Ping,
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/commands", func(r chi.Router) {
		r.Get("/", s.listCommands)
		r.Get("/groups/human-required", s.humanRequiredGroups)
		r.Get("/groups/active", s.activeGroups)
		r.Get("/{id}", s.getCommand)
		r.Get("/{id}/logs", s.getLogs)
		r.Post("/{id}/retry", s.action((*usecase.Ledger).Retry))
		r.Post("/{id}/ack", s.action((*usecase.Ledger).Acknowledge))
		r.Post("/{id}/cancel", s.action((*usecase.Ledger).Cancel))
	})

	r.Route("/ops", func(r chi.Router) {
		r.Use(rateLimitHandler(d.Limiter))
		r.Post("/enqueue", s.enqueue)
		r.Post("/bulk/{rule}", s.bulk)
	})

	s.router = r
	return s
}

// Handler is the router wrapped in the common middleware.
func (s *Server) Handler() http.Handler {
	return chainMiddleware(
		s.router,
		recoverHandler,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool {
			return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
		}),
		realIPHandler,
		requestIDHandler,
		corsHandler,
	)
}

// Run serves on port until SIGINT or SIGTERM, then drains in-flight requests.
func (s *Server) Run(port int) {
	addr := fmt.Sprintf(":%d", port)

	httpServer := http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Fatal().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	log.Info().Msgf("server serving on port %d", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Failed to listen and serve")
	}

	<-done
	for _, c := range s.closers {
		c()
	}
	log.Info().Msg("Server stopped")
}
