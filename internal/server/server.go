package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/joelmbaka/pygrade/internal/api"
	"github.com/joelmbaka/pygrade/internal/challenge"
	"github.com/joelmbaka/pygrade/internal/config"
	"github.com/joelmbaka/pygrade/internal/events"
	"github.com/joelmbaka/pygrade/internal/executor"
	"github.com/joelmbaka/pygrade/internal/hints"
	"github.com/joelmbaka/pygrade/internal/limiter"
	"github.com/joelmbaka/pygrade/internal/pycheck"
	"github.com/joelmbaka/pygrade/internal/queue"
	"github.com/joelmbaka/pygrade/internal/sandbox"
	"github.com/joelmbaka/pygrade/internal/store"
	"github.com/joelmbaka/pygrade/internal/worker"
)

type Server struct {
	conf        *config.Config
	logger      *zerolog.Logger
	httpServer  *http.Server
	store       store.Store
	events      *events.Publisher
	sandbox     sandbox.Sandbox
	queue       *queue.Manager
	workers     []*worker.Worker
	rateLimiter *limiter.RateLimiter
	cancelFunc  context.CancelFunc
}

func New(conf *config.Config, logger *zerolog.Logger) (*Server, error) {
	sb, err := sandbox.NewDockerSandbox(sandbox.Options{
		Profile:       sandbox.PythonProfile(conf.Sandbox.Image),
		CPUQuota:      conf.Sandbox.CPUQuota,
		PidsLimit:     conf.Sandbox.PidsLimit,
		WorkdirSizeMb: conf.Sandbox.WorkdirSizeMb,
		TmpSizeMb:     conf.Sandbox.TmpSizeMb,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}

	checker := pycheck.New(conf.Sandbox.PythonBin)
	analyzer := hints.NewAnalyzer(logger)

	mode := executor.CompareTrimTrailing
	if conf.Comparison == "exact" {
		mode = executor.CompareExact
	}
	exec := executor.NewExecutor(sb, checker, analyzer, mode, logger)

	var st store.Store
	if conf.Database.URL != "" {
		pg, err := store.NewPostgres(context.Background(), conf.Database.URL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open submission store: %w", err)
		}
		st = pg
	} else {
		logger.Warn().Msg("no database configured, submissions are stored in memory")
		st = store.NewMemory()
	}

	var publisher *events.Publisher
	if len(conf.Kafka.Brokers) > 0 {
		publisher, err = events.NewPublisher(events.PublisherConfig{
			Brokers: conf.Kafka.Brokers,
			Topic:   conf.Kafka.Topic,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
	}

	var challenges *challenge.Client
	if conf.Challenge.BaseURL != "" {
		challenges = challenge.New(
			conf.Challenge.BaseURL,
			conf.Challenge.Token,
			time.Duration(conf.Challenge.TimeoutSeconds)*time.Second,
		)
	}

	q := queue.NewManager(
		conf.Engine.QueueCapacity,
		time.Duration(conf.Engine.QueueMaxWaitMs)*time.Millisecond,
	)

	rl := limiter.NewRateLimiter(limiter.Config{
		GlobalRPS:     conf.RateLimit.GlobalRPS,
		PerIPRPS:      conf.RateLimit.PerIPRPS,
		PerIPBurst:    conf.RateLimit.PerIPBurst,
		MaxConcurrent: conf.RateLimit.MaxConcurrent,
	})
	rl.StartCleanup(5 * time.Minute)

	handler := api.NewHandler(api.HandlerConfig{
		Queue:      q,
		Store:      st,
		Events:     publisher,
		Challenges: challenges,
		Sandbox:    sb,
		Checker:    checker,
		Limits:     conf.Limits,
		Logger:     logger,
	})

	router := newRouter(handler, rl, logger)

	httpServer := &http.Server{
		Addr:         conf.Addr(),
		Handler:      router,
		ReadTimeout:  time.Duration(conf.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(conf.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(conf.Server.IdleTimeout) * time.Second,
	}

	// Worker count is the system-wide cap on simultaneous sandboxes.
	workers := make([]*worker.Worker, conf.Engine.Workers)
	for i := range workers {
		workers[i] = worker.NewWorker(i, exec, q, logger)
	}

	return &Server{
		conf:        conf,
		logger:      logger,
		httpServer:  httpServer,
		store:       st,
		events:      publisher,
		sandbox:     sb,
		queue:       q,
		workers:     workers,
		rateLimiter: rl,
	}, nil
}

func newRouter(handler *api.Handler, rl *limiter.RateLimiter, logger *zerolog.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(requestLogger(logger))

	router.HandleFunc("/health", handler.Health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/generate-new-challenge", handler.GenerateChallenge).Methods(http.MethodPost)

	// Only the execution endpoints sit behind the rate limiter.
	limited := router.NewRoute().Subrouter()
	limited.Use(rl.Middleware)
	limited.HandleFunc("/execute-code", handler.ExecuteCode).Methods(http.MethodPost)
	limited.HandleFunc("/submit-code", handler.SubmitCode).Methods(http.MethodPost)

	return router
}

func (s *Server) Start() error {
	if err := s.sandbox.EnsureImage(context.Background()); err != nil {
		return fmt.Errorf("failed to ensure runtime image: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel

	for _, w := range s.workers {
		go w.Start(ctx)
	}

	s.logger.Info().
		Str("addr", s.httpServer.Addr).
		Int("workers", len(s.workers)).
		Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

// Stop drains in-flight requests before the workers go away, then releases
// the backing services.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	if err := s.events.Close(); err != nil {
		s.logger.Error().Err(err).Msg("failed to close event publisher")
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error().Err(err).Msg("failed to close submission store")
	}

	if err := s.sandbox.Close(); err != nil {
		s.logger.Error().Err(err).Msg("failed to close sandbox client")
	}

	return nil
}

// statusRecorder captures the status code written by downstream handlers.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogger(logger *zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Msg("request")
		})
	}
}
