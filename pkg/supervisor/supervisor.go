// Package supervisor serves function invocations and the admin API on top of
// the worker pool.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/apierror"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/pool"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/stats"
)

const metricsListenerID = "supervisor"

type Config struct {
	// Address serves function invocations and the admin API.
	Address string
	// GRPCAddress serves the gRPC health service. Empty disables it.
	GRPCAddress string
	// ShutdownTimeout bounds draining in-flight requests on shutdown.
	ShutdownTimeout time.Duration
	// CrashStderrWait is how long a crash response waits for the worker to be
	// reaped so that its stderr is complete.
	CrashStderrWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = "127.0.0.1:8010"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.CrashStderrWait <= 0 {
		c.CrashStderrWait = 500 * time.Millisecond
	}
}

// FunctionStore receives descriptors submitted with a deploy request.
type FunctionStore interface {
	PutFunction(ctx context.Context, desc *metadata.FunctionDescriptor) error
}

type Supervisor struct {
	cfg        Config
	pool       *pool.Pool
	store      FunctionStore
	stats      *stats.StatsManager
	metrics    *Metrics
	health     *health.Server
	grpcServer *grpc.Server
	transport  *http.Transport
	logger     *slog.Logger

	startOnce sync.Once
}

// New wires a supervisor. store may be nil, in which case deploy requests that
// carry a descriptor are rejected.
func New(cfg Config, workers *pool.Pool, store FunctionStore, statsManager *stats.StatsManager, logger *slog.Logger) *Supervisor {
	cfg.applyDefaults()
	logger = logger.With("component", "supervisor")
	s := &Supervisor{
		cfg:     cfg,
		pool:    workers,
		store:   store,
		stats:   statsManager,
		metrics: NewMetrics(func() int { return len(workers.Workers()) }),
		transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     30 * time.Second,
			DisableCompression:  true,
		},
		logger: logger,
	}
	s.grpcServer, s.health = newHealthServer(logger)
	return s
}

// Handler routes function invocations, the admin API and metrics.
func (s *Supervisor) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierror.Write(w, apierror.NotFound("no function matches path %s", r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apierror.Write(w, apierror.NotFound("%s %s is not supported", r.Method, r.URL.Path))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(loopbackOnly)
		r.Post("/deploy", s.handleDeploy)
		r.Post("/delete", s.handleDelete)
		r.Post("/reset", s.handleReset)
		r.Post("/debug", s.handleDebug)
		r.Post("/clear", s.handleClear)
		r.Get("/workers", s.handleWorkers)
		r.Get("/host", s.handleHost)
		r.Get("/events", s.handleEvents)
	})
	r.With(loopbackOnly).Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.HandleFunc("/{project}/{location}/{function}", s.handleInvoke)
	r.HandleFunc("/{project}/{location}/{function}/*", s.handleInvoke)
	return r
}

// Start runs the background loops: event fan-out, metrics and health
// bookkeeping and idle pruning. It is called by Serve and only runs once.
func (s *Supervisor) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		updates := make(chan stats.StatusUpdate, 1024)
		s.stats.AddListener(metricsListenerID, updates)
		go s.stats.StartStreamingToListeners(ctx)
		go s.observe(ctx, updates)
		go s.pool.RunPruner(ctx)
	})
}

func (s *Supervisor) observe(ctx context.Context, updates <-chan stats.StatusUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case su := <-updates:
			s.metrics.WorkerEvent(su)
			if su.FunctionName != "" {
				s.updateHealth(su.FunctionName)
			}
		}
	}
}

// Run listens on the configured address and serves until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then stops accepting requests and
// closes every worker.
func (s *Supervisor) Serve(ctx context.Context, lis net.Listener) error {
	s.Start(ctx)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}

	var glis net.Listener
	if s.cfg.GRPCAddress != "" {
		var err error
		if glis, err = net.Listen("tcp", s.cfg.GRPCAddress); err != nil {
			lis.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Supervisor listening", "address", lis.Addr().String())
		if err := srv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if glis != nil {
		g.Go(func() error {
			s.logger.Info("Health service listening", "address", glis.Addr().String())
			return s.grpcServer.Serve(glis)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Forcing close of open requests", "error", err)
			srv.Close()
		}
		s.grpcServer.GracefulStop()
		s.transport.CloseIdleConnections()

		poolCtx, cancelPool := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancelPool()
		return s.pool.Shutdown(poolCtx)
	})
	return g.Wait()
}

// loopbackOnly rejects clients that do not connect from a loopback address.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			apierror.Write(w, apierror.PermissionDenied("%s is only served to loopback clients", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}
