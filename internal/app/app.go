// Package app wires configuration, storage, the engine, and the HTTP API
// into a single runnable chronotable server.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	httpapi "github.com/chronotable/chronotable/internal/api/http"
	"github.com/chronotable/chronotable/internal/cache"
	"github.com/chronotable/chronotable/internal/catalog"
	"github.com/chronotable/chronotable/internal/clock"
	"github.com/chronotable/chronotable/internal/config"
	"github.com/chronotable/chronotable/internal/engine"
	"github.com/chronotable/chronotable/internal/scheduler"
	"github.com/chronotable/chronotable/internal/server"
	"github.com/chronotable/chronotable/internal/storage"
	"github.com/chronotable/chronotable/internal/wal"
)

// App manages the chronotable server lifecycle.
type App struct {
	cfg *config.Config

	storage  storage.BlobStore
	catalog  *catalog.SQLiteCatalog
	wal      *wal.WAL
	engine   *engine.Engine
	shutdown *server.ShutdownManager

	httpServer *http.Server

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{cfg: cfg}, nil
}

// Start initializes shared resources, starts the engine, and begins
// serving the HTTP API.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initResources(ctx); err != nil {
		a.shutdown.Shutdown(context.Background())
		return fmt.Errorf("failed to initialize resources: %w", err)
	}

	if err := a.engine.Start(ctx); err != nil {
		a.shutdown.Shutdown(context.Background())
		return fmt.Errorf("failed to start engine: %w", err)
	}

	a.startHTTPServer()

	log.Printf("chronotable started: data_dir=%s addr=%s", a.cfg.DataDir, a.cfg.HTTP.Addr)
	return nil
}

// initResources builds the blob store, catalog, WAL, and engine. Resources
// that need teardown register with the shutdown manager as they come up;
// closers run in reverse order, so the engine stops before the catalog closes.
func (a *App) initResources(ctx context.Context) error {
	var err error

	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{})

	switch a.cfg.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStore(a.cfg.Storage.Path)
	case "s3":
		a.storage, err = storage.NewS3Store(ctx, a.cfg.Storage.S3.Bucket, storage.S3Config{
			Region:       a.cfg.Storage.S3.Region,
			Endpoint:     a.cfg.Storage.S3.Endpoint,
			UsePathStyle: a.cfg.Storage.S3.UsePathStyle,
		})
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Printf("storage initialized: type=%s", a.cfg.Storage.Type)

	if a.cfg.Storage.Type == "s3" && a.cfg.Storage.CacheDir != "" {
		a.storage, err = cache.NewSegmentCache(a.storage, a.cfg.Storage.CacheDir, a.cfg.Storage.CacheMaxBytes)
		if err != nil {
			return fmt.Errorf("failed to initialize segment cache: %w", err)
		}
		log.Printf("segment cache enabled: dir=%s budget=%d bytes",
			a.cfg.Storage.CacheDir, a.cfg.Storage.CacheMaxBytes)
	}

	a.catalog, err = catalog.NewCatalog(a.cfg.CatalogPath())
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	a.shutdown.RegisterCloser(a.catalog)
	log.Printf("catalog opened: %s", a.cfg.CatalogPath())

	a.wal, err = wal.New(a.cfg.WAL.Dir, a.cfg.WAL.MaxSegmentSize)
	if err != nil {
		return fmt.Errorf("failed to open wal: %w", err)
	}
	log.Printf("wal opened: %s", a.cfg.WAL.Dir)

	a.engine = engine.New(a.catalog, a.storage, a.wal, clock.System{}, scheduler.Config{
		TickInterval: a.cfg.Scheduler.TickInterval,
		Workers:      a.cfg.Scheduler.Workers,
	})
	// The engine closes the WAL itself.
	a.shutdown.RegisterCloser(server.CloserFunc(a.engine.Stop))
	return nil
}

// startHTTPServer assembles the routes and serves them in the background.
func (a *App) startHTTPServer() {
	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.RequestIDMiddleware,
		httpapi.ContentTypeMiddleware,
	)

	mux := http.NewServeMux()
	mux.Handle("/v1/hypertables", middleware(httpapi.NewHypertablesHandler(a.engine)))
	mux.Handle("/v1/hypertables/", middleware(httpapi.NewHypertablesHandler(a.engine)))
	mux.Handle("/v1/write", middleware(httpapi.NewWriteHandler(a.engine)))
	mux.Handle("/v1/query", middleware(httpapi.NewQueryHandler(a.engine)))
	mux.Handle("/v1/aggregates", middleware(httpapi.NewAggregatesHandler(a.engine)))
	mux.Handle("/v1/aggregates/", middleware(httpapi.NewAggregatesHandler(a.engine)))
	mux.Handle("/v1/policies", middleware(httpapi.NewPoliciesHandler(a.engine)))
	mux.Handle("/v1/policies/", middleware(httpapi.NewPoliciesHandler(a.engine)))
	mux.Handle("/v1/stats", middleware(httpapi.NewStatsHandler(a.engine)))
	mux.HandleFunc("/health", a.healthHandler())

	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("http server listening on %s", a.cfg.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := a.httpServer.Shutdown(ctx)
		a.wg.Wait()
		return err
	}))
}

// Stop gracefully stops the server: the shutdown manager flips the HTTP
// middleware into rejection mode, drains in-flight requests, and closes the
// registered resources in reverse order (HTTP server, engine, catalog).
// Safe to call after WaitForShutdown has already run the sequence.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("initiating graceful shutdown")

	if a.cancel != nil {
		a.cancel()
	}

	err := a.shutdown.Shutdown(ctx)
	if err != nil {
		log.Printf("shutdown error: %v", err)
	}

	log.Printf("chronotable stopped")
	return err
}

// WaitForShutdown blocks until a termination signal or context cancellation,
// then drains requests and closes resources. The caller still invokes Stop
// afterwards to settle the running state; the teardown itself runs once.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}

func (a *App) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":"chronotable"}`)
	}
}
