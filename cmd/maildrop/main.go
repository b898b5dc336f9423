package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/maildrop/cache"
	"github.com/migadu/maildrop/config"
	"github.com/migadu/maildrop/db"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/mailstore"
	"github.com/migadu/maildrop/pkg/metrics"
	"github.com/migadu/maildrop/server/cleaner"
	"github.com/migadu/maildrop/server/pop3"
	"github.com/migadu/maildrop/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("maildrop version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "MAILDROP: failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "MAILDROP: configuration file %s not found, using defaults\n", *configPath)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "MAILDROP: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MAILDROP: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("maildrop starting", "version", version, "commit", commit, "built", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		logger.Error("maildrop stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("maildrop stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	blobs, err := storage.NewFromConfig(cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// A nil *cache.Cache must not reach mailstore.New as a non-nil interface.
	var bodyCache mailstore.BodyCache
	var cacheStats metrics.CacheStatsProvider
	var cacheEvictor cleaner.CacheManager
	if cfg.LocalCache.Enabled {
		c, err := newCache(cfg.LocalCache)
		if err != nil {
			return err
		}
		defer c.Close()
		bodyCache, cacheStats, cacheEvictor = c, c, c
		g.Go(func() error {
			c.StartPurgeLoop(gctx)
			return nil
		})
	}

	store := mailstore.New(database, blobs, bodyCache)

	gracePeriod, _ := cfg.Cleanup.GetGracePeriod()
	wakeInterval, _ := cfg.Cleanup.GetWakeInterval()
	cleanupWorker := cleaner.New(database, blobs, cacheEvictor, wakeInterval, gracePeriod)
	g.Go(func() error {
		cleanupWorker.Start(gctx)
		return nil
	})

	if cfg.Servers.POP3.Start {
		srv, err := newPOP3Server(gctx, cfg, store)
		if err != nil {
			return err
		}
		g.Go(func() error {
			errChan := make(chan error, 1)
			go func() {
				srv.Start(errChan)
				close(errChan)
			}()
			select {
			case err, ok := <-errChan:
				if ok {
					return fmt.Errorf("POP3 server failed: %w", err)
				}
				return nil
			case <-gctx.Done():
				logger.Info("Shutting down POP3 server", "name", cfg.Servers.POP3.Name)
				srv.Close()
				return nil
			}
		})
	}

	if cfg.Servers.Metrics.Start {
		interval, _ := cfg.Servers.Metrics.GetStatsInterval()
		collector := metrics.NewCollector(database, cacheStats, interval)
		g.Go(func() error {
			collector.Start(gctx)
			return nil
		})
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Servers.Metrics, database)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	return g.Wait()
}

func newCache(cfg config.LocalCacheConfig) (*cache.Cache, error) {
	capacity, err := cfg.GetCapacity()
	if err != nil {
		return nil, fmt.Errorf("invalid cache capacity: %w", err)
	}
	maxObjectSize, err := cfg.GetMaxObjectSize()
	if err != nil {
		return nil, fmt.Errorf("invalid cache max_object_size: %w", err)
	}
	purgeInterval, err := cfg.GetPurgeInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid cache purge_interval: %w", err)
	}
	c, err := cache.New(cfg.Path, capacity, maxObjectSize, purgeInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	return c, nil
}

func newPOP3Server(ctx context.Context, cfg config.Config, store *mailstore.Store) (*pop3.POP3Server, error) {
	serverCfg := cfg.Servers.POP3
	commandTimeout, err := serverCfg.GetCommandTimeout()
	if err != nil {
		return nil, err
	}

	hostname := serverCfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	return pop3.New(ctx, serverCfg.Name, hostname, serverCfg.Addr, store, pop3.POP3ServerOptions{
		TLS:            serverCfg.TLS,
		TLSCertFile:    serverCfg.TLSCertFile,
		TLSKeyFile:     serverCfg.TLSKeyFile,
		MaxConnections: serverCfg.MaxConnections,
		MaxLineLength:  serverCfg.MaxLineLength,
		CommandTimeout: commandTimeout,
	})
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig, database *db.Database) error {
	router := mux.NewRouter()
	router.Handle(cfg.Path, promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := database.Ping(pingCtx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Metrics server listening", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
