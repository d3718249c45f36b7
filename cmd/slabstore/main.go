package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	adminpkg "slabstore/pkg/admin"
	"slabstore/pkg/api/s3"
	"slabstore/pkg/config"
	"slabstore/pkg/integrity"
	"slabstore/pkg/metadata"
	"slabstore/pkg/obs/metrics"
	"slabstore/pkg/obs/tracing"
	adminoidc "slabstore/pkg/security/oidc"
	"slabstore/pkg/security/sigv4"
	"slabstore/pkg/storage"
)

var version = "0.0.1-dev"
var ready atomic.Bool

func main() {
	// Load config from SLABSTORE_CONFIG or ./config.yaml; defaults otherwise.
	cfgPath := os.Getenv("SLABSTORE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := config.EnsureDirs(cfg); err != nil {
		slog.Error("failed to ensure data dirs", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize tracing (OpenTelemetry)
	traceShutdown, terr := tracing.Init(context.Background(), tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Protocol:    cfg.Tracing.Protocol,
		SampleRatio: cfg.Tracing.SampleRatio,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if terr != nil {
		slog.Warn("tracing init failed", slog.String("error", terr.Error()))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// Metrics: Prometheus /metrics endpoint and HTTP instrumentation
	m := metrics.New()
	mux.Handle("/metrics", m.Handler())
	sm := metrics.NewStorageMetrics(m.Registry())

	// Metadata index: bbolt when indexPath is set, in-memory otherwise.
	var idx metadata.Index
	if cfg.IndexPath != "" {
		bidx, berr := metadata.OpenBolt(cfg.IndexPath)
		if berr != nil {
			slog.Error("open index", slog.String("path", cfg.IndexPath), slog.String("error", berr.Error()))
			os.Exit(1)
		}
		defer bidx.Close()
		idx = bidx
		slog.Info("metadata index", slog.String("backend", "bolt"), slog.String("path", cfg.IndexPath))
	} else {
		idx = metadata.NewMemoryIndex()
		slog.Info("metadata index", slog.String("backend", "memory"))
	}

	objs, err := storage.NewLocalFS(cfg.DataDirs)
	if err != nil {
		slog.Error("init storage", slog.String("error", err.Error()))
		os.Exit(1)
	}
	objs.SetObserver(sm)

	api := s3.NewWithLimits(idx, objs, s3.Limits{
		SinglePutMaxBytes: cfg.Limits.SinglePutMaxBytes,
	})

	handler := api.Handler()
	if cfg.AuthMode == "sigv4" {
		keys := make([]sigv4.AccessKey, 0, len(cfg.AccessKeys))
		for _, k := range cfg.AccessKeys {
			keys = append(keys, sigv4.AccessKey{AccessKey: k.AccessKey, SecretKey: k.SecretKey, User: k.User})
		}
		credStore := sigv4.NewStaticStore(keys)
		// Exempt health endpoints from auth
		exempt := func(r *http.Request) bool {
			switch r.URL.Path {
			case "/livez", "/readyz", "/metrics":
				return true
			default:
				return false
			}
		}
		handler = sigv4.Middleware(credStore, exempt)(handler)
		slog.Info("sigv4 auth enabled")
	}
	handler = tracing.Middleware(cfg.Tracing.KeyHashEnabled)(handler)
	handler = m.Middleware(handler)
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Background integrity scrubber, independent of the Admin API.
	var scrub integrity.Scrubber
	var scrubPollStop func()
	if cfg.Scrubber.Enabled {
		interval, ierr := time.ParseDuration(cfg.Scrubber.Interval)
		if ierr != nil || interval <= 0 {
			interval = time.Hour
		}
		concurrency := cfg.Scrubber.Concurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		bs := integrity.NewBlobScrubber(idx, objs, integrity.Config{
			Interval:     interval,
			Concurrency:  concurrency,
			SweepOrphans: cfg.Scrubber.SweepOrphans,
		})
		_ = bs.Start(context.Background())
		scrub = bs
		smScr := metrics.NewScrubberMetrics(m.Registry())
		scrubPollStop = smScr.StartPolling(scrub, 10*time.Second)
		slog.Info("scrubber enabled",
			slog.String("interval", interval.String()),
			slog.Int("concurrency", concurrency),
			slog.Bool("sweepOrphans", cfg.Scrubber.SweepOrphans),
		)
	}

	// Optional Admin server on a separate port.
	var adminSrv *http.Server
	if cfg.AdminAddress != "" {
		adminMux := http.NewServeMux()
		adminMux.Handle("/admin/health", adminpkg.NewHealthHandler(version, cfg.Address, &ready))
		adminMux.Handle("/admin/version", adminpkg.NewVersionHandler(version))
		// Scrubber controls work even when the background scrubber is
		// disabled; stats return zero values then.
		adminMux.Handle("/admin/scrub/stats", adminpkg.NewScrubberStatsHandler(scrub))
		adminMux.Handle("/admin/scrub/runonce", adminpkg.NewScrubberRunOnceHandler(scrub))

		adminHandler := http.Handler(adminMux)
		if cfg.OIDC.Enabled {
			v, oerr := adminoidc.NewVerifier(context.Background(), adminoidc.Config{
				Issuer:   cfg.OIDC.Issuer,
				ClientID: cfg.OIDC.ClientID,
				Audience: cfg.OIDC.Audience,
				JWKSURL:  cfg.OIDC.JWKSURL,
			})
			if oerr != nil {
				slog.Error("admin oidc init failed", slog.String("error", oerr.Error()))
			} else {
				// Exemptions for health/version if allowed by config (useful for LB/K8s probes)
				exempt := func(r *http.Request) bool {
					if cfg.OIDC.AllowUnauthHealth && r.URL.Path == "/admin/health" {
						return true
					}
					if cfg.OIDC.AllowUnauthVersion && r.URL.Path == "/admin/version" {
						return true
					}
					return false
				}
				adminHandler = adminoidc.Middleware(v, exempt)(adminHandler)
				slog.Info("admin oidc enabled",
					slog.Bool("allowUnauthHealth", cfg.OIDC.AllowUnauthHealth),
					slog.Bool("allowUnauthVersion", cfg.OIDC.AllowUnauthVersion),
				)
			}
		}

		adminSrv = &http.Server{
			Addr:         cfg.AdminAddress,
			Handler:      adminHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		}
		go func() {
			slog.Info("admin listening", slog.String("addr", cfg.AdminAddress))
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("admin server error", slog.String("error", err.Error()))
				os.Exit(1)
			}
		}()
	}

	go func() {
		ready.Store(true)
		slog.Info("slabstore listening", slog.String("version", version), slog.String("addr", cfg.Address))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ready.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", slog.String("error", err.Error()))
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(ctx); err != nil {
			slog.Error("admin shutdown error", slog.String("error", err.Error()))
		}
	}
	if scrub != nil {
		_ = scrub.Stop(ctx)
	}
	if scrubPollStop != nil {
		scrubPollStop()
	}
	if err := traceShutdown(ctx); err != nil {
		slog.Error("tracing shutdown error", slog.String("error", err.Error()))
	}
	slog.Info("slabstore stopped")
}
