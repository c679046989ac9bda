package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/genflow/pkg/api"
	"github.com/psantana5/genflow/pkg/config"
	"github.com/psantana5/genflow/pkg/logging"
	"github.com/psantana5/genflow/pkg/metrics"
	"github.com/psantana5/genflow/pkg/orchestrator"
	"github.com/psantana5/genflow/pkg/ratelimit"
	"github.com/psantana5/genflow/pkg/retry"
	"github.com/psantana5/genflow/pkg/shutdown"
	"github.com/psantana5/genflow/pkg/store"
	tlsutil "github.com/psantana5/genflow/pkg/tls"
	"github.com/psantana5/genflow/pkg/tracing"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "config file (default $HOME/.genflow/config.yaml or /etc/genflow/config.yaml)")
	generateCert := flag.Bool("generate-cert", false, "write a self-signed certificate to the configured api.tls paths and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("genflowd", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if *generateCert {
		t := cfg.API.TLS
		if err := tlsutil.GenerateSelfSignedCert(t.CertFile, t.KeyFile, "genflowd", t.Hosts...); err != nil {
			logger.Fatal("failed to generate certificate", logging.Fields{"error": err})
			os.Exit(1)
		}
		logger.Info("certificate generated", logging.Fields{"cert": t.CertFile, "key": t.KeyFile})
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("genflowd exited with error", logging.Fields{"error": err})
		_ = logger.Close()
		os.Exit(1)
	}
	_ = logger.Close()
}

func newLogger(c config.LogConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(c.Level)
	jsonFormat := c.Format == "json"
	if c.File {
		return logging.NewFileLogger("genflowd", level, jsonFormat)
	}
	return logging.NewLogger(level, jsonFormat).WithField("component", "genflowd"), nil
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("starting genflowd", logging.Fields{
		"version":   version,
		"store":     cfg.Store.Type,
		"workers":   cfg.Workers.Count,
		"providers": len(cfg.Providers),
	})

	sm := shutdown.New(cfg.ShutdownTimeout, logger)

	tp, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "genflowd",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	var st store.Store
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		s, err := store.NewStore(cfg.Store)
		if err != nil {
			logger.Warn("store not ready", logging.Fields{"type": cfg.Store.Type, "error": err})
			return err
		}
		st = s
		return nil
	})
	if err != nil {
		_ = tp.Shutdown(ctx)
		return fmt.Errorf("open store: %w", err)
	}

	// hooks run in reverse registration order
	sm.Register("store", shutdown.CloseResource(st, "store"))
	sm.Register("tracer", tp.Shutdown)

	orch, err := orchestrator.FromConfig(ctx, cfg, st, logger)
	if err != nil {
		_ = sm.Shutdown()
		return fmt.Errorf("build orchestrator: %w", err)
	}
	sm.Register("orchestrator-close", func(context.Context) error { return orch.Close() })

	if err := orch.Start(ctx); err != nil {
		_ = sm.Shutdown()
		return fmt.Errorf("start orchestrator: %w", err)
	}
	sm.Register("orchestrator", orch.Stop)

	if cfg.MetricsAddr != "" {
		srv := metricsServer(cfg.MetricsAddr, orch, logger)
		go func() {
			logger.Info("metrics server listening", logging.Fields{"addr": cfg.MetricsAddr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", logging.Fields{"error": err})
			}
		}()
		sm.Register("metrics-server", shutdown.StopHTTPServer(srv, "metrics-server"))
	}

	apiSrv, err := apiServer(ctx, cfg, orch, tp, logger)
	if err != nil {
		_ = sm.Shutdown()
		return err
	}
	go func() {
		logger.Info("admin API listening", logging.Fields{"addr": cfg.API.Addr, "tls": cfg.API.TLS.Enabled})
		var err error
		if apiSrv.TLSConfig != nil {
			err = apiSrv.ListenAndServeTLS("", "")
		} else {
			err = apiSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin API failed", logging.Fields{"error": err})
			sm.Trigger()
		}
	}()
	sm.Register("api-server", shutdown.StopHTTPServer(apiSrv, "api-server"))

	return sm.WaitWithContext(ctx)
}

func apiServer(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator, tp *tracing.Provider, logger *logging.Logger) (*http.Server, error) {
	logger = logging.OrDiscard(logger)
	var limiter *ratelimit.Limiter
	if cfg.API.RateLimitRPS > 0 {
		limiter = ratelimit.NewLimiter(cfg.API.RateLimitRPS, cfg.API.RateLimitBurst)
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					limiter.CleanupOldLimiters(10 * time.Minute)
				}
			}
		}()
	}

	h := api.NewHandler(api.Deps{
		Queue:      orch.Queue,
		DeadLetter: orch.DeadLetter,
		Cost:       orch.Cost,
		Registry:   orch.Registry,
		Store:      orch.Store,
		Pool:       orch.Pool,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      h.Router(limiter, tp.Tracer()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	t := cfg.API.TLS
	if !t.Enabled {
		logger.Warn("admin API TLS disabled")
		return srv, nil
	}
	if t.GenerateSelfSigned {
		if err := tlsutil.EnsureCert(t.CertFile, t.KeyFile, "genflowd", t.Hosts, logger); err != nil {
			return nil, fmt.Errorf("generate certificate: %w", err)
		}
	}
	tlsCfg, err := tlsutil.ServerConfig(t.CertFile, t.KeyFile, t.CAFile, t.RequireClientCert)
	if err != nil {
		return nil, fmt.Errorf("load TLS config: %w", err)
	}
	srv.TLSConfig = tlsCfg
	return srv, nil
}

func metricsServer(addr string, orch *orchestrator.Orchestrator, logger *logging.Logger) *http.Server {
	logger = logging.OrDiscard(logger)
	exporter := metrics.NewExporter(metrics.Sources{
		Queue:      orch.Queue,
		Pool:       orch.Pool,
		Providers:  orch.Registry,
		DeadLetter: orch.DeadLetter,
		Spend:      orch.Cost,
	}, logger)
	observer := metrics.NewObserver()
	observer.Attach(orch.Bus)

	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler(metrics.NewRegistry(exporter, observer))).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := orch.Store.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}).Methods("GET")

	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
