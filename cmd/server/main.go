package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dispatchkit/internal/dispatch"
	"dispatchkit/internal/dispatch/adapter/inmem"
	"dispatchkit/internal/dispatch/adapter/jwks"
	"dispatchkit/internal/dispatch/adapter/proxy"
	"dispatchkit/internal/dispatch/adapter/routes"
	"dispatchkit/internal/dispatch/interceptor"
	"dispatchkit/internal/platform/config"
	"dispatchkit/internal/platform/server"
	"dispatchkit/internal/platform/telemetry"
)

func main() {
	cfg := config.Load()

	// Logging
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	shutdown, err := telemetry.Setup(context.Background(), "dispatch")
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	metrics, err := telemetry.NewDispatchMetrics()
	if err != nil {
		slog.Error("metrics initialization failed", "error", err)
		os.Exit(1)
	}

	// JWKS client
	jwksClient := jwks.NewClient(cfg.JWKSEndpoint, 5*time.Minute).WithMetrics(metrics)

	// Rate limiter
	rl := inmem.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, time.Now)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Cleanup()
			}
		}
	}()

	// Proxy backends
	catalog, err := proxy.NewBackend("catalog", cfg.CatalogURL, metrics)
	if err != nil {
		slog.Error("catalog backend initialization failed", "error", err)
		os.Exit(1)
	}
	files, err := proxy.NewBackend("files", cfg.FilesURL, metrics)
	if err != nil {
		slog.Error("files backend initialization failed", "error", err)
		os.Exit(1)
	}
	identity, err := proxy.NewBackend("identity", cfg.IdentityURL, metrics)
	if err != nil {
		slog.Error("identity backend initialization failed", "error", err)
		os.Exit(1)
	}

	publicPaths := []string{"/healthz", "/readyz", "/auth/token", "/.well-known/jwks.json"}

	// Handler mapping with global interceptors in registration order:
	// pre-handle runs top to bottom, completion phases bottom to top.
	mapping := routes.NewMapping()
	mapping.Use(
		interceptor.NewMetrics(metrics),
		interceptor.RequestID{},
		interceptor.NewLogging(logger),
		interceptor.BodyLimit{Max: cfg.MaxBodyBytes},
		interceptor.NewRateLimit(rl, metrics),
		interceptor.NewAuth(jwksClient, publicPaths, metrics),
	)

	catalogScopes := interceptor.RequireScope{Read: "catalog:read", Write: "catalog:write"}
	fileScopes := interceptor.RequireScope{Read: "files:read", Write: "files:write"}

	// Identity passthrough (public)
	mapping.Handle(http.MethodPost, "/auth/token", identity)
	mapping.Handle(http.MethodGet, "/.well-known/jwks.json", identity)

	// Catalog service
	mapping.Handle(http.MethodGet, "/v1/catalog", catalog, catalogScopes)
	mapping.Handle(http.MethodGet, "/v1/catalog/{id}", catalog, catalogScopes)
	mapping.Handle(http.MethodPost, "/v1/catalog", catalog, catalogScopes)
	mapping.Handle(http.MethodPut, "/v1/catalog/{id}", catalog, catalogScopes)
	mapping.Handle(http.MethodDelete, "/v1/catalog/{id}", catalog, catalogScopes)

	// File service
	mapping.Handle(http.MethodGet, "/v1/files", files, fileScopes)
	mapping.Handle(http.MethodGet, "/v1/files/{id}", files, fileScopes)
	mapping.Handle(http.MethodPost, "/v1/files", files, fileScopes)
	mapping.Handle(http.MethodDelete, "/v1/files/{id}", files, fileScopes)

	// Deferred handler: the report is assembled off the request goroutine and
	// the chain is notified via AfterConcurrentHandlingStarted.
	mapping.HandleFunc(http.MethodGet, "/v1/reports/{id}", reportHandler(catalog), catalogScopes)

	// Liveness endpoints served through the dispatcher
	mapping.HandleFunc(http.MethodGet, "/healthz", healthHandler("ok"))
	mapping.HandleFunc(http.MethodGet, "/readyz", healthHandler("ready"))

	dispatcher := dispatch.NewDispatcher(mapping, metrics, cfg.DeferredTimeout)

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.Handle("/", dispatcher)

	srv := server.New(cfg.Addr, mux)

	slog.Info("dispatch server starting",
		"addr", cfg.Addr,
		"jwks_endpoint", cfg.JWKSEndpoint,
		"catalog_url", cfg.CatalogURL,
		"files_url", cfg.FilesURL,
		"identity_url", cfg.IdentityURL,
		"deferred_timeout", cfg.DeferredTimeout,
	)

	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
	}

	if err := shutdown(context.Background()); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}
}

func healthHandler(status string) dispatch.HandlerFunc {
	return func(_ http.ResponseWriter, _ *http.Request) (*dispatch.Result, error) {
		return dispatch.NewResult(http.StatusOK, map[string]string{
			"status":  status,
			"service": "dispatch",
		}), nil
	}
}

// reportHandler demonstrates deferred handling: it returns immediately with a
// pending outcome channel and delivers the report summary from a worker
// goroutine. The upstream fetch reuses the catalog backend through a recorder
// so the proxied body can be embedded in the final result.
func reportHandler(catalog *proxy.Backend) dispatch.HandlerFunc {
	return func(_ http.ResponseWriter, r *http.Request) (*dispatch.Result, error) {
		id := dispatch.PathParam(r, "id")
		done := make(chan dispatch.Outcome, 1)

		go func() {
			summary, err := buildReport(r, catalog, id)
			if err != nil {
				done <- dispatch.Outcome{Err: err}
				return
			}
			done <- dispatch.Outcome{Result: dispatch.NewResult(http.StatusOK, summary)}
		}()

		return dispatch.NewConcurrentResult(done), nil
	}
}

func buildReport(r *http.Request, catalog *proxy.Backend, id string) (map[string]any, error) {
	rec := newBufferWriter()
	sub := r.Clone(r.Context())
	sub.URL.Path = "/v1/catalog/" + id
	if _, err := catalog.Handle(rec, sub); err != nil {
		return nil, err
	}

	var item any
	if rec.status == http.StatusOK {
		_ = json.Unmarshal(rec.body, &item)
	}

	return map[string]any{
		"report_id":    id,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"source":       "catalog",
		"status":       rec.status,
		"item":         item,
	}, nil
}

// bufferWriter captures an upstream response in memory.
type bufferWriter struct {
	header http.Header
	status int
	body   []byte
}

func newBufferWriter() *bufferWriter {
	return &bufferWriter{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferWriter) Header() http.Header { return b.header }

func (b *bufferWriter) WriteHeader(code int) { b.status = code }

func (b *bufferWriter) Write(p []byte) (int, error) {
	b.body = append(b.body, p...)
	return len(p), nil
}
