package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opsdeck/opsdeck/pkg/config"
	"github.com/opsdeck/opsdeck/pkg/gateway"
	"github.com/opsdeck/opsdeck/pkg/httputil"
	"github.com/opsdeck/opsdeck/pkg/identity"
	"github.com/opsdeck/opsdeck/pkg/observability"
	"github.com/opsdeck/opsdeck/pkg/relay"
	"github.com/opsdeck/opsdeck/pkg/session"
	"github.com/opsdeck/opsdeck/pkg/units"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	boot := logrus.WithField("component", "main")

	cfg, err := config.LoadConfig()
	if err != nil {
		boot.WithError(err).Fatal("failed to load configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		boot.WithError(err).Fatal("failed to initialize OpenTelemetry")
	}

	sessionKey, err := hex.DecodeString(cfg.Gateway.SessionKey)
	if err != nil {
		boot.WithError(err).Fatal("session key must be hex encoded")
	}
	codec, err := session.NewSecretboxCodec(sessionKey)
	if err != nil {
		boot.WithError(err).Fatal("failed to build session codec")
	}

	directory, store, writer, invalidator, closeDirectory, err := buildDirectory(cfg, logger, metrics)
	if err != nil {
		boot.WithError(err).Fatal("failed to initialize unit directory")
	}
	defer closeDirectory()

	resolver := units.NewResolver(directory)

	// One reconciler serves both the periodic sweep and the login-path
	// route. It reads the authoritative store, not the cached view, and
	// drops the cache snapshot after writes.
	var reconciler *units.Reconciler
	if writer != nil {
		reconciler = units.NewReconciler(store, writer, invalidator, logger)
		if cfg.Directory.ReconcileSchedule != "" {
			scheduler, err := reconciler.StartPeriodic(cfg.Directory.ReconcileSchedule)
			if err != nil {
				boot.WithError(err).Fatal("failed to schedule unit reconciliation")
			}
			defer scheduler.Stop()
		}
	}

	provider, err := identity.NewOIDCProvider(ctx, identity.OIDCConfig{
		IssuerURL:    cfg.Identity.IssuerURL,
		ClientID:     cfg.Identity.ClientID,
		ClientSecret: cfg.Identity.ClientSecret,
		Scopes:       cfg.Identity.Scopes,
	})
	if err != nil {
		boot.WithError(err).Fatal("failed to initialize identity provider client")
	}

	gw := gateway.New(provider, codec, resolver, gateway.Config{
		ServerSecret: cfg.Gateway.ServerSecret,
		AllowedUnits: cfg.Gateway.AllowedUnits,
	}, logger, metrics)

	relayServer := relay.NewServer(gw, gateway.Policy{
		RequiredRoles: cfg.Relay.AdminRoles,
		RequiredUnits: []string{cfg.Relay.LogViewerUnit},
	}, relay.Config{
		UpstreamURLs:      cfg.Relay.UpstreamURLs,
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
	}, logger, metrics)
	relayServer.Start()
	defer relayServer.Stop()

	handler := buildHandler(cfg, logger, metrics, gw, directory, reconciler, relayServer)

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: buildHealthMux(metrics),
	}

	go func() {
		boot.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			boot.WithError(err).Error("health server failed")
		}
	}()
	go func() {
		boot.WithField("addr", apiServer.Addr).Info("api server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			boot.WithError(err).Fatal("api server failed")
		}
	}()

	<-ctx.Done()
	boot.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		boot.WithError(err).Error("api server shutdown failed")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		boot.WithError(err).Error("health server shutdown failed")
	}
	if err := observability.ShutdownOTel(shutdownCtx, otelProviders); err != nil {
		boot.WithError(err).Error("OpenTelemetry shutdown failed")
	}
}

// buildDirectory assembles the configured unit store, optionally wrapped in
// the Redis snapshot cache. It returns the read path (cached when Redis is
// configured) alongside the authoritative store for the write path. Writer
// and Invalidator are nil when the backend is read-only or uncached.
func buildDirectory(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (units.Directory, units.Directory, units.Writer, units.Invalidator, func(), error) {
	var (
		store   units.Directory
		writer  units.Writer
		closeFn = func() {}
	)

	switch cfg.Directory.Backend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Directory.PostgresURL)
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		pg := units.NewPostgresDirectory(db)
		store, writer = pg, pg
		closeFn = func() { db.Close() }
	default:
		fileDir, err := units.NewFileDirectory(cfg.Directory.RosterPath, logger)
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		store = fileDir
		closeFn = func() { fileDir.Close() }
	}

	store = units.NewMeasuredDirectory(store, cfg.Directory.Backend, metrics)
	directory := store

	var invalidator units.Invalidator
	if cfg.Directory.RedisURL != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Directory.RedisURL,
			Password: cfg.Directory.RedisPassword,
			DB:       cfg.Directory.RedisDB,
		})
		cached := units.NewCachedDirectory(store, client, cfg.Directory.CacheTTL, metrics)
		directory, invalidator = cached, cached
		inner := closeFn
		closeFn = func() {
			client.Close()
			inner()
		}
	}

	return directory, store, writer, invalidator, closeFn, nil
}

func buildHandler(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics, gw *gateway.Gateway, directory units.Directory, reconciler *units.Reconciler, relayServer *relay.Server) http.Handler {
	router := mux.NewRouter()

	// Best-effort identification: anonymous callers get an empty identity.
	router.Handle("/api/me",
		gw.Middleware(gateway.Policy{})(http.HandlerFunc(handleWhoAmI)),
	).Methods("GET", "OPTIONS")

	// Admin-scoped unit listing.
	router.Handle("/api/admin/units",
		gw.Middleware(gateway.Policy{RequiredRoles: cfg.Relay.AdminRoles})(
			http.HandlerFunc(handleListUnits(directory)),
		),
	).Methods("GET", "OPTIONS")

	// Login-time membership reconciliation, callable only by sibling
	// services holding the server secret.
	if reconciler != nil {
		router.Handle("/internal/reconcile/{user_id}",
			gw.Middleware(gateway.Policy{RequiredRoles: cfg.Relay.AdminRoles, ServiceOnly: true})(
				http.HandlerFunc(handleReconcile(reconciler)),
			),
		).Methods("POST")
	}

	router.Handle("/ws/logs", relayServer)

	return httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger, metrics),
		httputil.RecoveryMiddleware(logger),
		httputil.CORSMiddleware(cfg.Server.AllowedOrigins),
	)(router)
}

func buildHealthMux(metrics *observability.Metrics) *http.ServeMux {
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if metrics != nil {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	return healthMux
}

func handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	authCtx := gateway.FromRequest(r)
	if authCtx == nil || authCtx.UserID == "" {
		httputil.WriteSuccess(w, map[string]interface{}{"anonymous": true})
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id": authCtx.UserID,
		"name":    authCtx.UserName(),
		"roles":   authCtx.Roles,
		"units":   authCtx.Units.All,
	})
}

func handleListUnits(directory units.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, err := directory.ListUnits(r.Context())
		if err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
		httputil.WriteSuccess(w, all)
	}
}

func handleReconcile(reconciler *units.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["user_id"]
		if userID == "" {
			httputil.WriteBadRequest(w, "user_id is required")
			return
		}
		if err := reconciler.ReconcileUser(r.Context(), userID); err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
		httputil.WriteSuccess(w, map[string]string{"status": "reconciled"})
	}
}
