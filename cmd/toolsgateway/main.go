// Command toolsgateway is the Tools Provider gateway's entry point: it
// wires the event journal, read model, access resolver, invocation
// pipeline, SSE hub, and HTTP surface together and serves them until a
// shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/toolsgateway/toolsgw/applications/auth"
	"github.com/toolsgateway/toolsgw/applications/commands"
	"github.com/toolsgateway/toolsgw/applications/httpapi"
	"github.com/toolsgateway/toolsgw/applications/ingestion"
	"github.com/toolsgateway/toolsgw/applications/pipeline"
	"github.com/toolsgateway/toolsgw/applications/projector"
	"github.com/toolsgateway/toolsgw/applications/queries"
	"github.com/toolsgateway/toolsgw/applications/resolver"
	"github.com/toolsgateway/toolsgw/applications/sse"
	"github.com/toolsgateway/toolsgw/eventstore"
	"github.com/toolsgateway/toolsgw/identity"
	"github.com/toolsgateway/toolsgw/infrastructure/cache"
	"github.com/toolsgateway/toolsgw/infrastructure/config"
	"github.com/toolsgateway/toolsgw/infrastructure/logging"
	"github.com/toolsgateway/toolsgw/infrastructure/metrics"
	"github.com/toolsgateway/toolsgw/infrastructure/middleware"
	"github.com/toolsgateway/toolsgw/infrastructure/migrations"
	"github.com/toolsgateway/toolsgw/infrastructure/resilience"
	"github.com/toolsgateway/toolsgw/invoker"
	"github.com/toolsgateway/toolsgw/readmodel"
	"github.com/toolsgateway/toolsgw/tokenexchange"
)

func main() {
	ctx := context.Background()
	logger := logging.NewFromEnv("toolsgateway")

	cfg := loadConfig()

	events, db, err := newEventStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("CRITICAL: event store: %v", err)
	}

	stores := newReadModelStores(db)
	checkpoint := newCheckpointStore(db)

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		log.Fatalf("CRITICAL: identity verifier: %v", err)
	}

	sessionStore, sessionStoreName := newSessionStore(cfg)
	authManager, err := auth.NewManager(ctx, auth.Config{
		Issuer:       cfg.oidcIssuer,
		ClientID:     cfg.oidcClientID,
		ClientSecret: cfg.oidcClientSecret,
		RedirectURI:  cfg.oidcRedirectURI,
		Scopes:       cfg.oidcScopes,
		CookieName:   cfg.sessionCookieName,
		SessionTTL:   cfg.sessionTTL,
	}, &http.Client{Timeout: 10 * time.Second}, sessionStore, logger)
	if err != nil {
		log.Fatalf("CRITICAL: oidc discovery: %v", err)
	}
	logger.Info(ctx, "session store initialized", map[string]interface{}{"backend": sessionStoreName})

	hub := sse.New(cfg.sseMaxPending, logger)
	breakers := resilience.NewRegistry(resilience.DefaultConfig(), breakerNotifier(ctx, hub, stores.Breakers, events, logger))

	cmdService := commands.New(events, nil)
	sourceService := commands.NewSourceService(cmdService)
	groupService := commands.NewToolGroupService(cmdService)
	policyService := commands.NewPolicyService(cmdService)

	queryService := &queries.Service{
		Sources:  stores.Sources,
		Tools:    stores.Tools,
		Groups:   stores.Groups,
		Policies: stores.Policies,
		Breakers: stores.Breakers,
	}

	res := resolver.New(resolver.Stores{
		Policies: stores.Policies,
		Groups:   stores.Groups,
		Tools:    stores.Tools,
		Sources:  stores.Sources,
	}, cfg.resolverCacheTTL)

	inv := invoker.New(breakers, logger, cfg.upstreamTimeout)
	teBreaker := breakers.Get(resilience.KindTokenExchange, "token_exchange", "")
	exchanger := tokenexchange.New(&http.Client{Timeout: cfg.tokenExchangeTimeout}, teBreaker, logger)

	pl := pipeline.New(res, exchanger, inv, stores.Sources, stores.Tools, pipeline.TokenExchangeConfig{
		TokenEndpoint: cfg.teTokenEndpoint,
		ClientID:      cfg.teClientID,
		ClientSecret:  cfg.teClientSecret,
	})

	fetcher := ingestion.New(&http.Client{Timeout: cfg.upstreamTimeout})

	proj := projector.New(events, checkpoint, projector.Stores{
		Sources:  stores.Sources,
		Tools:    stores.Tools,
		Groups:   stores.Groups,
		Policies: stores.Policies,
		Breakers: stores.Breakers,
	}, logger, func(reason string) {
		logger.Error(ctx, "projection stalled", nil, map[string]interface{}{"reason": reason})
		hub.Publish("projection_stalled", map[string]any{"reason": reason})
	}, res.Invalidate)

	projectorCtx, cancelProjector := context.WithCancel(ctx)
	go func() {
		if err := proj.Run(projectorCtx); err != nil && projectorCtx.Err() == nil {
			logger.Error(ctx, "projector exited", err, nil)
		}
	}()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	go hub.RunHeartbeat(heartbeatCtx)

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.housekeepingCron, func() {
		cleanupOrphanedTools(ctx, stores, logger)
	}); err != nil {
		logger.Error(ctx, "failed to schedule housekeeping sweep", err, nil)
	}
	sched.Start()

	if metrics.Enabled() {
		metrics.Init("toolsgateway")
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Sources:         sourceService,
		Groups:          groupService,
		Policies:        policyService,
		Queries:         queryService,
		Pipeline:        pl,
		Breakers:        breakers,
		Hub:             hub,
		Fetcher:         fetcher,
		Auth:            authManager,
		Verifier:        verifier,
		Audience:        cfg.oidcAudience,
		Logger:          logger,
		LiveTailEnabled: cfg.liveTailEnabled,
	})

	if metrics.Enabled() {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	var handler http.Handler = router
	handler = middleware.NewRecoveryMiddleware(logger).Handler(handler)
	handler = middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins:         cfg.corsAllowedOrigins,
		AllowedMethods:         []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:         []string{"Content-Type", "Authorization"},
		AllowCredentials:       true,
		MaxAgeSeconds:          3600,
		PreflightStatus:        http.StatusOK,
		RejectDisallowedOrigin: true,
	}).Handler(handler)
	handler = middleware.NewBodyLimitMiddleware(cfg.maxBodyBytes).Handler(handler)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.port),
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info(ctx, "toolsgateway starting", map[string]interface{}{"port": cfg.port})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("CRITICAL: server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info(ctx, "shutting down", nil)
	hub.Publish("shutdown", map[string]any{"reason": "graceful shutdown"})

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http shutdown error", err, nil)
	}
	sched.Stop()
	cancelHeartbeat()
	hub.Shutdown()
	cancelProjector()

	if pg, ok := events.(*eventstore.PostgresStore); ok {
		if err := pg.Close(); err != nil {
			logger.Error(ctx, "failed to close event store", err, nil)
		}
	}
	if db != nil {
		_ = db.Close()
	}
}

// cleanupOrphanedTools removes tool-catalog rows whose source was
// unregistered but whose RefreshInventory tombstone never reached the read
// model (e.g. a crash between UnregisterSource and its projection). Runs
// independently of any user-triggered refresh (spec.md §4.B housekeeping).
func cleanupOrphanedTools(ctx context.Context, stores readModelStores, logger *logging.Logger) {
	tools, err := stores.Tools.All(ctx)
	if err != nil {
		logger.Error(ctx, "housekeeping: list tools failed", err, nil)
		return
	}
	removed := 0
	for _, tool := range tools {
		if _, found, err := stores.Sources.Get(ctx, tool.SourceID); err == nil && !found {
			if err := stores.Tools.Delete(ctx, tool.ToolID); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		logger.Info(ctx, "housekeeping: removed orphaned tools", map[string]interface{}{"count": removed})
	}
}

// breakerNotifier bridges circuit-breaker state transitions into the SSE
// stream, the breaker read model, and the event journal, outside the
// breaker's own lock per spec.md §5's concurrency contract.
func breakerNotifier(ctx context.Context, hub *sse.Hub, store readmodel.Store[readmodel.CircuitBreakerView], events eventstore.Store, logger *logging.Logger) resilience.Notifier {
	return func(t resilience.Transition) {
		view := readmodel.CircuitBreakerView{
			ID:       t.CircuitID,
			Kind:     string(t.Kind),
			SourceID: t.SourceID,
			State:    t.To.String(),
		}
		if t.To == resilience.StateOpen {
			view.OpenedAt = time.Now().UTC()
		}
		if err := store.Upsert(ctx, t.CircuitID, view); err != nil {
			logger.Error(ctx, "failed to persist circuit breaker transition", err, nil)
		}

		eventType := breakerEventType(t.To)
		payload := map[string]any{
			"circuit_id": t.CircuitID,
			"kind":       t.Kind,
			"source_id":  t.SourceID,
			"from":       t.From.String(),
			"to":         t.To.String(),
			"reason":     t.Reason,
			"closed_by":  t.ClosedBy,
		}
		hub.Publish(eventType, payload)

		journalStreamID := fmt.Sprintf("circuit_breaker:%s:%d", t.CircuitID, time.Now().UnixNano())
		ev, err := eventstore.Marshal(journalStreamID, eventType+".v1", "", payload, time.Now().UTC())
		if err == nil {
			if _, err := events.Append(ctx, ev.StreamID, eventstore.NoStreamVersion, []eventstore.Event{ev}); err != nil {
				logger.Error(ctx, "failed to journal circuit breaker transition", err, nil)
			}
		}
	}
}

func breakerEventType(to resilience.State) string {
	switch to {
	case resilience.StateOpen:
		return sse.EventCircuitOpened
	case resilience.StateHalfOpen:
		return sse.EventCircuitHalfOpened
	default:
		return sse.EventCircuitClosed
	}
}

// newVerifier discovers the OIDC provider's JWKS endpoint and constructs
// the bearer-token verifier the HTTP surface authenticates against.
func newVerifier(ctx context.Context, cfg gatewayConfig) (*identity.Verifier, error) {
	jwksURI, _, _, err := identity.Discover(ctx, &http.Client{Timeout: 10 * time.Second}, cfg.oidcIssuer)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}
	return identity.New(identity.Config{
		Issuer:                cfg.oidcIssuer,
		Audience:              cfg.oidcAudience,
		JWKSMinRefreshSeconds: cfg.jwksMinRefreshSeconds,
		ClockSkewSeconds:      cfg.clockSkewSeconds,
	}, jwksURI)
}

func newSessionStore(cfg gatewayConfig) (auth.SessionStore, string) {
	if cfg.redisURL == "" {
		return cache.NewMemoryBytes(cache.NewCache(cache.DefaultConfig())), "memory"
	}
	opts, err := redis.ParseURL(cfg.redisURL)
	if err != nil {
		log.Fatalf("CRITICAL: invalid REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	return cache.NewRedisStore(client, "toolsgw:session:"), "redis"
}

// readModelStores bundles every readmodel.Store[T] the gateway uses.
type readModelStores struct {
	Sources  readmodel.Store[readmodel.SourceView]
	Tools    readmodel.Store[readmodel.SourceToolView]
	Groups   readmodel.Store[readmodel.ToolGroupView]
	Policies readmodel.Store[readmodel.AccessPolicyView]
	Breakers readmodel.Store[readmodel.CircuitBreakerView]
}

func newReadModelStores(db *sqlx.DB) readModelStores {
	if db == nil {
		return readModelStores{
			Sources:  readmodel.NewMemoryStore[readmodel.SourceView](),
			Tools:    readmodel.NewMemoryStore[readmodel.SourceToolView](),
			Groups:   readmodel.NewMemoryStore[readmodel.ToolGroupView](),
			Policies: readmodel.NewMemoryStore[readmodel.AccessPolicyView](),
			Breakers: readmodel.NewMemoryStore[readmodel.CircuitBreakerView](),
		}
	}
	return readModelStores{
		Sources:  readmodel.NewPostgresStore[readmodel.SourceView](db, "rm_sources"),
		Tools:    readmodel.NewPostgresStore[readmodel.SourceToolView](db, "rm_tools"),
		Groups:   readmodel.NewPostgresStore[readmodel.ToolGroupView](db, "rm_tool_groups"),
		Policies: readmodel.NewPostgresStore[readmodel.AccessPolicyView](db, "rm_access_policies"),
		Breakers: readmodel.NewPostgresStore[readmodel.CircuitBreakerView](db, "rm_circuit_breakers"),
	}
}

// memCheckpoint is a process-local CheckpointStore for the in-memory
// backend; the projector's durable position doesn't need to survive a
// restart when the journal itself is also in-memory and resets with it.
type memCheckpoint struct {
	value int64
}

func (c *memCheckpoint) Load(ctx context.Context, projection string) (int64, error) {
	return c.value, nil
}

func (c *memCheckpoint) Save(ctx context.Context, projection string, checkpoint int64) error {
	c.value = checkpoint
	return nil
}

func newCheckpointStore(db *sqlx.DB) projector.CheckpointStore {
	if db == nil {
		return &memCheckpoint{}
	}
	return readmodel.NewCheckpoint(db)
}

func newEventStore(ctx context.Context, cfg gatewayConfig, logger *logging.Logger) (eventstore.Store, *sqlx.DB, error) {
	if cfg.databaseURL == "" {
		return eventstore.NewMemoryStore(), nil, nil
	}
	if err := migrations.Apply(cfg.databaseURL); err != nil {
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	store, err := eventstore.OpenPostgres(ctx, cfg.databaseURL, logger)
	if err != nil {
		return nil, nil, err
	}
	db, err := sqlx.Connect("postgres", cfg.databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect read-model pool: %w", err)
	}
	return store, db, nil
}

// gatewayConfig holds every environment-sourced tunable (spec.md §6).
type gatewayConfig struct {
	port         int
	databaseURL  string
	redisURL     string
	maxBodyBytes int64

	oidcIssuer       string
	oidcClientID     string
	oidcClientSecret string
	oidcRedirectURI  string
	oidcAudience     string
	oidcScopes       []string

	sessionCookieName string
	sessionTTL        time.Duration

	teTokenEndpoint string
	teClientID      string
	teClientSecret  string

	jwksMinRefreshSeconds int
	clockSkewSeconds      int

	resolverCacheTTL     time.Duration
	upstreamTimeout      time.Duration
	tokenExchangeTimeout time.Duration

	sseMaxPending   int
	liveTailEnabled bool

	housekeepingCron   string
	corsAllowedOrigins []string
}

func loadConfig() gatewayConfig {
	timeouts := config.GetDefaultTimeouts()
	return gatewayConfig{
		port:         config.GetPort(8080),
		databaseURL:  config.GetEnv("DATABASE_URL", ""),
		redisURL:     config.GetEnv("REDIS_URL", ""),
		maxBodyBytes: config.ParseInt64OrDefault(config.GetEnv("MAX_BODY_BYTES", ""), 2<<20),

		oidcIssuer:       config.RequireEnv("OIDC_ISSUER"),
		oidcClientID:     config.RequireEnv("OIDC_CLIENT_ID"),
		oidcClientSecret: config.RequireEnv("OIDC_CLIENT_SECRET"),
		oidcRedirectURI:  config.RequireEnv("OIDC_REDIRECT_URI"),
		oidcAudience:     config.GetEnv("OIDC_AUDIENCE", ""),
		oidcScopes:       config.SplitAndTrimCSV(config.GetEnv("OIDC_SCOPES", "openid,profile,email")),

		sessionCookieName: config.GetEnv("SESSION_COOKIE_NAME", "toolsgw_session"),
		sessionTTL:        config.ParseDurationOrDefault(config.GetEnv("SESSION_TTL", ""), 8*time.Hour),

		teTokenEndpoint: config.GetEnv("TOKEN_EXCHANGE_ENDPOINT", ""),
		teClientID:      config.GetEnv("TOKEN_EXCHANGE_CLIENT_ID", ""),
		teClientSecret:  config.GetEnv("TOKEN_EXCHANGE_CLIENT_SECRET", ""),

		jwksMinRefreshSeconds: config.GetEnvInt("JWKS_MIN_REFRESH_SECONDS", 300),
		clockSkewSeconds:      config.GetEnvInt("CLOCK_SKEW_SECONDS", 30),

		resolverCacheTTL:     config.ParseDurationOrDefault(config.GetEnv("RESOLVER_CACHE_TTL", ""), 60*time.Second),
		upstreamTimeout:      timeouts.Upstream,
		tokenExchangeTimeout: timeouts.TokenExchange,

		sseMaxPending:   config.GetEnvInt("SSE_MAX_PENDING", sse.DefaultMaxPending),
		liveTailEnabled: config.GetEnvBool("LIVE_TAIL_ENABLED", false),

		housekeepingCron:   config.GetEnv("HOUSEKEEPING_CRON", "@every 10m"),
		corsAllowedOrigins: config.SplitAndTrimCSV(config.GetEnv("CORS_ALLOWED_ORIGINS", strings.Join([]string{"http://localhost:3000"}, ","))),
	}
}
