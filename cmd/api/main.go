package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aprfresh/api/internal/di"
	"github.com/aprfresh/api/internal/handlers"
	"github.com/aprfresh/api/internal/platform/auth"
	"github.com/aprfresh/api/internal/platform/config"
	pfirestore "github.com/aprfresh/api/internal/platform/firestore"
	"github.com/aprfresh/api/internal/platform/idempotency"
	"github.com/aprfresh/api/internal/platform/jobs"
	"github.com/aprfresh/api/internal/platform/observability"
	"github.com/aprfresh/api/internal/platform/secrets"
	"github.com/aprfresh/api/internal/repositories"
	firestoreRepo "github.com/aprfresh/api/internal/repositories/firestore"
	"github.com/aprfresh/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	requiredSecrets := requiredSecretNames(envValues)
	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecrets...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	var pubsubClient *pubsub.Client
	var orderEvents services.OrderEventPublisher
	var deliveryEvents services.DeliveryEventPublisher
	var orderTopic, deliveryTopic *pubsub.Topic
	if cfg.Events.Enabled {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()

		orderTopic = pubsubClient.Topic(cfg.Events.OrderTopic)
		deliveryTopic = pubsubClient.Topic(cfg.Events.DeliveryTopic)
		publisher, err := jobs.NewPubSubEventPublisher(orderTopic, deliveryTopic)
		if err != nil {
			logger.Fatal("failed to initialise event publisher", zap.Error(err))
		}
		bounded := &boundedEventPublisher{inner: publisher, timeout: cfg.Events.PublishTimeout}
		orderEvents = bounded
		deliveryEvents = bounded
	}

	healthRepo, err := newHealthRepository(firestoreClient, fetcher, orderTopic)
	if err != nil {
		logger.Warn("health: repository init failed", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, firestoreRepo.WithHealthRepository(healthRepo))
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	serviceLogger := logger.Named("services")
	container, err := di.NewContainer(ctx, cfg, registry,
		di.WithEventPublishers(orderEvents, deliveryEvents),
		di.WithBuildInfo(buildInfo),
		di.WithAuditLogger(logger.Named("audit").Sugar()),
		di.WithServiceLogger(func(_ context.Context, event string, fields map[string]any) {
			zFields := make([]zap.Field, 0, len(fields)+1)
			zFields = append(zFields, zap.String("event", event))
			for k, v := range fields {
				zFields = append(zFields, zap.Any(k, v))
			}
			serviceLogger.Warn("service event", zFields...)
		}),
	)
	if err != nil {
		logger.Fatal("failed to assemble services", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	stopCleanup := startIdempotencyCleanup(logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)

	internalMiddleware := buildInternalMiddleware(logger.Named("auth"), cfg)

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	perMinute := cfg.RateLimits.AuthenticatedPerMinute
	if perMinute <= 0 {
		perMinute = cfg.RateLimits.DefaultPerMinute
	}

	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders,
		handlers.WithOrderRateLimiter(perMinute, time.Minute),
	)
	agentHandlers := handlers.NewAgentHandlers(authenticator, container.Services.Deliveries, container.Services.Earnings,
		handlers.WithAgentRateLimiter(perMinute, time.Minute),
	)
	adminHandlers := handlers.NewAdminHandlers(authenticator,
		container.Services.Orders,
		container.Services.Deliveries,
		container.Services.Catalog,
		handlers.WithAdminFeatures(cfg.Features.EnableBulkAssignment, cfg.Features.EnableStockAlerts),
	)
	internalHandlers := handlers.NewInternalHandlers(container.Services.Audit, container.Services.Earnings)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		idempotencyMiddleware,
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAgentRoutes(agentHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if internalMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(internalMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("aprfresh api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	stopCleanup()

	if orderTopic != nil {
		orderTopic.Stop()
	}
	if deliveryTopic != nil {
		deliveryTopic.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// startIdempotencyCleanup sweeps expired idempotency records on an interval.
// The returned stop function blocks until the sweeper goroutine exits.
func startIdempotencyCleanup(logger *zap.Logger, store *idempotency.FirestoreStore, cfg config.IdempotencyConfig) func() {
	if cfg.CleanupInterval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ticker := time.NewTicker(cfg.CleanupInterval)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			runCtx, runCancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
			runCancel()
			switch {
			case err != nil:
				logger.Error("idempotency cleanup error", zap.Error(err))
			case removed > 0:
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		}
	}()

	return func() {
		ticker.Stop()
		cancel()
		<-done
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	orDefault := func(value, fallback string) string {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
		return fallback
	}
	return services.BuildInfo{
		Version:     orDefault(env["APRFRESH_BUILD_VERSION"], "dev"),
		CommitSHA:   orDefault(env["APRFRESH_BUILD_COMMIT_SHA"], "unknown"),
		Environment: orDefault(cfg.Security.Environment, "local"),
		StartedAt:   started,
	}
}

func newHealthRepository(client *firestore.Client, fetcher *secrets.Fetcher, orderTopic *pubsub.Topic) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				// The probe secret does not need to exist; NotFound still
				// proves Secret Manager answered.
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil || status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if orderTopic != nil {
		topic := orderTopic
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				exists, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("topic %s does not exist", topic.ID())
				}
				return nil
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

// buildInternalMiddleware guards /internal routes. OIDC wins when configured;
// deployments without a JWKS endpoint fall back to the static service token.
func buildInternalMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) != "" {
		adapter := observability.NewPrintfAdapter(logger)
		cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
		validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter))

		audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
		if audience == "" {
			logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
		}
		issuers := cfg.Security.OIDC.Issuers
		if len(issuers) == 0 {
			logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
		}

		return validator.RequireOIDC(audience, issuers)
	}

	if token := strings.TrimSpace(cfg.Security.InternalToken); token != "" {
		return auth.RequireInternalToken(token)
	}

	logger.Warn("auth: no internal route credentials configured; internal routes will reject requests")
	return auth.RequireInternalToken("")
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key, fallback string) string {
		if value := strings.TrimSpace(env[key]); value != "" {
			return value
		}
		return fallback
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(strings.ToLower(lookup("APRFRESH_SECURITY_ENVIRONMENT", "local"))),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(lookup("APRFRESH_SECRET_FALLBACK_FILE", ".secrets.local")),
	}
	if projectMap := secretProjectMapFromEnv(env); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if project := lookup("APRFRESH_SECRET_DEFAULT_PROJECT_ID", lookup("APRFRESH_FIREBASE_PROJECT_ID", "")); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if pins := secretVersionPinsFromEnv(env); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("APRFRESH_FIREBASE_CREDENTIALS_FILE", ""); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	var required []string
	if env != nil {
		token := strings.TrimSpace(env["APRFRESH_SECURITY_INTERNAL_TOKEN"])
		if strings.HasPrefix(token, "secret://") || strings.HasPrefix(token, "sm://") {
			required = append(required, "Security.InternalToken")
		}
	}
	return uniqueStrings(required)
}

// parsePairs splits a "key=value,key=value" env entry into a map, pushing each
// pair through normalize before storing it.
func parsePairs(raw string, normalize func(key, value string) (string, string)) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		key, value = normalize(strings.TrimSpace(key), strings.TrimSpace(value))
		if key != "" && value != "" {
			out[key] = value
		}
	}
	return out
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	return parsePairs(env["APRFRESH_SECRET_PROJECT_IDS"], func(label, project string) (string, string) {
		return strings.ToLower(label), project
	})
}

func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	return parsePairs(env["APRFRESH_SECRET_VERSION_PINS"], func(ref, version string) (string, string) {
		return canonicalSecretRef(ref), version
	})
}

// canonicalSecretRef rewrites pin keys to the secret:// form the fetcher
// caches under, preserving an optional "env:" style prefix.
func canonicalSecretRef(ref string) string {
	var prefix string
	if idx := strings.Index(ref, ":"); idx > 0 && !strings.HasPrefix(ref[idx:], "://") {
		prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
		ref = strings.TrimSpace(ref[idx+1:])
	}
	if rest, ok := strings.CutPrefix(ref, "sm://"); ok {
		ref = "secret://" + rest
	} else if !strings.HasPrefix(ref, "secret://") {
		ref = "secret://" + ref
	}
	return prefix + ref
}

func uniqueStrings(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// boundedEventPublisher caps how long a publish may block request handling.
type boundedEventPublisher struct {
	inner   *jobs.PubSubEventPublisher
	timeout time.Duration
}

func (p *boundedEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	return p.inner.PublishOrderEvent(ctx, event)
}

func (p *boundedEventPublisher) PublishDeliveryEvent(ctx context.Context, event services.DeliveryEvent) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	return p.inner.PublishDeliveryEvent(ctx, event)
}

func (p *boundedEventPublisher) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}
