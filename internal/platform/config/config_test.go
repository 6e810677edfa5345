package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"APRFRESH_FIREBASE_PROJECT_ID": "aprfresh-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "aprfresh-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Events.ProjectID != "aprfresh-dev" {
		t.Errorf("expected events project to default to firebase project, got %s", cfg.Events.ProjectID)
	}
	if cfg.Events.OrderTopic != defaultOrderEventsTopic {
		t.Errorf("expected default order topic, got %s", cfg.Events.OrderTopic)
	}
	if cfg.Events.DeliveryTopic != defaultDeliveryEventsTopic {
		t.Errorf("expected default delivery topic, got %s", cfg.Events.DeliveryTopic)
	}
	if !cfg.Events.Enabled {
		t.Error("expected events to be enabled by default")
	}
	if cfg.Events.PublishTimeout != defaultEventsPublishTimeout {
		t.Errorf("unexpected default publish timeout: %s", cfg.Events.PublishTimeout)
	}
	if cfg.RateLimits.DefaultPerMinute != 120 {
		t.Errorf("unexpected default rate limit: %d", cfg.RateLimits.DefaultPerMinute)
	}
	if !cfg.Features.EnableBulkAssignment {
		t.Error("expected bulk assignment enabled by default")
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.JWKSURL != defaultOIDCJWKSURL {
		t.Errorf("expected default jwks url %s, got %s", defaultOIDCJWKSURL, cfg.Security.OIDC.JWKSURL)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.CleanupInterval != defaultIdempotencyInterval {
		t.Errorf("unexpected default cleanup interval: %s", cfg.Idempotency.CleanupInterval)
	}
	if cfg.Idempotency.CleanupBatchSize != defaultIdempotencyBatchSize {
		t.Errorf("unexpected default cleanup batch size: %d", cfg.Idempotency.CleanupBatchSize)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"APRFRESH_SERVER_PORT":               "9090",
		"APRFRESH_SERVER_READ_TIMEOUT":       "20s",
		"APRFRESH_FIREBASE_PROJECT_ID":       "aprfresh-prod",
		"APRFRESH_FIRESTORE_PROJECT_ID":      "aprfresh-db",
		"APRFRESH_EVENTS_PROJECT_ID":         "aprfresh-events",
		"APRFRESH_EVENTS_ORDER_TOPIC":        "orders-lifecycle",
		"APRFRESH_EVENTS_DELIVERY_TOPIC":     "deliveries-lifecycle",
		"APRFRESH_EVENTS_PUBLISH_TIMEOUT":    "2s",
		"APRFRESH_RATELIMIT_DEFAULT_PER_MIN": "30",
		"APRFRESH_RATELIMIT_AUTH_PER_MIN":    "90",
		"APRFRESH_RATELIMIT_ADMIN_BURST":     "15",
		"APRFRESH_FEATURE_BULK_ASSIGNMENT":   "false",
		"APRFRESH_FEATURE_STOCK_ALERTS":      "true",
		"APRFRESH_SECURITY_ENVIRONMENT":      "Prod",
		"APRFRESH_SECURITY_OIDC_AUDIENCE":    "",
		"APRFRESH_SECURITY_OIDC_AUDIENCES":   "prod=https://api.aprfresh.example,dev=https://dev.aprfresh.example",
		"APRFRESH_SECURITY_OIDC_ISSUERS":     "https://accounts.google.com",
		"APRFRESH_SECURITY_INTERNAL_TOKEN":   "secret://internal/token",
		"APRFRESH_IDEMPOTENCY_HEADER":        "X-Request-Key",
		"APRFRESH_IDEMPOTENCY_TTL":           "12h",
	}

	secrets := map[string]string{
		"secret://internal/token": "internal-token-value",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected overridden port, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 20*time.Second {
		t.Errorf("unexpected read timeout %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "aprfresh-db" {
		t.Errorf("expected explicit firestore project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Events.ProjectID != "aprfresh-events" {
		t.Errorf("expected explicit events project, got %s", cfg.Events.ProjectID)
	}
	if cfg.Events.OrderTopic != "orders-lifecycle" {
		t.Errorf("unexpected order topic %s", cfg.Events.OrderTopic)
	}
	if cfg.Events.PublishTimeout != 2*time.Second {
		t.Errorf("unexpected publish timeout %s", cfg.Events.PublishTimeout)
	}
	if cfg.RateLimits.AuthenticatedPerMinute != 90 {
		t.Errorf("unexpected authenticated rate limit %d", cfg.RateLimits.AuthenticatedPerMinute)
	}
	if cfg.Features.EnableBulkAssignment {
		t.Error("expected bulk assignment disabled")
	}
	if cfg.Security.Environment != "prod" {
		t.Errorf("expected lowercased environment, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.Audience != "https://api.aprfresh.example" {
		t.Errorf("expected audience selected for environment, got %s", cfg.Security.OIDC.Audience)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 {
		t.Errorf("expected explicit issuer list, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Security.InternalToken != "internal-token-value" {
		t.Errorf("expected resolved internal token, got %s", cfg.Security.InternalToken)
	}
	if cfg.Idempotency.Header != "X-Request-Key" {
		t.Errorf("unexpected idempotency header %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != 12*time.Hour {
		t.Errorf("unexpected idempotency ttl %s", cfg.Idempotency.TTL)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "APRFRESH_SERVER_PORT=7070\nAPI_FIREBASE_PROJECT_ID=aprfresh-dot\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "aprfresh-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestLoadEventTopicsRequiredWhenEnabled(t *testing.T) {
	env := map[string]string{
		"APRFRESH_FIREBASE_PROJECT_ID": "aprfresh-dev",
		"APRFRESH_EVENTS_ORDER_TOPIC":  " ",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	found := false
	for _, field := range validationErr.Fields() {
		if field == "Events.OrderTopic" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected Events.OrderTopic in %v", validationErr.Fields())
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"APRFRESH_FIREBASE_PROJECT_ID":     "aprfresh-dev",
		"APRFRESH_SECURITY_INTERNAL_TOKEN": "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "APRFRESH_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("APRFRESH_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("APRFRESH_SECRET_PROJECT_IDS", "prod=project-prod")

	overrides := map[string]string{
		"APRFRESH_FIREBASE_PROJECT_ID": "override-project",
		"APRFRESH_SECRET_VERSION_PINS": "secret://internal/token=5",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["APRFRESH_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["APRFRESH_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["APRFRESH_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
	if got := values["APRFRESH_SECRET_VERSION_PINS"]; got != "secret://internal/token=5" {
		t.Fatalf("expected override version pin, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"APRFRESH_FIREBASE_PROJECT_ID": "aprfresh-dev",
	}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Security.InternalToken"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("Security.InternalToken")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	env := map[string]string{
		"APRFRESH_FIREBASE_PROJECT_ID": "aprfresh-dev",
	}

	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "Security.InternalToken" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Security.InternalToken"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := map[string]string{
		"APRFRESH_FIREBASE_PROJECT_ID":     "aprfresh-dev",
		"APRFRESH_SECURITY_INTERNAL_TOKEN": "sm://internal/token",
	}

	secrets := map[string]string{
		"secret://internal/token": "legacy-secret",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Security.InternalToken != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.Security.InternalToken)
	}
}
