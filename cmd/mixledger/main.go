package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/concretelab/mixledger/internal/httpapi"
	"github.com/concretelab/mixledger/internal/submission"
	"github.com/concretelab/mixledger/internal/tabular"
)

func main() {
	addr := os.Getenv("MIXLEDGER_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger := newLogger(os.Getenv("MIXLEDGER_LOG_FORMAT"))
	slog.SetDefault(logger)

	store, dsn, err := buildStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	if store == nil {
		log.Printf("no store configured; submissions will fail until MIXLEDGER_STORE_DSN or MIXLEDGER_BACKEND_PROFILE is set")
	} else {
		defer store.Close()
		log.Printf("using %s store (%s)", store.Backend(), redactDSN(dsn))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	feed := httpapi.NewFeed(intEnv("MIXLEDGER_FEED_BUFFER", 0), logger)
	registry.MustRegister(feed.Collectors()...)

	service := submission.NewService(submission.Options{
		Store:               store,
		Modes:               submission.DefaultModeSet(os.Getenv("MIXLEDGER_RATIO_PREFIX"), os.Getenv("MIXLEDGER_KG_PREFIX")),
		Logger:              logger,
		Metrics:             submission.NewMetrics(registry),
		Events:              feed,
		Provision:           boolEnv("MIXLEDGER_PROVISION_TABLES", true),
		SerializeAllocation: boolEnv("MIXLEDGER_SERIALIZE_ALLOCATION", false),
		VerifyAllocation:    boolEnv("MIXLEDGER_VERIFY_ALLOCATION", false),
		Timeout:             durationEnv("MIXLEDGER_STORE_TIMEOUT", 10*time.Second),
		MissingConfig:       []string{"MIXLEDGER_STORE_DSN", "MIXLEDGER_BACKEND_PROFILE"},
	})
	jwtSecret := strings.TrimSpace(os.Getenv("MIXLEDGER_ADMIN_JWT_SECRET"))
	if jwtSecret == "" {
		log.Printf("MIXLEDGER_ADMIN_JWT_SECRET is not set; admin and feed routes are disabled")
	}
	server := httpapi.NewServerWithConfig(service, httpapi.ServerConfig{
		JWTSecret:       jwtSecret,
		RateLimitMax:    intEnv("MIXLEDGER_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("MIXLEDGER_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("MIXLEDGER_MAX_BODY_BYTES", 0),
		Logger:          logger,
		Feed:            feed,
		Gatherer:        registry,
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown failed: %v", err)
		}
	}()

	log.Printf("mixledger listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func newLogger(format string) *slog.Logger {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

// buildStoreFromEnv prefers an explicit MIXLEDGER_STORE_DSN over the
// profile's default. Neither being set yields a nil store.
func buildStoreFromEnv() (tabular.Store, string, error) {
	profileDSN, err := storageProfileDefaultFromEnv()
	if err != nil {
		return nil, "", err
	}
	dsn := strings.TrimSpace(os.Getenv("MIXLEDGER_STORE_DSN"))
	if dsn == "" {
		dsn = profileDSN
	}
	if dsn == "" {
		return nil, "", nil
	}
	if strings.HasPrefix(dsn, "file://") {
		if err := os.MkdirAll(filepath.Dir(strings.TrimPrefix(dsn, "file://")), 0o755); err != nil {
			return nil, "", fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := tabular.BuildStoreFromDSN(dsn)
	if err != nil {
		return nil, "", err
	}
	return store, dsn, nil
}

func storageProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("MIXLEDGER_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("MIXLEDGER_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".mixledger"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("MIXLEDGER_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("MIXLEDGER_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("MIXLEDGER_PRODUCTION_DSN or MIXLEDGER_POSTGRES_DSN is required when MIXLEDGER_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "ledger.json"), nil
	default:
		return "", fmt.Errorf("unsupported MIXLEDGER_BACKEND_PROFILE: %s", profile)
	}
}

// redactDSN drops credentials before a DSN is logged.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		if slash := strings.Index(rest, "/"); slash < 0 || at < slash {
			rest = "***@" + rest[at+1:]
		}
	}
	return scheme + "://" + rest
}
