// Copyright 2026 The OIDCGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oidcgate/oidcgate/internal/audit"
	"github.com/oidcgate/oidcgate/internal/config"
	"github.com/oidcgate/oidcgate/internal/oauth2"
	"github.com/oidcgate/oidcgate/internal/observability/logger"
	"github.com/oidcgate/oidcgate/internal/observability/metrics"
	"github.com/oidcgate/oidcgate/internal/observability/tracing"
	"github.com/oidcgate/oidcgate/internal/store/postgres"
	transportHTTP "github.com/oidcgate/oidcgate/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
	slog.Info("starting oidcgate token endpoint")

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg); err != nil {
			fmt.Printf("Migration failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx := context.Background()

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
	}
	defer tracer.Shutdown(ctx)

	meter, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
	}

	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to database")

	providers := postgres.NewProviderRepository(db)
	applications := postgres.NewApplicationRepository(db)
	users := postgres.NewUserRepository(db)
	codes := postgres.NewCodeRepository(db)
	refreshTokens := postgres.NewRefreshTokenRepository(db)
	appPasswords := postgres.NewAppPasswordRepository(db)
	keys := postgres.NewKeyRepository(db)

	auditLogger := audit.NewSlogLogger()
	auditedMetrics, err := newAuditMetrics(meter)
	if err != nil {
		slog.Error("failed to register audit counters", logger.Error(err))
	}
	events := audit.NewInstrumentedLogger(auditLogger, auditedMetrics)

	jwks := oauth2.NewHTTPJWKSource(http.DefaultClient, 10*time.Minute)

	clientAuth := oauth2.NewClientAuthenticator()
	grants := oauth2.NewGrantValidator(codes, refreshTokens, events, cfg.Security.RedirectPatternCacheSize)
	policy := oauth2.NewPolicyGate(nil, events)
	assertions := oauth2.NewJwtAssertionVerifier(applications, users, jwks, policy, events)
	minter := oauth2.NewTokenMinter(keys, refreshTokens, cfg.Security.Issuer, cfg.Security.DefaultTokenValidity)

	tokenEndpoint := oauth2.NewTokenEndpoint(
		providers, applications, users, appPasswords,
		clientAuth, grants, assertions, policy, minter, events,
	)

	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	originLookup := transportHTTP.NewStoreOriginLookup(providers)
	tokenHandler := transportHTTP.NewTokenHandler(tokenEndpoint, originLookup)
	router := transportHTTP.NewRouter(tokenHandler, rateLimiter, cfg.Server)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
}

// newAuditMetrics registers the counters InstrumentedLogger increments
// for every token_issued/token_error/suspicious_request audit event.
func newAuditMetrics(meter *metrics.Meter) (audit.Counters, error) {
	issued, err := meter.CreateCounter("oidcgate.token.issued", "tokens issued by grant type")
	if err != nil {
		return audit.Counters{}, err
	}
	failed, err := meter.CreateCounter("oidcgate.token.error", "token exchange failures by grant type")
	if err != nil {
		return audit.Counters{}, err
	}
	suspicious, err := meter.CreateCounter("oidcgate.token.suspicious_request", "refresh token replay and other anomalous exchanges")
	if err != nil {
		return audit.Counters{}, err
	}
	return audit.Counters{TokenIssued: issued, TokenError: failed, SuspiciousRequest: suspicious}, nil
}

func runMigrate(cfg *config.Config) error {
	ctx := context.Background()
	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Applying initial schema...")
	if err := db.Migrate(ctx, postgres.InitialSchema); err != nil {
		return err
	}
	fmt.Println("Migration successful.")
	return nil
}
