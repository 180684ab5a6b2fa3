// Command ak-gateway starts the reverse-proxy gateway: config → logger
// → store → KMS → metrics → auth/credential caches → provider adapters
// → router → HTTP server, with graceful shutdown on SIGINT/SIGTERM.
//
// Grounded on Sergey-Bar-Alfred's main.go signal/shutdown pattern
// (signal.NotifyContext-free signal.Notify → http.Server →
// Shutdown(ctx)), rewired for this spec's collaborator set in place
// of its provider-registry and analytics-pipeline wiring.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sergeybar/ak-gateway/config"
	"github.com/sergeybar/ak-gateway/handler"
	"github.com/sergeybar/ak-gateway/internal/adapter/bedrock"
	"github.com/sergeybar/ak-gateway/internal/adapter/plan"
	"github.com/sergeybar/ak-gateway/internal/authn"
	"github.com/sergeybar/ak-gateway/internal/breaker"
	"github.com/sergeybar/ak-gateway/internal/clock"
	"github.com/sergeybar/ak-gateway/internal/fingerprint"
	"github.com/sergeybar/ak-gateway/internal/keycache"
	"github.com/sergeybar/ak-gateway/internal/kms"
	"github.com/sergeybar/ak-gateway/internal/metrics"
	"github.com/sergeybar/ak-gateway/internal/reqid"
	"github.com/sergeybar/ak-gateway/internal/route"
	"github.com/sergeybar/ak-gateway/internal/store"
	"github.com/sergeybar/ak-gateway/internal/stream"
	"github.com/sergeybar/ak-gateway/internal/usage"
	"github.com/sergeybar/ak-gateway/logger"
	"github.com/sergeybar/ak-gateway/middleware"
	"github.com/sergeybar/ak-gateway/redisclient"
	"github.com/sergeybar/ak-gateway/router"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("gateway starting")

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	if cfg.RedisURL != "" {
		rc, err := redisclient.New(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("redis init failed — continuing with in-process caches only")
		} else if err := rc.Ping(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed — continuing with in-process caches only")
		} else {
			log.Info().Msg("redis connected")
		}
	}

	keyMaster, err := kms.NewAESGCM(cfg.KMSMasterKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize KMS")
	}

	loc, err := time.LoadLocation(cfg.WeekStartTimezone)
	if err != nil {
		log.Warn().Err(err).Str("tz", cfg.WeekStartTimezone).Msg("invalid week_start_timezone — defaulting to UTC")
		loc = time.UTC
	}

	sysClock := clock.System{}
	hasher := fingerprint.NewHasher(cfg.KeyHasherSecret)
	authenticator := authn.New(st, hasher, sysClock, cfg.AccessKeyCacheTTL)
	credCache := keycache.New(sysClock, cfg.BedrockKeyCacheTTL)
	credSource := bedrock.NewCredentialSource(st, keyMaster, credCache)

	planAdapter := plan.New(cfg.PlanAPIURL, cfg.HTTPConnectTimeout)
	bedrockAdapter := bedrock.New(credSource, cfg.BedrockDefaultModel)

	cb := breaker.New(sysClock, cfg.CircuitFailureThreshold, cfg.CircuitFailureWindow, cfg.CircuitResetTimeout)
	rt := route.New(cb, planAdapter, bedrockAdapter)
	pipe := stream.New()

	registry := metrics.NewRegistry()
	emitter := metrics.NewEmitter(registry, 1024, 4)
	defer emitter.Stop()

	recorder := usage.New(st, emitter, log, sysClock, cfg.WeekStartWeekday, loc)
	idGen := reqid.NewUUIDGenerator("req")

	messagesHandler := handler.NewMessages(authenticator, rt, pipe, recorder, idGen, sysClock, log, cfg.PlanAPIKey)
	healthHandler := handler.NewHealth(st)
	internalHandler := handler.NewInternal(authenticator)

	mux := router.New(router.Deps{
		Config:         cfg,
		Messages:       messagesHandler,
		Health:         healthHandler,
		Internal:       internalHandler,
		Metrics:        registry,
		HeaderNorm:     middleware.NewHeaderNormalization(log),
		Timeout:        middleware.NewTimeoutMiddleware(log, cfg),
		RequestIDGen:   idGen,
		AllowedOrigins: []string{"*"},
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPReadTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}
}
