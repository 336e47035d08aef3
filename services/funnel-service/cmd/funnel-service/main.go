package main

import (
	"context"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/funnelscope/libs/config"
	"github.com/md-rashed-zaman/funnelscope/libs/httpx"
	otelx "github.com/md-rashed-zaman/funnelscope/libs/otel"
	"github.com/md-rashed-zaman/funnelscope/libs/runtime"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/behavior"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/consent"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/dsr"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/emitter"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/funnel"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/handlers"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/payments"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/reportcache"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/sessions"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/tracker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = runtime.LoadDotEnv()
	service := config.String("SERVICE_NAME", "funnel-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	infra, err := openDeps(ctx, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		panic(err)
	}
	defer infra.Close()

	emit := emitter.New(infra.store, infra.vendor, logger, emitter.Config{
		Timeout:  config.Duration("EMIT_TIMEOUT", emitter.DefaultTimeout),
		Currency: config.String("CURRENCY", "PLN"),
	})

	consents := consent.NewRegistry(infra.store, logger, consent.Policy{
		SensitiveDataMasking: config.Bool("SENSITIVE_DATA_MASKING", true),
		Expiry:               config.Duration("CONSENT_EXPIRY", consent.DefaultExpiry),
	})

	// Left as a nil interface when no key is configured; journeys then carry no customer_ref.
	var pseudo tracker.Pseudonymizer
	if key := config.String("PSEUDONYM_KEY", ""); key != "" {
		p, err := consent.NewPseudonymizer([]byte(key))
		if err != nil {
			panic(err)
		}
		pseudo = p
	}

	reg := sessions.New(consents, emit, infra.store, pseudo, logger, sessions.Config{
		IdleTimeout: config.Duration("SESSION_IDLE_TIMEOUT", sessions.DefaultIdleTimeout),
		Behavior: behavior.Config{
			BatchSize:     config.Int("BEHAVIOR_BATCH_SIZE", behavior.DefaultBatchSize),
			FlushInterval: config.Duration("BEHAVIOR_FLUSH_INTERVAL", behavior.DefaultFlushInterval),
		},
	})
	go reg.RunSweeper(ctx)

	privacy := dsr.NewService(infra.store, logger, dsr.Config{}, infra.store)
	privacy.SetForgetter(reg)

	var reports funnel.Reporter = funnel.NewAggregator(infra.store)
	if infra.redis != nil {
		reports = funnel.NewCached(reports,
			reportcache.NewRedis(infra.redis, config.String("REPORT_CACHE_PREFIX", "funnel:")),
			config.Duration("REPORT_CACHE_TTL", 5*time.Minute),
			logger,
		)
	}

	stripeHook := payments.NewStripeWebhook(
		config.String("STRIPE_WEBHOOK_SECRET", ""),
		config.Duration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
		reg,
		logger,
	)

	mux := runtime.NewBaseMuxWithReady(infra.readyChecks...)
	h := handlers.New(reg, reports, infra.store, privacy, logger)
	h.Register(mux, stripeHook)

	handler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: config.List("CORS_ALLOWED_ORIGINS", ""),
			AllowedMethods: config.List("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
			AllowedHeaders: config.List("CORS_ALLOWED_HEADERS", "Content-Type,X-Request-Id"),
			ExposedHeaders: []string{httpx.RequestIDHeader},
			MaxAge:         config.Duration("CORS_MAX_AGE", 10*time.Minute),
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(int64(config.Int("REQUEST_BODY_LIMIT_BYTES", 1<<20))),
		httpx.WithTimeout(config.Duration("REQUEST_TIMEOUT", 15*time.Second)),
		infra.rateLimit(logger, config.Int("RATE_LIMIT_PER_MINUTE", 600)),
	)
	handler = otelhttp.NewHandler(handler, "funnel")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	if err := startGrpcHealth(ctx, logger, service, infra.readyChecks); err != nil {
		logger.Error("grpc server failed to start", "err", err)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	// Buses flush their queues on close; in-flight data requests finish before the stores go away.
	reg.Close()
	privacy.Wait()
	logger.Info("http server stopped")
}
