package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	challengemetrics "unigate/internal/challenge/metrics"
	challengeservice "unigate/internal/challenge/service"
	"unigate/internal/credential"
	identityhandler "unigate/internal/identity/handler"
	identitymetrics "unigate/internal/identity/metrics"
	identityservice "unigate/internal/identity/service"
	"unigate/internal/notify"
	"unigate/internal/platform/config"
	"unigate/internal/platform/httpserver"
	"unigate/internal/platform/logger"
	"unigate/internal/platform/metrics"
	ratelimitmetrics "unigate/internal/ratelimit/metrics"
	ratelimitmw "unigate/internal/ratelimit/middleware"
	ratelimitmodels "unigate/internal/ratelimit/models"
	ratelimitservice "unigate/internal/ratelimit/service"
	ratelimitstore "unigate/internal/ratelimit/store"
	regcodehandler "unigate/internal/regcode/handler"
	regcodemetrics "unigate/internal/regcode/metrics"
	regcodeservice "unigate/internal/regcode/service"
	"unigate/internal/session"
	tenanthandler "unigate/internal/tenant/handler"
	tenantmetrics "unigate/internal/tenant/metrics"
	tenantservice "unigate/internal/tenant/service"
	httptransport "unigate/internal/transport/http"
	auditpublisher "unigate/pkg/platform/audit/publisher"
	"unigate/pkg/platform/circuit"
	platformstrings "unigate/pkg/platform/strings"
)

const shutdownTimeout = 10 * time.Second

// main wires dependencies and runs the HTTP server until SIGINT/SIGTERM.
// Business logic lives in the internal service packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "unigate:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	publisher := auditpublisher.NewPublisher(st.audit, auditpublisher.WithLogger(log))

	sender, closeSender, err := newSender(cfg.Mail, log)
	if err != nil {
		return err
	}
	defer closeSender()
	mailer := notify.NewDispatcher(sender,
		notify.WithLogger(log),
		notify.WithAuditPublisher(publisher),
		notify.WithMetrics(notify.NewMetrics(registry)),
		notify.WithTimeout(cfg.Mail.DispatchTimeout),
		notify.WithFrom(cfg.Mail.From),
	)

	issuer, err := session.NewIssuer(cfg.Session.SigningKey, cfg.Session.Issuer, session.PolicyFromConfig(cfg.Session))
	if err != nil {
		return err
	}
	hasher, err := credential.NewHasher(cfg.Security.BcryptCost)
	if err != nil {
		return err
	}

	tenants := tenantservice.NewTenantService(st.tenants,
		tenantservice.WithLogger(log),
		tenantservice.WithAuditPublisher(publisher),
		tenantservice.WithMetrics(tenantmetrics.New(registry)),
		tenantservice.WithTx(st.tx),
	)
	codes := regcodeservice.New(st.codes,
		regcodeservice.WithLogger(log),
		regcodeservice.WithAuditPublisher(publisher),
		regcodeservice.WithMetrics(regcodemetrics.New(registry)),
		regcodeservice.WithTx(st.tx),
	)
	challenges := challengeservice.New(st.challenges,
		challengeservice.WithLogger(log),
		challengeservice.WithMetrics(challengemetrics.New(registry)),
	)
	identity, err := identityservice.New(identityservice.Deps{
		Admins:     st.admins,
		Faculty:    st.faculty,
		Students:   st.students,
		Tenants:    tenants,
		Challenges: challenges,
		Codes:      codes,
		Sessions:   issuer,
		Hasher:     hasher,
	},
		identityservice.WithLogger(log),
		identityservice.WithAuditPublisher(publisher),
		identityservice.WithMetrics(identitymetrics.New(registry)),
		identityservice.WithTx(st.tx),
		identityservice.WithMailer(mailer),
		identityservice.WithTracer(otel.Tracer("unigate/internal/identity")),
		identityservice.WithChallengeTTLs(identityservice.ChallengeTTLs{
			EmailVerify:      cfg.Challenge.EmailVerifyTTL,
			Login:            cfg.Challenge.LoginTTL,
			PasswordReset:    cfg.Challenge.PasswordResetTTL,
			RegistrationLink: cfg.Challenge.RegistrationLinkTTL,
		}),
		identityservice.WithSuperAdminCode(cfg.Security.SuperAdminCode),
		identityservice.WithRegistrationLinkBaseURL(cfg.Security.RegistrationLinkBaseURL),
	)
	if err != nil {
		return err
	}

	limiter, err := newRateLimiter(cfg.RateLimit, st, log, registry)
	if err != nil {
		return err
	}
	limits := ratelimitmw.New(limiter, log, ratelimitmw.WithDisabled(!cfg.RateLimit.Enabled))

	router := httptransport.NewRouter(httptransport.Deps{
		Logger:             log,
		Metrics:            metrics.New(registry),
		Gatherer:           registry,
		Sessions:           issuer,
		PlatformAdminToken: cfg.Security.PlatformAdminToken,
		Health:             st.health,
		Identity: identityhandler.New(identity, issuer, log,
			identityhandler.WithRateLimits(
				limits.RateLimit(ratelimitmodels.ClassChallenge),
				limits.RateLimit(ratelimitmodels.ClassAttempt),
			),
		),
		Codes:   regcodehandler.New(codes, log),
		Tenants: tenanthandler.New(tenants, log),
	})
	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "starting unigate", "addr", cfg.Addr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.InfoContext(shutdownCtx, "shutting down")
		err := srv.Shutdown(shutdownCtx)
		mailer.Close()
		publisher.Close()
		return err
	})
	return g.Wait()
}

// newRateLimiter builds the per-IP limiter. A redis-backed limiter gets an
// in-process fallback behind a circuit breaker.
func newRateLimiter(cfg config.RateLimitConfig, st *stores, log *slog.Logger, reg prometheus.Registerer) (*ratelimitservice.Limiter, error) {
	opts := []ratelimitservice.Option{
		ratelimitservice.WithLogger(log),
		ratelimitservice.WithMetrics(ratelimitmetrics.New(reg)),
		ratelimitservice.WithLimit(ratelimitmodels.ClassChallenge, ratelimitmodels.Limit{
			RequestsPerWindow: cfg.ChallengeRequests,
			Window:            cfg.ChallengeWindow,
		}),
		ratelimitservice.WithLimit(ratelimitmodels.ClassAttempt, ratelimitmodels.Limit{
			RequestsPerWindow: cfg.AttemptRequests,
			Window:            cfg.AttemptWindow,
		}),
	}
	if st.sharedLimits {
		opts = append(opts, ratelimitservice.WithFallback(ratelimitstore.NewInMemory(), circuit.New("ratelimit-redis")))
	}
	limiter, err := ratelimitservice.New(st.rateLimits, opts...)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return limiter, nil
}

// newSender picks the mail transport for MAIL_BACKEND.
func newSender(cfg config.MailConfig, log *slog.Logger) (notify.Sender, func(), error) {
	switch cfg.Backend {
	case "kafka":
		sender, err := notify.NewKafkaSender(platformstrings.DedupeAndTrim(cfg.KafkaBrokers), cfg.KafkaTopic)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka mail sender: %w", err)
		}
		log.Info("mail backend ready", "backend", "kafka", "topic", cfg.KafkaTopic)
		return sender, sender.Close, nil
	case "log", "":
		return notify.NewLogSender(log), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown MAIL_BACKEND %q", cfg.Backend)
	}
}
