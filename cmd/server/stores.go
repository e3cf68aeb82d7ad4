package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	challengeservice "unigate/internal/challenge/service"
	challengestore "unigate/internal/challenge/store"
	identityservice "unigate/internal/identity/service"
	identitystore "unigate/internal/identity/store"
	"unigate/internal/platform/config"
	"unigate/internal/platform/postgres"
	"unigate/internal/platform/redis"
	ratelimitservice "unigate/internal/ratelimit/service"
	ratelimitstore "unigate/internal/ratelimit/store"
	regcodeservice "unigate/internal/regcode/service"
	regcodestore "unigate/internal/regcode/store"
	tenantservice "unigate/internal/tenant/service"
	tenantstore "unigate/internal/tenant/store/tenant"
	httptransport "unigate/internal/transport/http"
	audit "unigate/pkg/platform/audit"
	auditmemory "unigate/pkg/platform/audit/store/memory"
	auditpostgres "unigate/pkg/platform/audit/store/postgres"
	txcontext "unigate/pkg/platform/tx"
)

// stores is the persistence layer chosen by STORAGE_BACKEND,
// STORAGE_CHALLENGE_BACKEND and RATE_LIMIT_BACKEND. Every service shares tx
// so nested transactions join instead of deadlocking.
type stores struct {
	tenants    tenantservice.TenantStore
	codes      regcodeservice.Store
	challenges challengeservice.Store
	admins     identityservice.AdminStore
	faculty    identityservice.FacultyStore
	students   identityservice.StudentStore
	audit      audit.Store
	tx         txcontext.Runner

	rateLimits   ratelimitservice.Store
	// sharedLimits marks redis-backed limits that need a local fallback.
	sharedLimits bool

	health  map[string]httptransport.HealthCheck
	closers []func() error
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg config.Server, logger *slog.Logger) (*stores, error) {
	s := &stores{health: map[string]httptransport.HealthCheck{}}

	var db *sql.DB
	if cfg.Storage.Backend == config.BackendPostgres {
		var err error
		db, err = postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		s.health["postgres"] = db.PingContext
		if cfg.Database.Migrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				s.Close()
				return nil, err
			}
			logger.InfoContext(ctx, "database schema applied", "driver", cfg.Database.Driver)
		}
	}

	redisLimits := cfg.RateLimit.Enabled && cfg.RateLimit.Backend == config.BackendRedis
	var rdb *redis.Client
	if cfg.Storage.ChallengeBackend == config.BackendRedis || redisLimits {
		var err error
		rdb, err = redis.New(ctx, cfg.Redis)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, rdb.Close)
		s.health["redis"] = rdb.Health
	}

	if redisLimits {
		s.rateLimits = ratelimitstore.NewRedis(rdb.Client)
		s.sharedLimits = true
	} else {
		s.rateLimits = ratelimitstore.NewInMemory()
	}

	switch cfg.Storage.ChallengeBackend {
	case config.BackendRedis:
		s.challenges = challengestore.NewRedis(rdb.Client)
	case config.BackendPostgres:
		s.challenges = challengestore.NewPostgres(db)
	default:
		s.challenges = challengestore.NewInMemory()
	}

	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		s.tenants = tenantstore.NewPostgres(db)
		s.codes = regcodestore.NewPostgres(db)
		s.admins = identitystore.NewAdminPostgres(db)
		s.faculty = identitystore.NewFacultyPostgres(db)
		s.students = identitystore.NewStudentPostgres(db)
		s.audit = auditpostgres.New(db)
		s.tx = txcontext.NewPostgres(db, cfg.Database.TxTimeout)
	case config.BackendMemory:
		s.tenants = tenantstore.NewInMemory()
		s.codes = regcodestore.NewInMemory()
		s.admins = identitystore.NewAdminMemory()
		s.faculty = identitystore.NewFacultyMemory()
		s.students = identitystore.NewStudentMemory()
		s.audit = auditmemory.NewInMemoryStore()
		s.tx = txcontext.NewInMemory()
	default:
		s.Close()
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	logger.InfoContext(ctx, "storage ready",
		"backend", cfg.Storage.Backend,
		"challenge_backend", cfg.Storage.ChallengeBackend,
		"rate_limit_backend", cfg.RateLimit.Backend,
	)
	return s, nil
}
