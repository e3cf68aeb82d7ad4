package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage backends for principals, tenants and registration codes.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Server is the full process configuration, read from the environment.
type Server struct {
	Addr     string `env:"UNIGATE_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// Environment gates development fallbacks such as the default signing key.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	Storage   StorageConfig   `envPrefix:"STORAGE_"`
	Database  DatabaseConfig  `envPrefix:"DATABASE_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	Session   SessionConfig   `envPrefix:"SESSION_"`
	Challenge ChallengeConfig `envPrefix:"OTP_"`
	Security  SecurityConfig
	Mail      MailConfig      `envPrefix:"MAIL_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`
}

type StorageConfig struct {
	// Backend stores principals, tenants, codes and audit events.
	Backend string `env:"BACKEND" envDefault:"memory"`
	// ChallengeBackend may differ so OTPs can live in redis next to postgres records.
	ChallengeBackend string `env:"CHALLENGE_BACKEND" envDefault:"memory"`
}

type DatabaseConfig struct {
	// Driver is "postgres" (lib/pq) or "pgx" (pgx stdlib).
	Driver          string        `env:"DRIVER" envDefault:"postgres"`
	URL             string        `env:"URL"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
	TxTimeout       time.Duration `env:"TX_TIMEOUT" envDefault:"5s"`
	Migrate         bool          `env:"MIGRATE" envDefault:"true"`
}

type RedisConfig struct {
	URL          string        `env:"URL"`
	PoolSize     int           `env:"POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
}

// SessionConfig holds signing material and the per-login-path TTL policy.
type SessionConfig struct {
	SigningKey string `env:"SIGNING_KEY"`
	Issuer     string `env:"ISSUER" envDefault:"unigate"`

	AdminSignupTTL         time.Duration `env:"TTL_ADMIN_SIGNUP" envDefault:"24h"`
	AdminPasswordTTL       time.Duration `env:"TTL_ADMIN_PASSWORD" envDefault:"24h"`
	StudentRegistrationTTL time.Duration `env:"TTL_STUDENT_REGISTRATION" envDefault:"24h"`
	StudentPasswordTTL     time.Duration `env:"TTL_STUDENT_PASSWORD" envDefault:"168h"`
	StudentOTPTTL          time.Duration `env:"TTL_STUDENT_OTP" envDefault:"168h"`
	FacultyPasswordTTL     time.Duration `env:"TTL_FACULTY_PASSWORD" envDefault:"168h"`
	FacultyCompletionTTL   time.Duration `env:"TTL_FACULTY_COMPLETION" envDefault:"24h"`
}

// ChallengeConfig holds the TTL per challenge purpose.
type ChallengeConfig struct {
	EmailVerifyTTL      time.Duration `env:"EMAIL_VERIFY_TTL" envDefault:"10m"`
	LoginTTL            time.Duration `env:"LOGIN_TTL" envDefault:"5m"`
	PasswordResetTTL    time.Duration `env:"PASSWORD_RESET_TTL" envDefault:"10m"`
	RegistrationLinkTTL time.Duration `env:"REGISTRATION_LINK_TTL" envDefault:"72h"`
}

type SecurityConfig struct {
	SuperAdminCode string `env:"SUPER_ADMIN_CODE"`
	// PlatformAdminToken guards tenant suspension routes.
	PlatformAdminToken string `env:"PLATFORM_ADMIN_TOKEN"`
	BcryptCost         int    `env:"BCRYPT_COST" envDefault:"12"`
	// RegistrationLinkBaseURL prefixes faculty completion tokens in emails.
	RegistrationLinkBaseURL string `env:"REGISTRATION_LINK_BASE_URL" envDefault:"http://localhost:3000/faculty/complete-registration"`
}

type MailConfig struct {
	// Backend is "log" or "kafka".
	Backend         string        `env:"BACKEND" envDefault:"log"`
	From            string        `env:"FROM" envDefault:"no-reply@unigate.local"`
	KafkaBrokers    []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic      string        `env:"KAFKA_TOPIC" envDefault:"unigate.mail.outbound"`
	DispatchTimeout time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"10s"`
}

// RateLimitConfig sets per-client-IP budgets for routes that send a code
// (challenge) and routes that check a secret (attempt).
type RateLimitConfig struct {
	Enabled bool `env:"ENABLED" envDefault:"true"`
	// Backend is "memory" or "redis". Redis falls back to memory while unreachable.
	Backend           string        `env:"BACKEND" envDefault:"memory"`
	ChallengeRequests int           `env:"CHALLENGE_REQUESTS" envDefault:"5"`
	ChallengeWindow   time.Duration `env:"CHALLENGE_WINDOW" envDefault:"1m"`
	AttemptRequests   int           `env:"ATTEMPT_REQUESTS" envDefault:"10"`
	AttemptWindow     time.Duration `env:"ATTEMPT_WINDOW" envDefault:"1m"`
}

const devSigningKey = "dev-signing-key-change-in-production"

// FromEnv parses the environment into a Server config and validates it.
func FromEnv() (Server, error) {
	var cfg Server
	if err := env.Parse(&cfg); err != nil {
		return Server{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Session.SigningKey == "" && cfg.Environment == "development" {
		cfg.Session.SigningKey = devSigningKey
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c Server) Validate() error {
	var errs []error
	if c.Session.SigningKey == "" {
		errs = append(errs, errors.New("SESSION_SIGNING_KEY is required outside development"))
	}
	if c.Security.SuperAdminCode == "" {
		errs = append(errs, errors.New("SUPER_ADMIN_CODE is required"))
	}
	if c.Security.BcryptCost < 10 {
		errs = append(errs, errors.New("BCRYPT_COST must be at least 10"))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend))
	}
	switch c.Storage.ChallengeBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.Backend != BackendPostgres {
			errs = append(errs, errors.New("STORAGE_CHALLENGE_BACKEND=postgres requires STORAGE_BACKEND=postgres"))
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis challenge backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_CHALLENGE_BACKEND %q", c.Storage.ChallengeBackend))
	}
	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case BackendMemory:
		case BackendRedis:
			if c.Redis.URL == "" {
				errs = append(errs, errors.New("REDIS_URL is required for the redis rate limit backend"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimit.Backend))
		}
	}
	if c.Mail.Backend == "kafka" && len(c.Mail.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("MAIL_KAFKA_BROKERS is required for the kafka mail backend"))
	}
	return errors.Join(errs...)
}
