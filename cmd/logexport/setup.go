package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/Adithya-Monish-Kumar-K/logexport/internal/engine/elastic"
	"github.com/Adithya-Monish-Kumar-K/logexport/internal/engine/memory"
	"github.com/Adithya-Monish-Kumar-K/logexport/internal/extractor"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/logexport/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/logexport/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/logexport/pkg/redis"
)

const (
	engineElastic = "elastic"
	engineMemory  = "memory"
)

// pingEngine is an extractor.Engine that can also be health-checked.
type pingEngine interface {
	extractor.Engine
	Ping(ctx context.Context) error
}

// loadConfig reads the config file, selects the environment and applies
// the global logging flags.
func loadConfig(g *globalFlags) (*config.Config, config.EnvironmentConfig, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, config.EnvironmentConfig{}, apperrors.Newf(apperrors.ErrInvalidConfig, "%v", err)
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	env, err := cfg.Environment(g.env)
	if err != nil {
		return nil, config.EnvironmentConfig{}, err
	}
	return cfg, env, nil
}

func newEngine(kind string, env config.EnvironmentConfig, seed int) (pingEngine, error) {
	switch kind {
	case engineElastic, "":
		eng, err := elastic.New(elastic.Config{
			Addresses: env.URLs,
			Username:  env.Username,
			Password:  env.Password,
		})
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrInvalidConfig, "%v", err)
		}
		return eng, nil
	case engineMemory:
		eng := memory.New()
		eng.CreateIndex(env.Index)
		if seed > 0 {
			start := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Hour)
			eng.Add(env.Index, memory.Generate(seed, start, rand.New(rand.NewSource(time.Now().UnixNano())))...)
		}
		return eng, nil
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidConfig, "unknown engine %q (want %s or %s)", kind, engineElastic, engineMemory)
	}
}

// services holds the optional backing services. Each one is nil when
// disabled or unreachable; an export never fails because of them.
type services struct {
	redis    *pkgredis.Client
	postgres *postgres.Client
	kafka    *kafka.Producer
}

func connectServices(cfg *config.Config) *services {
	s := &services{}
	if cfg.Redis.Enabled {
		client, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, export lease disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			s.redis = client
		}
	}
	if cfg.Postgres.Enabled {
		client, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, run audit disabled", "host", cfg.Postgres.Host, "error", err)
		} else {
			s.postgres = client
		}
	}
	if cfg.Kafka.Enabled {
		s.kafka = kafka.NewProducer(cfg.Kafka)
	}
	return s
}

func (s *services) Close() {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.postgres != nil {
		s.postgres.Close()
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			slog.Warn("closing kafka producer", "error", err)
		}
	}
}

// newChecker registers the engine as a required dependency and every
// enabled service as an optional one.
func newChecker(cfg *config.Config, engine pingEngine, s *services) *health.Checker {
	checker := health.NewChecker(5 * time.Second)
	checker.Register("search_engine", health.Ping(engine.Ping, false))
	if cfg.Redis.Enabled {
		checker.Register("redis", optionalCheck(s.redis != nil, func(ctx context.Context) error { return s.redis.Ping(ctx) }))
	}
	if cfg.Postgres.Enabled {
		checker.Register("postgres", optionalCheck(s.postgres != nil, func(ctx context.Context) error { return s.postgres.Ping(ctx) }))
	}
	if cfg.Kafka.Enabled {
		checker.Register("kafka", optionalCheck(s.kafka != nil, func(ctx context.Context) error { return s.kafka.Ping(ctx) }))
	}
	return checker
}

func optionalCheck(connected bool, ping func(context.Context) error) health.Check {
	if !connected {
		return func(context.Context) health.ComponentHealth {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "unreachable at startup"}
		}
	}
	return health.Ping(ping, true)
}

func describeEngine(kind string, env config.EnvironmentConfig) string {
	if kind == engineMemory {
		return "memory"
	}
	return fmt.Sprintf("elasticsearch %v", env.URLs)
}
