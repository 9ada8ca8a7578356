package main

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kode4food/ledger"
)

// Env is the command's configuration, read from the environment and an
// optional .env file
type Env struct {
	Backend  string
	Mode     string
	Redis    ledger.RedisConfig
	Bolt     ledger.BoltConfig
	Postgres ledger.PostgresConfig
}

const (
	backendMemory   = "memory"
	backendRedis    = "redis"
	backendBolt     = "bolt"
	backendPostgres = "postgres"

	modeDevelopment = "development"
)

func loadEnv() (*Env, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	redisCfg := ledger.DefaultRedisConfig()
	boltCfg := ledger.DefaultBoltConfig()
	pgCfg := ledger.DefaultPostgresConfig()

	return &Env{
		Backend: getEnv("LEDGER_BACKEND", backendBolt),
		Mode:    getEnv("LEDGER_MODE", "production"),
		Redis: ledger.RedisConfig{
			Addr:     getEnv("LEDGER_REDIS_ADDR", redisCfg.Addr),
			Password: getEnv("LEDGER_REDIS_PASSWORD", ""),
			Prefix:   getEnv("LEDGER_REDIS_PREFIX", redisCfg.Prefix),
			DB:       getEnvAsInt("LEDGER_REDIS_DB", redisCfg.DB),
		},
		Bolt: ledger.BoltConfig{
			Path:    getEnv("LEDGER_BOLT_PATH", boltCfg.Path),
			Timeout: boltCfg.Timeout,
		},
		Postgres: ledger.PostgresConfig{
			DSN: getEnv("LEDGER_POSTGRES_DSN", pgCfg.DSN),
			MaxConns: int32(getEnvAsInt(
				"LEDGER_POSTGRES_MAX_CONNS", int(pgCfg.MaxConns),
			)),
		},
	}, nil
}

func (e *Env) logger() (*zap.Logger, error) {
	if e.Mode == modeDevelopment {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}
