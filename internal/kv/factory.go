package kv

import (
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/plistore/pkg/redis"
)

// Clients carries the shared connections the network backends are built on.
// Only the client matching the configured backend has to be set.
type Clients struct {
	Postgres *postgres.Client
	Redis    *pkgredis.Client
}

// NewFactory returns a Factory for the backend named in cfg.
func NewFactory(cfg config.StoreConfig, clients Clients) (Factory, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return func(name string) (Collection, error) {
			return NewMemory(name), nil
		}, nil
	case config.BackendSQLite:
		return func(name string) (Collection, error) {
			return NewSQLite(cfg.DataDir, name), nil
		}, nil
	case config.BackendPostgres:
		if clients.Postgres == nil {
			return nil, fmt.Errorf("postgres backend selected without a postgres client")
		}
		return func(name string) (Collection, error) {
			return NewPostgres(clients.Postgres, name), nil
		}, nil
	case config.BackendRedis:
		if clients.Redis == nil {
			return nil, fmt.Errorf("redis backend selected without a redis client")
		}
		return func(name string) (Collection, error) {
			return NewRedis(clients.Redis, cfg.RedisPrefix, name), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
