package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/curation_outbox/internal/db"
)

// Backend names accepted by Open
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Options selects and configures a Store backend
type Options struct {
	Backend     string
	SQLitePath  string
	PostgresDSN string
	RedisAddr   string
	RedisPrefix string

	// RedisAOFTimeout > 0 makes every redis write wait for the AOF fsync
	RedisAOFTimeout time.Duration
}

// Open builds the Store named by opts.Backend
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendSQLite:
		return OpenSQLite(opts.SQLitePath)

	case BackendPostgres:
		if err := db.Migrate(opts.PostgresDSN); err != nil {
			return nil, err
		}
		pool, err := db.Connect(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return NewPostgresStore(pool), nil

	case BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return NewRedisStore(client, opts.RedisPrefix, WithAOFSync(opts.RedisAOFTimeout)), nil
	}
	return nil, fmt.Errorf("unknown outbox backend %q", opts.Backend)
}
