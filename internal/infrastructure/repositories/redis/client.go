package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "amalive:"

// Options selects the Redis database that holds sessions.
type Options struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// Open connects to the session store and brings its schema up to date.
// ctx bounds both the ping and the migrations.
func Open(ctx context.Context, opts Options, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		ClientName:   "amalive",
		MinIdleConns: 2,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	err := client.Ping(ctx).Err()
	if err == nil {
		err = Migrate(ctx, client, logger)
	}
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("session store at %s: %w", opts.Address, err)
	}

	logger.Infow("session store ready", "address", opts.Address, "db", opts.DB)
	return client, nil
}
