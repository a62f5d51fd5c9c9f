package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	ConnectTimeout time.Duration // total time allowed for connection attempts
	RetryInterval  time.Duration // first wait between attempts, doubled up to MaxWait
	MaxWait        time.Duration
}

// Connect returns a client once Redis answers PING, retrying with backoff
// until ConnectTimeout runs out.
func Connect(opts RedisOptions, logger *zap.Logger) (*redis.Client, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()

	logger.Info("connecting to redis", zap.String("addr", opts.Addr))
	wait := opts.RetryInterval
	for attempt := 1; ; attempt++ {
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		err := client.Ping(pingCtx).Err()
		pingCancel()
		if err == nil {
			logger.Info("connected to redis", zap.String("addr", opts.Addr), zap.Int("attempts", attempt))
			return client, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			client.Close()
			return nil, fmt.Errorf("redis unavailable at %s after %d attempts: %w", opts.Addr, attempt, err)
		case <-timer.C:
			logger.Warn("redis connection failed, retrying",
				zap.String("addr", opts.Addr),
				zap.Int("attempt", attempt),
				zap.Duration("next_retry_in", wait),
				zap.Error(err))
			wait = min(wait*2, opts.MaxWait)
		}
	}
}

// incrWindow increments the counter and starts its expiry on the first hit,
// atomically. Returns {count, remaining ms}.
var incrWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisLimiter keeps one counter per key and window in Redis. If Redis
// cannot be reached the request is allowed and the error logged.
type RedisLimiter struct {
	client redis.Scripter
	prefix string
	logger *zap.Logger
}

func NewRedis(client redis.Scripter, logger *zap.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "qaplanet:rate:", logger: logger.Named("rate")}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration) {
	k := fmt.Sprintf("%s%s:%d", r.prefix, key, window.Milliseconds())

	res, err := incrWindow.Run(ctx, r.client, []string{k}, window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		r.logger.Error("rate limit check failed, allowing request", zap.String("key", key), zap.Error(err))
		return true, window
	}

	remaining := time.Duration(res[1]) * time.Millisecond
	return res[0] <= int64(limit), remaining
}
