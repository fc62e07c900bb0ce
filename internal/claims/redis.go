package claims

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a claim survives a crashed holder when the
// caller passes no TTL. Callers size the TTL to outlast every ledger-bound
// step taken under the claim; see config.MinClaimTTL.
const DefaultTTL = time.Minute

// Only the holder's token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis holds claims in a shared Redis so several escrowd instances can
// serve the same store.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis creates a Redis-backed claim set. Keys are stored under prefix.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// TryClaim sets the key with NX. A Redis failure is returned as err; the
// caller must treat it as not acquired.
func (r *Redis) TryClaim(ctx context.Context, key string) (func(), bool, error) {
	full := r.prefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release even if the operation's context was cancelled.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, r.client, []string{full}, token).Err(); err != nil {
				r.logger.Warn("failed to release claim", "key", key, "error", err)
			}
		})
	}, true, nil
}

// Dial parses a redis:// URL and verifies connectivity.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
