package health

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
)

// CheckTimeout bounds each dependency probe.
const CheckTimeout = 2 * time.Second

// DB pings a database.
func DB(name string, db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Redis pings a Redis server.
func Redis(name string, client redis.UniversalClient) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Circuit reports unhealthy while a breaker is open. A half-open breaker
// is probing and counts as healthy.
func Circuit(name string, state func() circuitbreaker.State) Checker {
	return func(_ context.Context) Status {
		s := state()
		return Status{Name: name, Healthy: s != circuitbreaker.StateOpen, Detail: "circuit " + s.String()}
	}
}

// Running reports whether a background loop is alive.
func Running(name string, running func() bool) Checker {
	return func(_ context.Context) Status {
		if running() {
			return Status{Name: name, Healthy: true}
		}
		return Status{Name: name, Healthy: false, Detail: "not running"}
	}
}
