package health

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// DatabaseChecker probes the platform Postgres connection.
type DatabaseChecker struct {
	db *sqlx.DB
}

func NewDatabaseChecker(db *sqlx.DB) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string     { return "postgres" }
func (c *DatabaseChecker) IsCritical() bool { return true }

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{Component: c.Name(), Critical: true, Status: StatusHealthy}
	if err := c.db.PingContext(ctx); err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	res.Duration = time.Since(start)
	return res
}

// Pinger is anything with a context-aware ping; the Redis session
// manager satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisChecker probes the session store. Not critical: with Redis down
// the service still answers queries, it just loses conversation memory.
type RedisChecker struct {
	pinger Pinger
}

func NewRedisChecker(p Pinger) *RedisChecker {
	return &RedisChecker{pinger: p}
}

func (c *RedisChecker) Name() string     { return "redis" }
func (c *RedisChecker) IsCritical() bool { return false }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{Component: c.Name(), Status: StatusHealthy}
	if err := c.pinger.Ping(ctx); err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	res.Duration = time.Since(start)
	return res
}
