package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	cache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const dedupTTL = 10 * time.Minute

// IdempotencyGuard rejects replays of mutating requests that carry an
// Idempotency-Key header. Telegram payment callbacks fire retries, and a
// retried order must not provision a second client. Claims live in Redis so
// they survive restarts; when Redis is down an in-process cache takes over.
type IdempotencyGuard struct {
	rdb      *redis.Client
	fallback *cache.Cache
	log      *zap.Logger
}

func NewIdempotencyGuard(rdb *redis.Client, log *zap.Logger) *IdempotencyGuard {
	return &IdempotencyGuard{
		rdb:      rdb,
		fallback: cache.New(dedupTTL, 5*time.Minute),
		log:      log,
	}
}

// Middleware claims the request's idempotency key before the handler runs.
// Requests without the header pass through untouched.
func (g *IdempotencyGuard) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get("Idempotency-Key")
			if key == "" || c.Request().Method == http.MethodGet {
				return next(c)
			}

			claimed := g.claim(c, key)
			if !claimed {
				return echo.NewHTTPError(http.StatusConflict, "duplicate request")
			}
			return next(c)
		}
	}
}

func (g *IdempotencyGuard) claim(c echo.Context, key string) bool {
	redisKey := fmt.Sprintf("idem:%s:%s", c.Request().Method, key)

	if g.rdb != nil {
		ok, err := g.rdb.SetNX(c.Request().Context(), redisKey, 1, dedupTTL).Result()
		if err == nil {
			return ok
		}
		g.log.Warn("redis claim failed, using in-memory dedup", zap.Error(err))
	}

	return g.fallback.Add(redisKey, struct{}{}, cache.DefaultExpiration) == nil
}
