// Package ratelimit limits requests per API key with Redis sliding window
// counters kept by an atomic Lua script.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one sorted set of request timestamps per key.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp in nanoseconds
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit
// Returns {allowed (1|0), requests in window, ms until a slot frees}.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			local wait = 0
			if oldest[2] then
				wait = math.ceil((tonumber(oldest[2]) + window - now) / 1000000)
			end
			return {0, count, wait}
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return {1, count + 1, 0}
`)

const keyPrefix = "ratelimit:key:rpm:"

// Decision is the outcome of one check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RPMLimiter enforces a requests-per-minute limit per API key.
type RPMLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewRPMLimiter limits each key to rpm requests per minute. rpm must be
// positive; callers disable limiting by not constructing a limiter.
func NewRPMLimiter(rdb *redis.Client, rpm int, logger *slog.Logger) *RPMLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RPMLimiter{rdb: rdb, limit: rpm, window: time.Minute, now: time.Now, logger: logger}
}

// Allow records a request for apiKeyID and reports whether it fits the
// window. Redis failures allow the request.
func (r *RPMLimiter) Allow(ctx context.Context, apiKeyID string) (Decision, error) {
	d := Decision{Allowed: true, Limit: r.limit, Remaining: r.limit}

	res, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + apiKeyID},
		r.now().UnixNano(), r.window.Nanoseconds(), r.limit,
	).Int64Slice()
	if err != nil || len(res) != 3 {
		if err != nil {
			r.logger.WarnContext(ctx, "ratelimit_unavailable", slog.String("error", err.Error()))
		}
		return d, nil
	}

	d.Allowed = res[0] == 1
	d.Remaining = max(r.limit-int(res[1]), 0)
	d.RetryAfter = time.Duration(res[2]) * time.Millisecond
	return d, nil
}
