package kanban

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisWindowKey = "relayboard:ratelimit"

// reserveScript keeps one sorted-set member per call, scored by its
// timestamp in milliseconds. It returns 0 when the call was recorded,
// otherwise the milliseconds until the oldest member leaves the window.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return 0
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then
	wait = 1
end
return wait
`)

// RedisWindow shares one sliding window between every process pointed at the
// same Redis key, so several sync workers can honour a single API budget.
type RedisWindow struct {
	client redis.Scripter
	key    string
}

func NewRedisWindow(client redis.Scripter, key string) *RedisWindow {
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultRedisWindowKey
	}
	return &RedisWindow{client: client, key: key}
}

func (w *RedisWindow) Reserve(ctx context.Context, now time.Time, limit int, window time.Duration) (time.Duration, error) {
	waitMillis, err := reserveScript.Run(ctx, w.client, []string{w.key},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
		uuid.NewString(),
	).Int64()
	if err != nil {
		return 0, err
	}
	return time.Duration(waitMillis) * time.Millisecond, nil
}
