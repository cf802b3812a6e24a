package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/rueidis"
)

// takeScript applies the fixed-window rule to one hash per window.
// KEYS[i] = window hash; ARGV[1] = now (ms); ARGV[2i], ARGV[2i+1] = length (ms), limit.
const takeScript = `
local now = tonumber(ARGV[1])
local starts, hits, allowed = {}, {}, 1
for i = 1, #KEYS do
  local len = tonumber(ARGV[2*i])
  local limit = tonumber(ARGV[2*i+1])
  local v = redis.call('HMGET', KEYS[i], 'start', 'hits')
  local start = tonumber(v[1])
  local h = tonumber(v[2]) or 0
  if start == nil or now - start >= len then
    start = now
    h = 0
  end
  starts[i], hits[i] = start, h
  if limit > 0 and h >= limit then
    allowed = 0
  end
end
for i = 1, #KEYS do
  if allowed == 1 then
    hits[i] = hits[i] + 1
  end
  redis.call('HSET', KEYS[i], 'start', starts[i], 'hits', hits[i])
  redis.call('PEXPIRE', KEYS[i], tonumber(ARGV[2*i]) * 2)
end
return allowed
`

// RedisStore shares counters across processes through Redis.
type RedisStore struct {
	client rueidis.Client
	script *rueidis.Lua
}

type RedisConfig struct {
	Addr     []string
	Username string
	Password string
	DB       int
}

func NewRedisClient(cfg RedisConfig) (rueidis.Client, error) {
	return rueidis.NewClient(rueidis.ClientOption{
		InitAddress: cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
}

func NewRedisStore(client rueidis.Client) *RedisStore {
	return &RedisStore{client: client, script: rueidis.NewLuaScript(takeScript)}
}

func (r *RedisStore) Take(ctx context.Context, key string, windows []Window, now time.Time) (bool, error) {
	keys, args := takeArgs(key, windows, now)
	v, err := r.script.Exec(ctx, r.client, keys, args).AsInt64()
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

// takeArgs lays out KEYS and ARGV for takeScript.
func takeArgs(key string, windows []Window, now time.Time) (keys, args []string) {
	keys = make([]string, len(windows))
	args = make([]string, 0, 1+2*len(windows))
	args = append(args, strconv.FormatInt(now.UnixMilli(), 10))
	for i, w := range windows {
		// Hash tag keeps all windows of a key in one cluster slot.
		keys[i] = "{" + key + "}:" + strconv.FormatInt(w.Length.Milliseconds(), 10)
		args = append(args,
			strconv.FormatInt(w.Length.Milliseconds(), 10),
			strconv.Itoa(w.Limit),
		)
	}
	return keys, args
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Do(ctx, r.client.B().Ping().Build()).Error()
}

func (r *RedisStore) Close() { r.client.Close() }
