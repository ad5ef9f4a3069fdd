package treestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Leaves live in a hash (path -> JSON) next to a zero-score sorted set of
// the same paths, so a subtree is the lexicographic range [p/, p0).
var readSubtreeScript = redis.NewScript(`
local data, index, p = KEYS[1], KEYS[2], ARGV[1]
local out = {}
if p == "" then
  return redis.call("HGETALL", data)
end
local own = redis.call("HGET", data, p)
if own then
  table.insert(out, p)
  table.insert(out, own)
end
local members = redis.call("ZRANGEBYLEX", index, "[" .. p .. "/", "(" .. p .. "0")
for _, m in ipairs(members) do
  local v = redis.call("HGET", data, m)
  if v then
    table.insert(out, m)
    table.insert(out, v)
  end
end
return out
`)

var applyWriteScript = redis.NewScript(`
local data, index = KEYS[1], KEYS[2]
local nd = tonumber(ARGV[1])
local nc = tonumber(ARGV[2])
local i = 3
for _ = 1, nd do
  redis.call("HDEL", data, ARGV[i])
  redis.call("ZREM", index, ARGV[i])
  i = i + 1
end
for _ = 1, nc do
  local p = ARGV[i]
  if p == "" then
    redis.call("DEL", data, index)
  else
    redis.call("HDEL", data, p)
    redis.call("ZREM", index, p)
    local members = redis.call("ZRANGEBYLEX", index, "[" .. p .. "/", "(" .. p .. "0")
    for _, m in ipairs(members) do
      redis.call("HDEL", data, m)
      redis.call("ZREM", index, m)
    end
  end
  i = i + 1
end
while i < #ARGV do
  redis.call("HSET", data, ARGV[i], ARGV[i + 1])
  redis.call("ZADD", index, 0, ARGV[i])
  i = i + 2
end
return 1
`)

// RedisBackend stores the tree in Redis and fans changes out over pub/sub
// so that every process sharing the prefix sees every write.
type RedisBackend struct {
	client  *redis.Client
	dataKey string
	idxKey  string
	channel string
}

// NewRedisBackend wraps an existing client. prefix namespaces all keys.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "chat:tree"
	}
	return &RedisBackend{
		client:  client,
		dataKey: prefix + ":data",
		idxKey:  prefix + ":index",
		channel: prefix + ":changes",
	}
}

func (b *RedisBackend) Read(ctx context.Context, path string) (map[string]string, error) {
	res, err := readSubtreeScript.Run(ctx, b.client, []string{b.dataKey, b.idxKey}, path).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	out := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		out[res[i]] = res[i+1]
	}
	return out, nil
}

func (b *RedisBackend) Apply(ctx context.Context, w Write) error {
	args := make([]any, 0, 2+len(w.Deletes)+len(w.Clears)+2*len(w.Puts))
	args = append(args, strconv.Itoa(len(w.Deletes)), strconv.Itoa(len(w.Clears)))
	for _, p := range w.Deletes {
		args = append(args, p)
	}
	for _, p := range w.Clears {
		args = append(args, p)
	}
	for p, v := range w.Puts {
		args = append(args, p, v)
	}
	if err := applyWriteScript.Run(ctx, b.client, []string{b.dataKey, b.idxKey}, args...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("apply write: %w", err)
	}
	if len(w.Paths) == 0 {
		return nil
	}
	payload, err := json.Marshal(Change{Origin: w.Origin, Paths: w.Paths})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		// The data is stored; watchers catch up on the next write or resync.
		slog.Warn("treestore change publish failed", "err", err)
	}
	return nil
}

func (b *RedisBackend) Changes(ctx context.Context) (<-chan Change, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe changes: %w", err)
	}
	out := make(chan Change, 256)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var change Change
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					slog.Warn("treestore malformed change", "err", err)
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
