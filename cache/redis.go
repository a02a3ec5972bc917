package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyspaceEvents is the notify-keyspace-events setting the coordinator needs:
// keyspace channel, string commands, generic commands and expirations.
const KeyspaceEvents = "K$gx"

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// setNXManyScript sets each absent key; ARGV[2] is the ttl in milliseconds,
// zero for no expiry.
var setNXManyScript = redis.NewScript(`
local out = {}
local ttl = tonumber(ARGV[2])
for i, key in ipairs(KEYS) do
	local ok
	if ttl > 0 then
		ok = redis.call("SET", key, ARGV[1], "NX", "PX", ttl)
	else
		ok = redis.call("SET", key, ARGV[1], "NX")
	end
	if ok then
		out[i] = 1
	else
		out[i] = 0
	end
end
return out
`)

// RedisBackend implements Backend on Redis with keyspace notifications.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to Redis and, when configureEvents is set, enables
// keyspace notifications on the server.
func NewRedisBackend(ctx context.Context, opts *redis.Options, configureEvents bool) (*RedisBackend, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if configureEvents {
		if err := client.ConfigSet(ctx, "notify-keyspace-events", KeyspaceEvents).Err(); err != nil {
			slog.Warn("cannot enable keyspace notifications, set notify-keyspace-events on the server",
				slog.String("want", KeyspaceEvents),
				slog.Any("error", err),
			)
		}
	}
	return &RedisBackend{
		client: client,
		prefix: fmt.Sprintf("__keyspace@%d__:", opts.DB),
	}, nil
}

// Client exposes the underlying client for health checks.
func (r *RedisBackend) Client() *redis.Client {
	return r.client
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *RedisBackend) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(keys))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisBackend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisBackend) SetNXMany(ctx context.Context, keys []string, value []byte, ttl time.Duration) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := setNXManyScript.Run(ctx, r.client, keys, value, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(keys))
	for i, v := range vals {
		out[i] = v == 1
	}
	return out, nil
}

func (r *RedisBackend) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.client, []string{key}, value).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

// Subscribe listens on the keyspace channel for pattern. go-redis reconnects
// and re-subscribes on its own; each dropped connection is reported as one
// OpConnLost event.
func (r *RedisBackend) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	ps := r.client.PSubscribe(ctx, r.prefix+pattern)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("psubscribe %s: %w", pattern, err)
	}

	sub := &redisSubscription{
		ps:     ps,
		prefix: r.prefix,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go sub.loop()
	return sub, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	ps     *redis.PubSub
	prefix string
	events chan Event
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSubscription) loop() {
	defer close(s.events)

	ctx := context.Background()
	backoff := 100 * time.Millisecond
	for {
		msg, err := s.ps.Receive(ctx)
		if s.closed.Load() {
			return
		}
		if err != nil {
			slog.Warn("redis subscription dropped", slog.Any("error", err))
			if !s.emit(Event{Op: OpConnLost}) {
				return
			}
			select {
			case <-time.After(backoff):
			case <-s.done:
				return
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond

		switch m := msg.(type) {
		case *redis.Message:
			key := strings.TrimPrefix(m.Channel, s.prefix)
			if !s.emit(Event{Key: key, Op: Op(m.Payload)}) {
				return
			}
		case *redis.Subscription, *redis.Pong:
		}
	}
}

func (s *redisSubscription) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
