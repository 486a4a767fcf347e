package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithTTLScript increments a counter and attaches the TTL only on first
// touch, so the expiry anchors to the start of the window.
var incrWithTTLScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 and tonumber(ARGV[1]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// RedisStore is the clustered Datastore. Entities live as JSON under a
// key prefix; counters use INCR with a first-touch expiry in one Lua script.
type RedisStore struct {
	client *redis.Client
	prefix string

	local notifier
	sub   *redis.PubSub
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	PoolSize int    `json:"poolSize,omitempty"`
}

// NewRedisStore connects to Redis and subscribes to the change channel.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "otoroshi"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	r := &RedisStore{
		client: client,
		prefix: cfg.Prefix,
	}
	r.sub = client.Subscribe(context.Background(), r.key("changes"))
	go r.relay()
	return r, nil
}

func (r *RedisStore) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *RedisStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	if err := r.loadJSON(ctx, r.key("services"), &snap.Services); err != nil {
		return nil, err
	}
	if err := r.loadJSON(ctx, r.key("apikeys"), &snap.ApiKeys); err != nil {
		return nil, err
	}
	if err := r.loadJSON(ctx, r.key("groups"), &snap.Groups); err != nil {
		return nil, err
	}
	if err := r.loadJSON(ctx, r.key("jwt-verifiers"), &snap.JwtVerifiers); err != nil {
		return nil, err
	}
	if err := r.loadJSON(ctx, r.key("auth-modules"), &snap.AuthModules); err != nil {
		return nil, err
	}
	if err := r.loadJSON(ctx, r.key("certs"), &snap.Certificates); err != nil {
		return nil, err
	}
	if err := r.loadJSON(ctx, r.key("global-config"), &snap.GlobalConfig); err != nil {
		return nil, err
	}
	for _, s := range snap.Services {
		if err := s.CompilePatterns(); err != nil {
			return nil, fmt.Errorf("service %s: %w", s.ID, err)
		}
	}
	return snap, nil
}

func (r *RedisStore) loadJSON(ctx context.Context, key string, dst any) error {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	return json.Unmarshal(raw, dst)
}

func (r *RedisStore) Store(ctx context.Context, snap *Snapshot) error {
	pipe := r.client.TxPipeline()
	for key, v := range map[string]any{
		r.key("services"):      snap.Services,
		r.key("apikeys"):       snap.ApiKeys,
		r.key("groups"):        snap.Groups,
		r.key("jwt-verifiers"): snap.JwtVerifiers,
		r.key("auth-modules"):  snap.AuthModules,
		r.key("certs"):         snap.Certificates,
		r.key("global-config"): snap.GlobalConfig,
	} {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		pipe.Set(ctx, key, raw, 0)
	}
	pipe.Publish(ctx, r.key("changes"), "store")
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) IncrCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	v, err := incrWithTTLScript.Run(ctx, r.client, []string{r.key("counters", key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisStore) GetCounter(ctx context.Context, key string) (int64, error) {
	v, err := r.client.Get(ctx, r.key("counters", key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisStore) Subscribe() <-chan struct{} {
	return r.local.subscribe()
}

// relay forwards Redis pub/sub change notifications to local subscribers.
func (r *RedisStore) relay() {
	for range r.sub.Channel() {
		r.local.notify()
	}
}

func (r *RedisStore) Close() error {
	r.sub.Close()
	return r.client.Close()
}

var _ Datastore = (*RedisStore)(nil)
var _ Datastore = (*MemoryStore)(nil)
