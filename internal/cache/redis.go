package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"patchverify/internal/fingerprint"
)

// Redis is the primary tier: one hash per job key.
type Redis struct {
	Client redis.UniversalClient
	// TTL expires entries when positive; zero keeps them forever.
	TTL time.Duration
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TTL          time.Duration
}

// NewRedis builds a client without contacting the server.
func NewRedis(opts RedisOptions) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		MaxRetries:   1,
	})
	return &Redis{Client: client, TTL: opts.TTL}
}

func (r *Redis) Name() string { return "redis" }

// Ping reports whether the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key fingerprint.Key) (Entry, bool, error) {
	m, err := r.Client.HGetAll(ctx, key.String()).Result()
	if err != nil {
		return Entry{}, false, err
	}
	if len(m) == 0 {
		return Entry{}, false, nil
	}
	return EntryFromFields(m), true, nil
}

func (r *Redis) Put(ctx context.Context, key fingerprint.Key, e Entry) error {
	return r.put(ctx, r.Client, key.String(), e.Fields())
}

func (r *Redis) put(ctx context.Context, c redis.Cmdable, key string, fields map[string]string) error {
	_, err := c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fields)
		if r.TTL > 0 {
			p.Expire(ctx, key, r.TTL)
		}
		return nil
	})
	return err
}

func (r *Redis) Delete(ctx context.Context, key fingerprint.Key) (bool, error) {
	n, err := r.Client.Del(ctx, key.String()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Keys counts stored job keys.
func (r *Redis) Keys(ctx context.Context) (int, error) {
	n := 0
	iter := r.Client.Scan(ctx, 0, "patch:*", 500).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}

// Close releases the client's connections.
func (r *Redis) Close() error {
	return r.Client.Close()
}
