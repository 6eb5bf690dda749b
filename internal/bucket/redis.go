package bucket

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TLS       RedisTLSConfig
}

// putIfPresent writes the entry only while the bucket is still registered so
// a late write cannot resurrect an evicted bucket.
var putIfPresent = valkey.NewLuaScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) == false then
  return 0
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// registerBucket adds a name once, scored by a per-prefix sequence so Names
// returns buckets in creation order.
var registerBucket = valkey.NewLuaScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) == false then
  redis.call("ZADD", KEYS[1], redis.call("INCR", KEYS[2]), ARGV[1])
end
return 1
`)

type redisStorage struct {
	client valkey.Client
	codec  *Codec
	prefix string
}

// NewRedis connects a valkey-backed Storage. Bucket names live in a sorted
// set in creation order; each bucket is a hash of encoded snapshots.
// The storage owns codec and closes it on Close.
func NewRedis(cfg RedisConfig, codec *Codec) (Storage, error) {
	if cfg.Address == "" {
		return nil, errors.New("bucket: redis address required")
	}
	if codec == nil {
		return nil, errors.New("bucket: codec required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("bucket: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("bucket: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("bucket: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("bucket: redis ping: %w", err)
	}

	return &redisStorage{client: client, codec: codec, prefix: cfg.KeyPrefix}, nil
}

func (s *redisStorage) namesKey() string {
	return s.prefix + "buckets"
}

func (s *redisStorage) bucketKey(name string) string {
	return s.prefix + "bucket:" + name
}

func (s *redisStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	keys := []string{s.namesKey(), s.prefix + "bucket-seq"}
	if err := registerBucket.Exec(ctx, s.client, keys, []string{name}).Error(); err != nil {
		return nil, fmt.Errorf("bucket: redis open %s: %w", name, err)
	}
	return &redisBucket{storage: s, name: name}, nil
}

func (s *redisStorage) Lookup(ctx context.Context, name string) (Bucket, bool, error) {
	err := s.client.Do(ctx, s.client.B().Zscore().Key(s.namesKey()).Member(name).Build()).Error()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("bucket: redis lookup %s: %w", name, err)
	}
	return &redisBucket{storage: s, name: name}, true, nil
}

func (s *redisStorage) Names(ctx context.Context) ([]string, error) {
	cmd := s.client.B().Zrange().Key(s.namesKey()).Min("0").Max("-1").Build()
	names, err := s.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("bucket: redis names: %w", err)
	}
	return names, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	removed, err := s.client.Do(ctx, s.client.B().Zrem().Key(s.namesKey()).Member(name).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("bucket: redis delete %s: %w", name, err)
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.bucketKey(name)).Build()).Error(); err != nil {
		return removed > 0, fmt.Errorf("bucket: redis delete entries %s: %w", name, err)
	}
	return removed > 0, nil
}

func (s *redisStorage) Close(context.Context) error {
	s.client.Close()
	s.codec.Close()
	return nil
}

type redisBucket struct {
	storage *redisStorage
	name    string
}

func (b *redisBucket) Name() string { return b.name }

func (b *redisBucket) Match(ctx context.Context, key RequestKey) (Snapshot, bool, error) {
	c := b.storage.client
	resp := c.Do(ctx, c.B().Hget().Key(b.storage.bucketKey(b.name)).Field(string(key)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("bucket: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("bucket: redis get bytes: %w", err)
	}
	snapshot, err := b.storage.codec.Decode(payload)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snapshot, true, nil
}

func (b *redisBucket) Put(ctx context.Context, key RequestKey, snapshot Snapshot) error {
	if snapshot.StoredAt.IsZero() {
		snapshot.StoredAt = time.Now().UTC()
	}
	payload, err := b.storage.codec.Encode(snapshot)
	if err != nil {
		return err
	}
	keys := []string{b.storage.namesKey(), b.storage.bucketKey(b.name)}
	args := []string{b.name, string(key), string(payload)}
	written, err := putIfPresent.Exec(ctx, b.storage.client, keys, args).AsInt64()
	if err != nil {
		return fmt.Errorf("bucket: redis put: %w", err)
	}
	if written == 0 {
		return ErrBucketGone
	}
	return nil
}

func (b *redisBucket) Keys(ctx context.Context) ([]RequestKey, error) {
	c := b.storage.client
	fields, err := c.Do(ctx, c.B().Hkeys().Key(b.storage.bucketKey(b.name)).Build()).AsStrSlice()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("bucket: redis keys: %w", err)
	}
	keys := make([]RequestKey, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, RequestKey(f))
	}
	slices.Sort(keys)
	return keys, nil
}
