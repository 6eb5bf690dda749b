package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config holds every server-level option plus the cache manifest that drives
// install and activation.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Cache  CacheConfig  `koanf:"cache"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle server.
type ServerConfig struct {
	Listen   ListenConfig   `koanf:"listen"`
	Logging  LoggingConfig  `koanf:"logging"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Store    StoreConfig    `koanf:"store"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// UpstreamConfig describes where origin-form requests are fetched from.
type UpstreamConfig struct {
	Origin string `koanf:"origin"`
	// TimeoutSeconds bounds a live fetch. Zero leaves fetches unbounded.
	TimeoutSeconds int `koanf:"timeoutSeconds"`
}

// StoreConfig selects the bucket storage backend.
type StoreConfig struct {
	Backend     string            `koanf:"backend"`
	Compression string            `koanf:"compression"`
	Redis       StoreRedisConfig  `koanf:"redis"`
	SQLite      StoreSQLiteConfig `koanf:"sqlite"`
}

type StoreRedisConfig struct {
	Address   string              `koanf:"address"`
	Username  string              `koanf:"username"`
	Password  string              `koanf:"password"`
	DB        int                 `koanf:"db"`
	KeyPrefix string              `koanf:"keyPrefix"`
	TLS       StoreRedisTLSConfig `koanf:"tls"`
}

type StoreRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type StoreSQLiteConfig struct {
	Path string `koanf:"path"`
}

// CacheConfig names the active bucket and the assets pre-loaded into it.
type CacheConfig struct {
	Version            string   `koanf:"version"`
	Manifest           []string `koanf:"manifest"`
	StorePolicy        string   `koanf:"storePolicy"`
	InstallConcurrency int      `koanf:"installConcurrency"`
}

// DefaultStorePolicy stores successful GET responses only.
const DefaultStorePolicy = `request.method == "GET" && response.status == 200`

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port < 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("config: server.upstream.timeoutSeconds invalid: %d", c.Server.Upstream.TimeoutSeconds)
	}
	if origin := strings.TrimSpace(c.Server.Upstream.Origin); origin != "" {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: server.upstream.origin must be an absolute URL: %q", origin)
		}
	}
	switch strings.TrimSpace(strings.ToLower(c.Server.Store.Backend)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Store.Redis.Address) == "" {
			return errors.New("config: server.store.redis.address required for redis backend")
		}
	case "sqlite":
		if strings.TrimSpace(c.Server.Store.SQLite.Path) == "" {
			return errors.New("config: server.store.sqlite.path required for sqlite backend")
		}
	default:
		return fmt.Errorf("config: server.store.backend unsupported: %s", c.Server.Store.Backend)
	}
	switch strings.TrimSpace(strings.ToLower(c.Server.Store.Compression)) {
	case "", "none", "zstd":
	default:
		return fmt.Errorf("config: server.store.compression unsupported: %s", c.Server.Store.Compression)
	}
	if strings.TrimSpace(c.Cache.Version) == "" {
		return errors.New("config: cache.version required")
	}
	for i, entry := range c.Cache.Manifest {
		if strings.TrimSpace(entry) == "" {
			return fmt.Errorf("config: cache.manifest[%d] empty", i)
		}
	}
	if c.Cache.InstallConcurrency < 0 {
		return fmt.Errorf("config: cache.installConcurrency invalid: %d", c.Cache.InstallConcurrency)
	}
	return nil
}

// DefaultConfig returns the baseline values for the dictée vocale deployment.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Store: StoreConfig{
				Backend:     "memory",
				Compression: "zstd",
				Redis: StoreRedisConfig{
					KeyPrefix: "offlinecache:",
				},
			},
		},
		Cache: CacheConfig{
			Version: "dictee-vocale-v1",
			Manifest: []string{
				"/dictee-vocale/",
				"/dictee-vocale/index.html",
				"/dictee-vocale/landing.html",
				"/dictee-vocale/manifest.json",
				"https://cdn.tailwindcss.com",
				"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.0.0/css/all.min.css",
			},
			StorePolicy:        DefaultStorePolicy,
			InstallConcurrency: 4,
		},
	}
}

// ResolveManifest turns manifest entries into absolute URLs. Root-relative
// entries are resolved against origin; absolute entries pass through.
func ResolveManifest(origin string, entries []string) ([]string, error) {
	var base *url.URL
	if trimmed := strings.TrimSpace(origin); trimmed != "" {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("config: parse origin: %w", err)
		}
		base = parsed
	}
	out := make([]string, 0, len(entries))
	for i, entry := range entries {
		ref, err := url.Parse(strings.TrimSpace(entry))
		if err != nil {
			return nil, fmt.Errorf("config: cache.manifest[%d]: %w", i, err)
		}
		if !ref.IsAbs() {
			if base == nil {
				return nil, fmt.Errorf("config: cache.manifest[%d] %q is relative but server.upstream.origin is empty", i, entry)
			}
			ref = base.ResolveReference(ref)
		}
		out = append(out, ref.String())
	}
	return out, nil
}
