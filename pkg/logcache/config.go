package logcache

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultMaxSize bounds the cache at 100 MiB.
	DefaultMaxSize int64 = 100 * 1024 * 1024

	// DefaultTimeToLive is how long cached data is served without asking the
	// remote service again.
	DefaultTimeToLive = 24 * time.Hour

	// NoExpiration disables the TTL entirely.
	NoExpiration time.Duration = -1
)

// Config is fixed for the lifetime of a Manager.
type Config struct {
	// Host is the remote endpoint. It is opaque to the cache but namespaces
	// every key, so one cache directory can serve several hosts.
	Host string

	// CacheLocation is the cache directory. Empty means DefaultCacheLocation().
	CacheLocation string

	// MaxSize is the byte budget of all cached payloads. Zero means
	// DefaultMaxSize, negative disables size eviction.
	MaxSize int64

	// TimeToLive is the maximum age of a servable entry. Zero makes every
	// entry stale immediately, NoExpiration (any negative value) keeps
	// entries fresh forever.
	TimeToLive time.Duration

	// IgnoreCache skips the cache lookup and always fetches, still storing
	// the result.
	IgnoreCache bool

	// ServeStale returns a stale cached copy, with a warning, when the remote
	// fetch fails. Without it the fetch error is returned and the stale copy
	// is left for the next attempt.
	ServeStale bool
}

// DefaultConfig returns the configuration used by the CLI when no flags are
// given.
func DefaultConfig(host string) Config {
	return Config{
		Host:          host,
		CacheLocation: DefaultCacheLocation(),
		MaxSize:       DefaultMaxSize,
		TimeToLive:    DefaultTimeToLive,
		ServeStale:    true,
	}
}

// DefaultCacheLocation returns a per-user cache directory, falling back to
// ".cache" in the working directory when the platform has none.
func DefaultCacheLocation() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".cache"
	}
	return filepath.Join(dir, "openqa-logcache")
}

func (c Config) withDefaults() Config {
	if c.CacheLocation == "" {
		c.CacheLocation = DefaultCacheLocation()
	}
	if c.MaxSize == 0 {
		c.MaxSize = DefaultMaxSize
	}
	return c
}
