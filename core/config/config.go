package config

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Option configures a single Load call.
type Option func(*options)

type options struct {
	prefix  string
	noCache bool
}

// WithPrefix prepends prefix to every env tag of the loaded type,
// so one struct can be loaded several times (BUS_QUEUE_MODE, NOTIFICATION_QUEUE_MODE).
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithoutCache forces a fresh parse and does not store the result.
func WithoutCache() Option {
	return func(o *options) {
		o.noCache = true
	}
}

type cacheKey struct {
	typ    reflect.Type
	prefix string
}

var (
	dotenvOnce sync.Once
	cacheMu    sync.RWMutex
	cache      = map[cacheKey]any{}
)

// Load fills cfg from the environment. The first call loads .env if present.
// Each (type, prefix) pair is parsed once; later calls copy the cached value.
func Load[T any](cfg *T, opts ...Option) error {
	if cfg == nil {
		return fmt.Errorf("config: nil target")
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	dotenvOnce.Do(func() {
		// Missing .env is fine.
		_ = godotenv.Load()
	})

	key := cacheKey{typ: reflect.TypeFor[T](), prefix: o.prefix}
	if !o.noCache {
		cacheMu.RLock()
		cached, ok := cache[key]
		cacheMu.RUnlock()
		if ok {
			*cfg = cached.(T)
			return nil
		}
	}

	var loaded T
	if err := env.ParseWithOptions(&loaded, env.Options{Prefix: o.prefix}); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", key.typ, err)
	}

	if !o.noCache {
		cacheMu.Lock()
		cache[key] = loaded
		cacheMu.Unlock()
	}
	*cfg = loaded
	return nil
}

// MustLoad is Load that panics on error. Intended for program startup.
func MustLoad[T any](cfg *T, opts ...Option) {
	if err := Load(cfg, opts...); err != nil {
		panic(err)
	}
}
